// Package unlock grants permanent access to priced chapters in exchange for
// coins, exactly once per user per chapter.
package unlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/fablehall/coinledger/internal/cachenotify"
	"github.com/fablehall/coinledger/internal/catalog"
	"github.com/fablehall/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

// ErrInvalidServiceConfig reports bad wiring at construction time.
var ErrInvalidServiceConfig = errors.New("invalid unlock service config")

// Service sells chapter access. The debit and the entitlement insert share
// one transaction: if two requests race past the existence check, the unique
// (user, chapter) constraint fails the loser and the rollback returns the
// loser's coins.
type Service struct {
	store    ledger.Store
	ledger   *ledger.Service
	catalog  catalog.Catalog
	notifier cachenotify.Notifier
	logger   *zap.Logger
	nowFn    func() int64
}

// NewService wires an unlock Service.
func NewService(store ledger.Store, ledgerService *ledger.Service, chapterCatalog catalog.Catalog, notifier cachenotify.Notifier, logger *zap.Logger, now func() int64) (*Service, error) {
	if store == nil || ledgerService == nil || chapterCatalog == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if notifier == nil {
		notifier = cachenotify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		ledger:   ledgerService,
		catalog:  chapterCatalog,
		notifier: notifier,
		logger:   logger,
		nowFn:    now,
	}, nil
}

// PurchaseResult reports the outcome of a chapter purchase. AlreadyPurchased
// marks the idempotent replay; Free marks a chapter that needs no
// entitlement.
type PurchaseResult struct {
	Entitlement      ledger.Entitlement
	AlreadyPurchased bool
	Free             bool
}

// PurchaseChapter debits the chapter price and records the entitlement
// atomically. Replays and race losers both resolve to AlreadyPurchased
// without a second charge.
func (service *Service) PurchaseChapter(ctx context.Context, userID ledger.UserID, chapterID ledger.ChapterID) (PurchaseResult, error) {
	pricing, err := service.catalog.ChapterPricing(ctx, chapterID.String())
	if err != nil {
		return PurchaseResult{}, err
	}
	if !pricing.IsLocked {
		return PurchaseResult{Free: true}, nil
	}
	price, err := ledger.NewCoinAmount(pricing.PriceCoins)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("chapter %s pricing: %w", chapterID.String(), err)
	}

	existing, err := service.store.FindEntitlement(ctx, userID.String(), chapterID.String())
	if err == nil {
		return PurchaseResult{Entitlement: existing, AlreadyPurchased: true}, nil
	}
	if !errors.Is(err, ledger.ErrEntitlementNotFound) {
		return PurchaseResult{}, err
	}

	metadata, _ := ledger.NewMetadataJSON(fmt.Sprintf(`{"chapter_id":%q}`, chapterID.String()))
	entitlement := ledger.Entitlement{
		UserID:         userID.String(),
		ChapterID:      chapterID.String(),
		PriceCoinsPaid: pricing.PriceCoins,
		CreatedUnixUTC: service.nowFn(),
	}
	reference := debitReference(userID, chapterID)

	txErr := service.store.WithTx(ctx, func(ctx context.Context, transactionStore ledger.Store) error {
		if _, err := service.ledger.DebitTx(ctx, transactionStore, userID, price, ledger.KindChapterDebit, reference, metadata); err != nil {
			return err
		}
		return transactionStore.InsertEntitlement(ctx, entitlement)
	})
	if txErr != nil {
		// The loser of a concurrent purchase: its debit rolled back with the
		// transaction, so it was never charged. A conflict can surface as a
		// duplicate entry or entitlement, or as insufficient funds when the
		// winner's committed debit already drained the balance, so any of the
		// three resolves against the committed entitlement row.
		if errors.Is(txErr, ledger.ErrEntitlementExists) || errors.Is(txErr, ledger.ErrDuplicateReference) || errors.Is(txErr, ledger.ErrInsufficientFunds) {
			winner, findErr := service.store.FindEntitlement(ctx, userID.String(), chapterID.String())
			if findErr == nil {
				service.logger.Info("duplicate purchase absorbed",
					zap.String("user_id", userID.String()),
					zap.String("chapter_id", chapterID.String()),
				)
				return PurchaseResult{Entitlement: winner, AlreadyPurchased: true}, nil
			}
			if !errors.Is(findErr, ledger.ErrEntitlementNotFound) {
				return PurchaseResult{}, findErr
			}
		}
		return PurchaseResult{}, txErr
	}

	service.notifier.ChapterUnlocked(ctx, userID.String(), chapterID.String())
	return PurchaseResult{Entitlement: entitlement}, nil
}

// IsUnlocked reports whether the user holds an entitlement for the chapter.
// The entitlement row is authoritative, independent of any cached flags.
func (service *Service) IsUnlocked(ctx context.Context, userID ledger.UserID, chapterID ledger.ChapterID) (bool, error) {
	_, err := service.store.FindEntitlement(ctx, userID.String(), chapterID.String())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ledger.ErrEntitlementNotFound) {
		return false, nil
	}
	return false, err
}

// Entitlements lists the user's unlocked chapters, newest first.
func (service *Service) Entitlements(ctx context.Context, userID ledger.UserID) ([]ledger.Entitlement, error) {
	return service.store.ListEntitlements(ctx, userID.String())
}

func debitReference(userID ledger.UserID, chapterID ledger.ChapterID) string {
	return "entitlement:" + userID.String() + ":" + chapterID.String()
}
