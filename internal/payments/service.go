package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/fablehall/coinledger/internal/cachenotify"
	"github.com/fablehall/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service converts one externally-verified payment into exactly one coin
// credit, despite client retries or duplicate webhook delivery.
type Service struct {
	store    ledger.Store
	ledger   *ledger.Service
	gateway  ProviderGateway
	pricer   CoinPricer
	notifier cachenotify.Notifier
	provider string
	logger   *zap.Logger
	nowFn    func() int64
}

// NewService wires a capture Service.
func NewService(store ledger.Store, ledgerService *ledger.Service, gateway ProviderGateway, pricer CoinPricer, notifier cachenotify.Notifier, provider string, logger *zap.Logger, now func() int64) (*Service, error) {
	if store == nil || ledgerService == nil || gateway == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidServiceConfig)
	}
	if provider == "" {
		return nil, fmt.Errorf("%w: provider name is empty", ErrInvalidServiceConfig)
	}
	if pricer == nil {
		pricer = DefaultCoinPricer()
	}
	if notifier == nil {
		notifier = cachenotify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Service{
		store:    store,
		ledger:   ledgerService,
		gateway:  gateway,
		pricer:   pricer,
		notifier: notifier,
		provider: provider,
		logger:   logger,
		nowFn:    now,
	}, nil
}

// CaptureResult reports the coins tied to an order. AlreadyProcessed marks a
// replay that credited nothing new.
type CaptureResult struct {
	CoinsGranted     int64
	AlreadyProcessed bool
}

// Capture verifies the order with the provider and credits coins exactly
// once. The provider call happens before the transaction opens; the payment
// row insert and the ledger credit share one transaction, with the unique
// (provider, order) constraint as the idempotency boundary.
func (service *Service) Capture(ctx context.Context, userID ledger.UserID, orderID ledger.OrderID) (CaptureResult, error) {
	order, err := service.gateway.GetOrder(ctx, orderID.String())
	if err != nil {
		return CaptureResult{}, err
	}
	if !order.Completed() {
		return CaptureResult{}, fmt.Errorf("%w: order %s is %q", ErrPaymentNotCompleted, orderID.String(), order.Status)
	}
	coins := service.pricer(order.AmountCents)
	if coins <= 0 {
		return CaptureResult{}, fmt.Errorf("%w: %d cents prices to no coins", ErrInvalidOrderAmount, order.AmountCents)
	}
	amount, err := ledger.NewCoinAmount(coins)
	if err != nil {
		return CaptureResult{}, err
	}
	metadata, err := ledger.NewMetadataJSON(order.RawResponse)
	if err != nil {
		// Provider responses are stored verbatim when valid, replaced otherwise.
		metadata, _ = ledger.NewMetadataJSON("")
	}

	var result CaptureResult
	txErr := service.store.WithTx(ctx, func(ctx context.Context, transactionStore ledger.Store) error {
		existing, findErr := transactionStore.FindExternalPaymentByOrder(ctx, service.provider, orderID.String())
		if findErr == nil {
			result = CaptureResult{CoinsGranted: existing.CoinsGranted, AlreadyProcessed: true}
			return nil
		}
		if !errors.Is(findErr, ledger.ErrPaymentNotFound) {
			return findErr
		}
		payment := ledger.ExternalPayment{
			PaymentID:       uuid.NewString(),
			Provider:        service.provider,
			ProviderOrderID: orderID.String(),
			UserID:          userID.String(),
			AmountCents:     order.AmountCents,
			Currency:        order.Currency,
			CoinsGranted:    coins,
			Status:          ledger.PaymentCompleted,
			MetadataJSON:    metadata.String(),
			CreatedUnixUTC:  service.nowFn(),
		}
		if err := transactionStore.InsertExternalPayment(ctx, payment); err != nil {
			return err
		}
		if _, err := service.ledger.CreditTx(ctx, transactionStore, userID, amount, ledger.KindPurchaseCredit, payment.PaymentID, metadata); err != nil {
			return err
		}
		result = CaptureResult{CoinsGranted: coins}
		return nil
	})
	if txErr != nil {
		// A concurrent capture of the same order won the insert race; its
		// committed row carries the authoritative grant.
		if errors.Is(txErr, ledger.ErrPaymentExists) || errors.Is(txErr, ledger.ErrDuplicateReference) {
			existing, findErr := service.store.FindExternalPaymentByOrder(ctx, service.provider, orderID.String())
			if findErr != nil {
				return CaptureResult{}, findErr
			}
			service.logger.Info("capture replay absorbed",
				zap.String("provider", service.provider),
				zap.String("order_id", orderID.String()),
				zap.String("user_id", userID.String()),
			)
			return CaptureResult{CoinsGranted: existing.CoinsGranted, AlreadyProcessed: true}, nil
		}
		return CaptureResult{}, txErr
	}

	if !result.AlreadyProcessed {
		service.notifier.BalanceChanged(ctx, userID.String())
	}
	return result, nil
}
