package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. It is the only writer of
// account balances: every mutation pairs one entry insert with one balance
// update inside a single transaction, so the balance and the entry log can
// never diverge.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Credit appends a positive entry and increments the balance in one transaction.
func (service *Service) Credit(ctx context.Context, userID UserID, amount CoinAmount, kind EntryKind, reference string, metadata MetadataJSON) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		created, err := service.CreditTx(ctx, transactionStore, userID, amount, kind, reference, metadata)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Amount:    EntryAmount(amount),
		Kind:      kind,
		Reference: reference,
		Error:     operationError,
	})
	return entry, operationError
}

// CreditTx performs the credit against a caller-supplied transaction-scoped
// store, letting callers bundle the credit with other writes atomically.
func (service *Service) CreditTx(ctx context.Context, transactionStore Store, userID UserID, amount CoinAmount, kind EntryKind, reference string, metadata MetadataJSON) (Entry, error) {
	if strings.TrimSpace(reference) == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		EntryID:        uuid.NewString(),
		AccountID:      accountID,
		Kind:           kind,
		Amount:         EntryAmount(amount),
		Reference:      reference,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	if err := transactionStore.IncrementBalance(ctx, accountID, amount); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Debit appends a negative entry and decrements the balance in one transaction.
// The balance check and the decrement are a single conditional update, so two
// concurrent debits can never both pass on the same funds.
func (service *Service) Debit(ctx context.Context, userID UserID, amount CoinAmount, kind EntryKind, reference string, metadata MetadataJSON) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		created, err := service.DebitTx(ctx, transactionStore, userID, amount, kind, reference, metadata)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Amount:    -EntryAmount(amount),
		Kind:      kind,
		Reference: reference,
		Error:     operationError,
	})
	return entry, operationError
}

// DebitTx performs the debit against a caller-supplied transaction-scoped
// store. If any later write in the same transaction fails, the rollback
// also reverts the debit.
func (service *Service) DebitTx(ctx context.Context, transactionStore Store, userID UserID, amount CoinAmount, kind EntryKind, reference string, metadata MetadataJSON) (Entry, error) {
	if strings.TrimSpace(reference) == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
	if err != nil {
		return Entry{}, err
	}
	if err := transactionStore.DecrementBalance(ctx, accountID, amount); err != nil {
		return Entry{}, err
	}
	entry := Entry{
		EntryID:        uuid.NewString(),
		AccountID:      accountID,
		Kind:           kind,
		Amount:         -EntryAmount(amount),
		Reference:      reference,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Balance returns the current coin balance for a user.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	return service.store.GetBalance(ctx, accountID)
}

// Entries lists ledger entries for a user before a cutoff time.
func (service *Service) Entries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
