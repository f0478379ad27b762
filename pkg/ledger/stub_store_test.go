package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with transactional rollback semantics:
// WithTx snapshots state and restores it when fn fails, mirroring what the
// relational stores guarantee.
type stubStore struct {
	mu           sync.Mutex
	accounts     map[string]string
	balances     map[string]int64
	entries      []Entry
	payments     map[string]ExternalPayment
	entitlements map[string]Entitlement
	nextEntryID  int
	failInsert   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     map[string]string{},
		balances:     map[string]int64{},
		payments:     map[string]ExternalPayment{},
		entitlements: map[string]Entitlement{},
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		accounts:     map[string]string{},
		balances:     map[string]int64{},
		payments:     map[string]ExternalPayment{},
		entitlements: map[string]Entitlement{},
		entries:      append([]Entry(nil), store.entries...),
		nextEntryID:  store.nextEntryID,
		failInsert:   store.failInsert,
	}
	for key, value := range store.accounts {
		clone.accounts[key] = value
	}
	for key, value := range store.balances {
		clone.balances[key] = value
	}
	for key, value := range store.payments {
		clone.payments[key] = value
	}
	for key, value := range store.entitlements {
		clone.entitlements[key] = value
	}
	return clone
}

func (store *stubStore) restore(snapshot *stubStore) {
	store.accounts = snapshot.accounts
	store.balances = snapshot.balances
	store.entries = snapshot.entries
	store.payments = snapshot.payments
	store.entitlements = snapshot.entitlements
	store.nextEntryID = snapshot.nextEntryID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, (*lockedStubStore)(store)); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).GetOrCreateAccountID(ctx, userID)
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).InsertEntry(ctx, entry)
}

func (store *stubStore) IncrementBalance(ctx context.Context, accountID string, amount CoinAmount) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).IncrementBalance(ctx, accountID, amount)
}

func (store *stubStore) DecrementBalance(ctx context.Context, accountID string, amount CoinAmount) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).DecrementBalance(ctx, accountID, amount)
}

func (store *stubStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).GetBalance(ctx, accountID)
}

func (store *stubStore) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (store *stubStore) FindExternalPaymentByOrder(ctx context.Context, provider string, providerOrderID string) (ExternalPayment, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).FindExternalPaymentByOrder(ctx, provider, providerOrderID)
}

func (store *stubStore) InsertExternalPayment(ctx context.Context, payment ExternalPayment) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).InsertExternalPayment(ctx, payment)
}

func (store *stubStore) FindEntitlement(ctx context.Context, userID string, chapterID string) (Entitlement, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).FindEntitlement(ctx, userID, chapterID)
}

func (store *stubStore) InsertEntitlement(ctx context.Context, entitlement Entitlement) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).InsertEntitlement(ctx, entitlement)
}

func (store *stubStore) ListEntitlements(ctx context.Context, userID string) ([]Entitlement, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListEntitlements(ctx, userID)
}

// lockedStubStore is the tx-scoped view handed to WithTx callbacks. The
// enclosing WithTx already holds the mutex, so methods mutate directly.
type lockedStubStore stubStore

func (store *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *lockedStubStore) GetOrCreateAccountID(_ context.Context, userID string) (string, error) {
	if accountID, ok := store.accounts[userID]; ok {
		return accountID, nil
	}
	accountID := "acct-" + userID
	store.accounts[userID] = accountID
	store.balances[accountID] = 0
	return accountID, nil
}

func (store *lockedStubStore) InsertEntry(_ context.Context, entry Entry) error {
	if store.failInsert != nil {
		return store.failInsert
	}
	for _, existing := range store.entries {
		if existing.Kind == entry.Kind && existing.Reference == entry.Reference {
			return ErrDuplicateReference
		}
	}
	if entry.EntryID == "" {
		store.nextEntryID++
		entry.EntryID = fmt.Sprintf("entry-%d", store.nextEntryID)
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *lockedStubStore) IncrementBalance(_ context.Context, accountID string, amount CoinAmount) error {
	if _, ok := store.balances[accountID]; !ok {
		return ErrAccountNotFound
	}
	store.balances[accountID] += amount.Int64()
	return nil
}

func (store *lockedStubStore) DecrementBalance(_ context.Context, accountID string, amount CoinAmount) error {
	balance, ok := store.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if balance < amount.Int64() {
		return ErrInsufficientFunds
	}
	store.balances[accountID] = balance - amount.Int64()
	return nil
}

func (store *lockedStubStore) GetBalance(_ context.Context, accountID string) (int64, error) {
	balance, ok := store.balances[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

func (store *lockedStubStore) ListEntries(_ context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	listed := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(listed) < limit; index-- {
		entry := store.entries[index]
		if entry.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, entry)
	}
	return listed, nil
}

func (store *lockedStubStore) FindExternalPaymentByOrder(_ context.Context, provider string, providerOrderID string) (ExternalPayment, error) {
	payment, ok := store.payments[provider+"/"+providerOrderID]
	if !ok {
		return ExternalPayment{}, ErrPaymentNotFound
	}
	return payment, nil
}

func (store *lockedStubStore) InsertExternalPayment(_ context.Context, payment ExternalPayment) error {
	key := payment.Provider + "/" + payment.ProviderOrderID
	if _, ok := store.payments[key]; ok {
		return ErrPaymentExists
	}
	store.payments[key] = payment
	return nil
}

func (store *lockedStubStore) FindEntitlement(_ context.Context, userID string, chapterID string) (Entitlement, error) {
	entitlement, ok := store.entitlements[userID+"/"+chapterID]
	if !ok {
		return Entitlement{}, ErrEntitlementNotFound
	}
	return entitlement, nil
}

func (store *lockedStubStore) InsertEntitlement(_ context.Context, entitlement Entitlement) error {
	key := entitlement.UserID + "/" + entitlement.ChapterID
	if _, ok := store.entitlements[key]; ok {
		return ErrEntitlementExists
	}
	store.entitlements[key] = entitlement
	return nil
}

func (store *lockedStubStore) ListEntitlements(_ context.Context, userID string) ([]Entitlement, error) {
	listed := []Entitlement{}
	for _, entitlement := range store.entitlements {
		if entitlement.UserID == userID {
			listed = append(listed, entitlement)
		}
	}
	return listed, nil
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustCoinAmount(test *testing.T, raw int64) CoinAmount {
	test.Helper()
	amount, err := NewCoinAmount(raw)
	if err != nil {
		test.Fatalf("coin amount %d: %v", raw, err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}
