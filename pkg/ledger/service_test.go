package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestCreditAppendsEntryAndIncrementsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	entry, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 500), KindPurchaseCredit, "payment-1", mustMetadata(test, `{"provider":"paypal"}`))
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if entry.Amount != 500 {
		test.Fatalf("expected +500 entry, got %d", entry.Amount)
	}
	if entry.EntryID == "" {
		test.Fatalf("expected returned entry to carry its id")
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 500 {
		test.Fatalf("expected balance 500, got %d", balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
}

func TestDebitAppendsNegativeEntryAndDecrementsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-2")

	if _, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 500), KindPurchaseCredit, "payment-2", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	entry, err := service.Debit(context.Background(), userID, mustCoinAmount(test, 200), KindChapterDebit, "entitlement:user-2:chapter-9", mustMetadata(test, ""))
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if entry.Amount != -200 {
		test.Fatalf("expected -200 entry, got %d", entry.Amount)
	}
	if entry.EntryID == "" {
		test.Fatalf("expected returned entry to carry its id")
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 300 {
		test.Fatalf("expected balance 300, got %d", balance)
	}
}

func TestDebitInsufficientFundsLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-3")

	if _, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 100), KindPurchaseCredit, "payment-3", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	_, err := service.Debit(context.Background(), userID, mustCoinAmount(test, 200), KindChapterDebit, "entitlement:user-3:chapter-1", mustMetadata(test, ""))
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		test.Fatalf("expected balance unchanged at 100, got %d", balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected only the credit entry, got %d entries", len(store.entries))
	}
}

func TestDebitBoundaryExactBalanceSucceeds(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-4")

	if _, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 200), KindPurchaseCredit, "payment-4", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.Debit(context.Background(), userID, mustCoinAmount(test, 200), KindChapterDebit, "entitlement:user-4:chapter-1", mustMetadata(test, "")); err != nil {
		test.Fatalf("debit at exact balance: %v", err)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestCreditDuplicateReferenceConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-5")

	if _, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 100), KindPurchaseCredit, "payment-5", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	_, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 100), KindPurchaseCredit, "payment-5", mustMetadata(test, ""))
	if !errors.Is(err, ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		test.Fatalf("expected balance 100 after rejected duplicate, got %d", balance)
	}
}

func TestCreditRollsBackEntryWhenBalanceUpdateFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-6")

	// Prime the account, then make the next entry insert fail inside the tx.
	if _, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 50), KindPurchaseCredit, "payment-6", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	storageFailure := errors.New("storage failure")
	store.failInsert = storageFailure
	_, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 50), KindPurchaseCredit, "payment-7", mustMetadata(test, ""))
	if !errors.Is(err, storageFailure) {
		test.Fatalf("expected storage failure, got %v", err)
	}
	store.failInsert = nil
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 50 {
		test.Fatalf("expected balance 50 after rollback, got %d", balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry after rollback, got %d", len(store.entries))
	}
}

func TestBalanceEqualsSumOfEntries(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-7")

	if _, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 500), KindPurchaseCredit, "payment-8", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.Debit(context.Background(), userID, mustCoinAmount(test, 200), KindChapterDebit, "entitlement:user-7:chapter-1", mustMetadata(test, "")); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if _, err := service.Debit(context.Background(), userID, mustCoinAmount(test, 100), KindChapterDebit, "entitlement:user-7:chapter-2", mustMetadata(test, "")); err != nil {
		test.Fatalf("debit: %v", err)
	}

	var sum int64
	for _, entry := range store.entries {
		sum += int64(entry.Amount)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != sum {
		test.Fatalf("balance %d diverged from entry sum %d", balance, sum)
	}
	if balance != 200 {
		test.Fatalf("expected balance 200, got %d", balance)
	}
}

func TestEntriesListsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-8")

	if _, err := service.Credit(context.Background(), userID, mustCoinAmount(test, 300), KindPurchaseCredit, "payment-9", mustMetadata(test, "")); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.Debit(context.Background(), userID, mustCoinAmount(test, 100), KindChapterDebit, "entitlement:user-8:chapter-1", mustMetadata(test, "")); err != nil {
		test.Fatalf("debit: %v", err)
	}
	entries, err := service.Entries(context.Background(), userID, 0, 10)
	if err != nil {
		test.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindChapterDebit {
		test.Fatalf("expected newest entry first, got %s", entries[0].Kind)
	}
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
