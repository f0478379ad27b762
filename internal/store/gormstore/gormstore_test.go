package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/fablehall/coinledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustAccount(test *testing.T, store *Store, userID string) string {
	test.Helper()
	accountID, err := store.GetOrCreateAccountID(context.Background(), userID)
	if err != nil {
		test.Fatalf("account for %q: %v", userID, err)
	}
	return accountID
}

func TestGetOrCreateAccountIDIsStable(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	first := mustAccount(test, store, "reader-1")
	second := mustAccount(test, store, "reader-1")
	if first != second {
		test.Fatalf("expected stable account id, got %q and %q", first, second)
	}
	other := mustAccount(test, store, "reader-2")
	if other == first {
		test.Fatalf("expected distinct accounts per user")
	}
}

func TestCreditPathIncrementsBalanceWithEntry(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "reader-3")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if err := txStore.InsertEntry(ctx, ledger.Entry{
			AccountID:      accountID,
			Kind:           ledger.KindPurchaseCredit,
			Amount:         500,
			Reference:      "payment-1",
			CreatedUnixUTC: 1700000000,
		}); err != nil {
			return err
		}
		return txStore.IncrementBalance(ctx, accountID, 500)
	})
	if err != nil {
		test.Fatalf("credit tx: %v", err)
	}

	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 500 {
		test.Fatalf("expected balance 500, got %d", balance)
	}
	entries, err := store.ListEntries(context.Background(), accountID, 0, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Amount != 500 {
		test.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestDecrementBalanceConditionalCheck(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "reader-4")
	if err := store.IncrementBalance(context.Background(), accountID, 200); err != nil {
		test.Fatalf("increment: %v", err)
	}

	if err := store.DecrementBalance(context.Background(), accountID, 201); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 200 {
		test.Fatalf("expected balance unchanged at 200, got %d", balance)
	}

	// Exact balance is spendable.
	if err := store.DecrementBalance(context.Background(), accountID, 200); err != nil {
		test.Fatalf("decrement at exact balance: %v", err)
	}
	balance, err = store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestInsertEntryDuplicateKindReference(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "reader-5")

	entry := ledger.Entry{
		AccountID:      accountID,
		Kind:           ledger.KindPurchaseCredit,
		Amount:         100,
		Reference:      "payment-2",
		CreatedUnixUTC: 1700000000,
	}
	if err := store.InsertEntry(context.Background(), entry); err != nil {
		test.Fatalf("insert: %v", err)
	}
	if err := store.InsertEntry(context.Background(), entry); !errors.Is(err, ledger.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	// Same reference under a different kind is a distinct cause.
	debit := entry
	debit.Kind = ledger.KindAdminAdjustment
	if err := store.InsertEntry(context.Background(), debit); err != nil {
		test.Fatalf("insert distinct kind: %v", err)
	}
}

func TestInsertExternalPaymentUniquePerOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	payment := ledger.ExternalPayment{
		PaymentID:       "b2a4e0de-0000-4000-8000-000000000001",
		Provider:        "paypal",
		ProviderOrderID: "order-1",
		UserID:          "reader-6",
		AmountCents:     499,
		Currency:        "USD",
		CoinsGranted:    500,
		Status:          ledger.PaymentCompleted,
		CreatedUnixUTC:  1700000000,
	}
	if err := store.InsertExternalPayment(context.Background(), payment); err != nil {
		test.Fatalf("insert payment: %v", err)
	}
	duplicate := payment
	duplicate.PaymentID = "b2a4e0de-0000-4000-8000-000000000002"
	if err := store.InsertExternalPayment(context.Background(), duplicate); !errors.Is(err, ledger.ErrPaymentExists) {
		test.Fatalf("expected ErrPaymentExists, got %v", err)
	}

	found, err := store.FindExternalPaymentByOrder(context.Background(), "paypal", "order-1")
	if err != nil {
		test.Fatalf("find payment: %v", err)
	}
	if found.CoinsGranted != 500 || found.PaymentID != payment.PaymentID {
		test.Fatalf("unexpected payment: %+v", found)
	}
	if _, err := store.FindExternalPaymentByOrder(context.Background(), "paypal", "order-unknown"); !errors.Is(err, ledger.ErrPaymentNotFound) {
		test.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestInsertEntitlementUniquePerUserChapter(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	entitlement := ledger.Entitlement{
		UserID:         "reader-7",
		ChapterID:      "chapter-1",
		PriceCoinsPaid: 200,
		CreatedUnixUTC: 1700000000,
	}
	if err := store.InsertEntitlement(context.Background(), entitlement); err != nil {
		test.Fatalf("insert entitlement: %v", err)
	}
	if err := store.InsertEntitlement(context.Background(), entitlement); !errors.Is(err, ledger.ErrEntitlementExists) {
		test.Fatalf("expected ErrEntitlementExists, got %v", err)
	}

	found, err := store.FindEntitlement(context.Background(), "reader-7", "chapter-1")
	if err != nil {
		test.Fatalf("find entitlement: %v", err)
	}
	if found.PriceCoinsPaid != 200 {
		test.Fatalf("unexpected entitlement: %+v", found)
	}
	if _, err := store.FindEntitlement(context.Background(), "reader-7", "chapter-2"); !errors.Is(err, ledger.ErrEntitlementNotFound) {
		test.Fatalf("expected ErrEntitlementNotFound, got %v", err)
	}

	listed, err := store.ListEntitlements(context.Background(), "reader-7")
	if err != nil {
		test.Fatalf("list entitlements: %v", err)
	}
	if len(listed) != 1 || listed[0].ChapterID != "chapter-1" {
		test.Fatalf("unexpected entitlements: %+v", listed)
	}
}

func TestWithTxRollsBackOnFailure(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := mustAccount(test, store, "reader-8")
	if err := store.IncrementBalance(context.Background(), accountID, 300); err != nil {
		test.Fatalf("increment: %v", err)
	}

	forcedFailure := errors.New("forced failure")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if err := txStore.DecrementBalance(ctx, accountID, 100); err != nil {
			return err
		}
		if err := txStore.InsertEntry(ctx, ledger.Entry{
			AccountID:      accountID,
			Kind:           ledger.KindChapterDebit,
			Amount:         -100,
			Reference:      "entitlement:reader-8:chapter-1",
			CreatedUnixUTC: 1700000000,
		}); err != nil {
			return err
		}
		return forcedFailure
	})
	if !errors.Is(err, forcedFailure) {
		test.Fatalf("expected forced failure, got %v", err)
	}

	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 300 {
		test.Fatalf("expected rollback to restore 300, got %d", balance)
	}
	entries, err := store.ListEntries(context.Background(), accountID, 0, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		test.Fatalf("expected no entries after rollback, got %d", len(entries))
	}
}
