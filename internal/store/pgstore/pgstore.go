package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/fablehall/coinledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEntryKindReference    = "uniq_entry_kind_reference"
	constraintPaymentProviderOrder  = "uniq_payments_provider_order"
	constraintEntitlementPrimaryKey = "entitlements_pkey"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectPayment             = "payment"
	errorSubjectEntitlement         = "entitlement"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeCreate                 = "create"
	errorCodeDecrement              = "decrement"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeIncrement              = "increment"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, user_id, balance_coins, created_at)
		values(gen_random_uuid(), $1, 0, now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, kind, amount_coins, reference, metadata, created_at
		)
		values(
			coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7)
		)
	`

	sqlIncrementBalance = `
		update accounts set balance_coins = balance_coins + $2
		where account_id = $1
	`

	sqlDecrementBalance = `
		update accounts set balance_coins = balance_coins - $2
		where account_id = $1 and balance_coins >= $2
	`

	sqlSelectBalance = `
		select balance_coins from accounts where account_id = $1
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id::text,
			kind,
			amount_coins,
			reference,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlSelectPaymentByOrder = `
		select payment_id::text, provider, provider_order_id, user_id,
			amount_cents, currency, coins_granted, status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from external_payments
		where provider = $1 and provider_order_id = $2
	`

	sqlInsertPayment = `
		insert into external_payments(
			payment_id, provider, provider_order_id, user_id,
			amount_cents, currency, coins_granted, status, metadata, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10))
	`

	sqlSelectEntitlement = `
		select user_id, chapter_id, price_coins_paid, extract(epoch from created_at)::bigint
		from entitlements
		where user_id = $1 and chapter_id = $2
	`

	sqlInsertEntitlement = `
		insert into entitlements(user_id, chapter_id, price_coins_paid, created_at)
		values($1, $2, $3, to_timestamp($4))
	`

	sqlListEntitlements = `
		select user_id, chapter_id, price_coins_paid, extract(epoch from created_at)::bigint
		from entitlements
		where user_id = $1
		order by created_at desc
	`
)

// querier is the subset of pgx shared by pool and transaction handles.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	return getOrCreateAccountID(ctx, store.pool, userID)
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	return insertEntry(ctx, store.pool, entry)
}

func (store *Store) IncrementBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) error {
	return incrementBalance(ctx, store.pool, accountID, amount)
}

func (store *Store) DecrementBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) error {
	return decrementBalance(ctx, store.pool, accountID, amount)
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return getBalance(ctx, store.pool, accountID)
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return listEntries(ctx, store.pool, accountID, beforeUnixUTC, limit)
}

func (store *Store) FindExternalPaymentByOrder(ctx context.Context, provider string, providerOrderID string) (ledger.ExternalPayment, error) {
	return findExternalPaymentByOrder(ctx, store.pool, provider, providerOrderID)
}

func (store *Store) InsertExternalPayment(ctx context.Context, payment ledger.ExternalPayment) error {
	return insertExternalPayment(ctx, store.pool, payment)
}

func (store *Store) FindEntitlement(ctx context.Context, userID string, chapterID string) (ledger.Entitlement, error) {
	return findEntitlement(ctx, store.pool, userID, chapterID)
}

func (store *Store) InsertEntitlement(ctx context.Context, entitlement ledger.Entitlement) error {
	return insertEntitlement(ctx, store.pool, entitlement)
}

func (store *Store) ListEntitlements(ctx context.Context, userID string) ([]ledger.Entitlement, error) {
	return listEntitlements(ctx, store.pool, userID)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	return getOrCreateAccountID(ctx, store.tx, userID)
}

func (store *TxStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	return insertEntry(ctx, store.tx, entry)
}

func (store *TxStore) IncrementBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) error {
	return incrementBalance(ctx, store.tx, accountID, amount)
}

func (store *TxStore) DecrementBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) error {
	return decrementBalance(ctx, store.tx, accountID, amount)
}

func (store *TxStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return getBalance(ctx, store.tx, accountID)
}

func (store *TxStore) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return listEntries(ctx, store.tx, accountID, beforeUnixUTC, limit)
}

func (store *TxStore) FindExternalPaymentByOrder(ctx context.Context, provider string, providerOrderID string) (ledger.ExternalPayment, error) {
	return findExternalPaymentByOrder(ctx, store.tx, provider, providerOrderID)
}

func (store *TxStore) InsertExternalPayment(ctx context.Context, payment ledger.ExternalPayment) error {
	return insertExternalPayment(ctx, store.tx, payment)
}

func (store *TxStore) FindEntitlement(ctx context.Context, userID string, chapterID string) (ledger.Entitlement, error) {
	return findEntitlement(ctx, store.tx, userID, chapterID)
}

func (store *TxStore) InsertEntitlement(ctx context.Context, entitlement ledger.Entitlement) error {
	return insertEntitlement(ctx, store.tx, entitlement)
}

func (store *TxStore) ListEntitlements(ctx context.Context, userID string) ([]ledger.Entitlement, error) {
	return listEntitlements(ctx, store.tx, userID)
}

func getOrCreateAccountID(ctx context.Context, q querier, userID string) (string, error) {
	var accountID string
	if err := q.QueryRow(ctx, sqlInsertOrGetAccount, userID).Scan(&accountID); err != nil {
		return "", wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return accountID, nil
}

func insertEntry(ctx context.Context, q querier, entry ledger.Entry) error {
	_, err := q.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.AccountID,
		entry.Kind.String(),
		int64(entry.Amount),
		entry.Reference,
		entry.MetadataJSON,
		unixOrNow(entry.CreatedUnixUTC),
	)
	if isUniqueViolation(err, constraintEntryKindReference) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func incrementBalance(ctx context.Context, q querier, accountID string, amount ledger.CoinAmount) error {
	tag, err := q.Exec(ctx, sqlIncrementBalance, accountID, amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrAccountNotFound)
	}
	return nil
}

func decrementBalance(ctx context.Context, q querier, accountID string, amount ledger.CoinAmount) error {
	tag, err := q.Exec(ctx, sqlDecrementBalance, accountID, amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.ErrInsufficientFunds)
	}
	return nil
}

func getBalance(ctx context.Context, q querier, accountID string) (int64, error) {
	var balance int64
	if err := q.QueryRow(ctx, sqlSelectBalance, accountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func listEntries(ctx context.Context, q querier, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := q.Query(ctx, sqlListEntriesBefore, accountID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	entries := make([]ledger.Entry, 0, limit)
	for rows.Next() {
		var (
			entry   ledger.Entry
			rawKind string
		)
		if err := rows.Scan(&entry.EntryID, &entry.AccountID, &rawKind, &entry.Amount, &entry.Reference, &entry.MetadataJSON, &entry.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		kind, err := ledger.ParseEntryKind(rawKind)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entry.Kind = kind
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func findExternalPaymentByOrder(ctx context.Context, q querier, provider string, providerOrderID string) (ledger.ExternalPayment, error) {
	var (
		payment   ledger.ExternalPayment
		rawStatus string
	)
	err := q.QueryRow(ctx, sqlSelectPaymentByOrder, provider, providerOrderID).Scan(
		&payment.PaymentID,
		&payment.Provider,
		&payment.ProviderOrderID,
		&payment.UserID,
		&payment.AmountCents,
		&payment.Currency,
		&payment.CoinsGranted,
		&rawStatus,
		&payment.MetadataJSON,
		&payment.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ExternalPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrPaymentNotFound)
		}
		return ledger.ExternalPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	payment.Status = ledger.PaymentStatus(rawStatus)
	return payment, nil
}

func insertExternalPayment(ctx context.Context, q querier, payment ledger.ExternalPayment) error {
	_, err := q.Exec(ctx, sqlInsertPayment,
		payment.PaymentID,
		payment.Provider,
		payment.ProviderOrderID,
		payment.UserID,
		payment.AmountCents,
		payment.Currency,
		payment.CoinsGranted,
		string(payment.Status),
		payment.MetadataJSON,
		unixOrNow(payment.CreatedUnixUTC),
	)
	if isUniqueViolation(err, constraintPaymentProviderOrder) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func findEntitlement(ctx context.Context, q querier, userID string, chapterID string) (ledger.Entitlement, error) {
	var entitlement ledger.Entitlement
	err := q.QueryRow(ctx, sqlSelectEntitlement, userID, chapterID).Scan(
		&entitlement.UserID,
		&entitlement.ChapterID,
		&entitlement.PriceCoinsPaid,
		&entitlement.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, ledger.ErrEntitlementNotFound)
		}
		return ledger.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	return entitlement, nil
}

func insertEntitlement(ctx context.Context, q querier, entitlement ledger.Entitlement) error {
	_, err := q.Exec(ctx, sqlInsertEntitlement,
		entitlement.UserID,
		entitlement.ChapterID,
		entitlement.PriceCoinsPaid,
		unixOrNow(entitlement.CreatedUnixUTC),
	)
	if isUniqueViolation(err, constraintEntitlementPrimaryKey) {
		return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, ledger.ErrEntitlementExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeCreate, err)
	}
	return nil
}

func listEntitlements(ctx context.Context, q querier, userID string) ([]ledger.Entitlement, error) {
	rows, err := q.Query(ctx, sqlListEntitlements, userID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	defer rows.Close()

	entitlements := []ledger.Entitlement{}
	for rows.Next() {
		var entitlement ledger.Entitlement
		if err := rows.Scan(&entitlement.UserID, &entitlement.ChapterID, &entitlement.PriceCoinsPaid, &entitlement.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
		}
		entitlements = append(entitlements, entitlement)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	return entitlements, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// unixOrNow guards against an unset clock writing epoch-zero timestamps.
func unixOrNow(unixUTC int64) int64 {
	if unixUTC == 0 {
		return time.Now().UTC().Unix()
	}
	return unixUTC
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
