package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/fablehall/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryKindReference    = "uniq_entry_kind_reference"
	constraintPaymentProviderOrder  = "uniq_payments_provider_order"
	constraintEntitlementPrimaryKey = "entitlements_pkey"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectPayment             = "payment"
	errorSubjectEntitlement         = "entitlement"
	errorCodeCreate                 = "create"
	errorCodeDecrement              = "decrement"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeIncrement              = "increment"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		FirstOrCreate(&account, Account{UserID: userID}).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account.AccountID, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:     entry.EntryID,
		AccountID:   entry.AccountID,
		Kind:        entry.Kind.String(),
		AmountCoins: int64(entry.Amount),
		Reference:   entry.Reference,
		Metadata:    datatypesJSON(entry.MetadataJSON),
		CreatedAt:   time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintEntryKindReference) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) IncrementBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance_coins", gorm.Expr("balance_coins + ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrAccountNotFound)
	}
	return nil
}

// DecrementBalance performs the conditional update that makes the sufficiency
// check and the write one atomic statement: zero affected rows means the
// balance was below the requested amount.
func (store *Store) DecrementBalance(ctx context.Context, accountID string, amount ledger.CoinAmount) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance_coins >= ?", accountID, amount.Int64()).
		Update("balance_coins", gorm.Expr("balance_coins - ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.ErrInsufficientFunds)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Select("balance_coins").
		Where("account_id = ?", accountID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return account.BalanceCoins, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) FindExternalPaymentByOrder(ctx context.Context, provider string, providerOrderID string) (ledger.ExternalPayment, error) {
	var row ExternalPayment
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_order_id = ?", provider, providerOrderID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ExternalPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrPaymentNotFound)
		}
		return ledger.ExternalPayment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return mapExternalPayment(row), nil
}

func (store *Store) InsertExternalPayment(ctx context.Context, payment ledger.ExternalPayment) error {
	row := ExternalPayment{
		PaymentID:       payment.PaymentID,
		Provider:        payment.Provider,
		ProviderOrderID: payment.ProviderOrderID,
		UserID:          payment.UserID,
		AmountCents:     payment.AmountCents,
		Currency:        payment.Currency,
		CoinsGranted:    payment.CoinsGranted,
		Status:          string(payment.Status),
		Metadata:        datatypesJSON(payment.MetadataJSON),
		CreatedAt:       time.Unix(payment.CreatedUnixUTC, 0).UTC(),
	}
	if payment.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintPaymentProviderOrder) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) FindEntitlement(ctx context.Context, userID string, chapterID string) (ledger.Entitlement, error) {
	var row Entitlement
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND chapter_id = ?", userID, chapterID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, ledger.ErrEntitlementNotFound)
		}
		return ledger.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	return mapEntitlement(row), nil
}

func (store *Store) InsertEntitlement(ctx context.Context, entitlement ledger.Entitlement) error {
	row := Entitlement{
		UserID:         entitlement.UserID,
		ChapterID:      entitlement.ChapterID,
		PriceCoinsPaid: entitlement.PriceCoinsPaid,
		CreatedAt:      time.Unix(entitlement.CreatedUnixUTC, 0).UTC(),
	}
	if entitlement.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintEntitlementPrimaryKey) {
		return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, ledger.ErrEntitlementExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ListEntitlements(ctx context.Context, userID string) ([]ledger.Entitlement, error) {
	var rows []Entitlement
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	entitlements := make([]ledger.Entitlement, 0, len(rows))
	for _, row := range rows {
		entitlements = append(entitlements, mapEntitlement(row))
	}
	return entitlements, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		Kind:           kind,
		Amount:         ledger.EntryAmount(row.AmountCoins),
		Reference:      row.Reference,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapExternalPayment(row ExternalPayment) ledger.ExternalPayment {
	return ledger.ExternalPayment{
		PaymentID:       row.PaymentID,
		Provider:        row.Provider,
		ProviderOrderID: row.ProviderOrderID,
		UserID:          row.UserID,
		AmountCents:     row.AmountCents,
		Currency:        row.Currency,
		CoinsGranted:    row.CoinsGranted,
		Status:          ledger.PaymentStatus(row.Status),
		MetadataJSON:    string(row.Metadata),
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}
}

func mapEntitlement(row Entitlement) ledger.Entitlement {
	return ledger.Entitlement{
		UserID:         row.UserID,
		ChapterID:      row.ChapterID,
		PriceCoinsPaid: row.PriceCoinsPaid,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
