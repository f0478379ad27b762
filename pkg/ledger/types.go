package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CoinAmount is a strictly positive quantity of coins.
type CoinAmount int64

// EntryAmount is a signed coin movement: positive credits, negative debits.
type EntryAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ChapterID identifies a chapter in the content catalog.
type ChapterID struct {
	value string
}

// OrderID identifies an order at the external payment provider.
type OrderID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewChapterID validates and normalizes a chapter id.
func NewChapterID(raw string) (ChapterID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChapterID{}, fmt.Errorf("%w: empty value", ErrInvalidChapterID)
	}
	return ChapterID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ChapterID) String() string {
	return id.value
}

// NewOrderID validates and normalizes a provider order id.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrderID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCoinAmount validates an amount and ensures it is strictly positive.
func NewCoinAmount(raw int64) (CoinAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoinAmount)
	}
	return CoinAmount(raw), nil
}

// Int64 returns the raw coin count.
func (amount CoinAmount) Int64() int64 {
	return int64(amount)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	KindPurchaseCredit  EntryKind = "purchase_credit"
	KindChapterDebit    EntryKind = "chapter_debit"
	KindAdminAdjustment EntryKind = "admin_adjustment"
)

// ParseEntryKind validates a raw entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case KindPurchaseCredit, KindChapterDebit, KindAdminAdjustment:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the raw kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// A single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Kind           EntryKind
	Amount         EntryAmount
	Reference      string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// PaymentStatus is the terminal state of an external payment capture.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// ExternalPayment records one completed capture at the payment provider.
// The (Provider, ProviderOrderID) pair is unique: a retried capture for the
// same order must find this row instead of crediting again.
type ExternalPayment struct {
	PaymentID       string
	Provider        string
	ProviderOrderID string
	UserID          string
	AmountCents     int64
	Currency        string
	CoinsGranted    int64
	Status          PaymentStatus
	MetadataJSON    string
	CreatedUnixUTC  int64
}

// Entitlement is the permanent record that a user paid for a chapter.
// Unique on (UserID, ChapterID); presence of the row is the authoritative
// "is unlocked" signal.
type Entitlement struct {
	UserID         string
	ChapterID      string
	PriceCoinsPaid int64
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service and by the capture and
// unlock services, which compose larger transactions over a tx-scoped Store.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccountID(ctx context.Context, userID string) (string, error)
	InsertEntry(ctx context.Context, entry Entry) error
	IncrementBalance(ctx context.Context, accountID string, amount CoinAmount) error
	DecrementBalance(ctx context.Context, accountID string, amount CoinAmount) error
	GetBalance(ctx context.Context, accountID string) (int64, error)
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
	FindExternalPaymentByOrder(ctx context.Context, provider string, providerOrderID string) (ExternalPayment, error)
	InsertExternalPayment(ctx context.Context, payment ExternalPayment) error
	FindEntitlement(ctx context.Context, userID string, chapterID string) (Entitlement, error)
	InsertEntitlement(ctx context.Context, entitlement Entitlement) error
	ListEntitlements(ctx context.Context, userID string) ([]Entitlement, error)
}
