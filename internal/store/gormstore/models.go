package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. BalanceCoins is mutated only through
// the Store's increment/decrement operations, always inside a transaction that
// also writes the matching ledger entry.
type Account struct {
	AccountID    string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index:uniq_accounts_user,unique"`
	BalanceCoins int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID     string         `gorm:"type:uuid;primaryKey"`
	AccountID   string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1"`
	Kind        string         `gorm:"not null;index:uniq_entry_kind_reference,unique,priority:1"`
	AmountCoins int64          `gorm:"not null"`
	Reference   string         `gorm:"not null;index:uniq_entry_kind_reference,unique,priority:2"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ExternalPayment mirrors the external_payments table.
type ExternalPayment struct {
	PaymentID       string         `gorm:"type:uuid;primaryKey"`
	Provider        string         `gorm:"not null;index:uniq_payments_provider_order,unique,priority:1"`
	ProviderOrderID string         `gorm:"not null;index:uniq_payments_provider_order,unique,priority:2"`
	UserID          string         `gorm:"not null;index"`
	AmountCents     int64          `gorm:"not null"`
	Currency        string         `gorm:"not null"`
	CoinsGranted    int64          `gorm:"not null"`
	Status          string         `gorm:"not null"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
}

func (ExternalPayment) TableName() string { return "external_payments" }

func (payment *ExternalPayment) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

// Entitlement mirrors the entitlements table. The composite primary key is the
// final idempotency guard for concurrent purchases of the same chapter.
type Entitlement struct {
	UserID         string    `gorm:"primaryKey"`
	ChapterID      string    `gorm:"primaryKey"`
	PriceCoinsPaid int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Migrate creates or updates the ledger schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &ExternalPayment{}, &Entitlement{})
}
