package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID          string          `gorm:"primaryKey"`
	Email              string          `gorm:"not null"`
	DisplayName        string          `gorm:"not null;default:''"`
	BillingAddress     string          `gorm:"not null;default:''"`
	Balance            decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	IsActive           bool            `gorm:"not null"`
	SandboxCustomerRef *string
	LiveCustomerRef    *string
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID       string          `gorm:"primaryKey"`
	AccountID     string          `gorm:"not null;index:idx_ledger_account_created,priority:1;index:uniq_entry_reference,unique,priority:1"`
	Kind          string          `gorm:"not null;index:uniq_entry_reference,unique,priority:2"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Description   string          `gorm:"not null;default:''"`
	ReferenceID   string          `gorm:"not null;index:uniq_entry_reference,unique,priority:3"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Payment mirrors the payments table.
type Payment struct {
	PaymentID               string          `gorm:"primaryKey"`
	AccountID               string          `gorm:"not null;index"`
	PackageID               *string         `gorm:"index"`
	Amount                  decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Currency                string          `gorm:"size:3;not null"`
	TokenAmount             decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Status                  string          `gorm:"not null;index:idx_payments_status_created,priority:1"`
	ProviderReference       string          `gorm:"not null;uniqueIndex:uniq_payments_provider_reference"`
	ProviderChargeReference *string
	// CheckoutSessionReference is the session id a redirect payment was opened with, once replaced by its intent id.
	CheckoutSessionReference *string        `gorm:"uniqueIndex:uniq_payments_checkout_session"`
	Metadata                 datatypes.JSON `gorm:"not null"`
	CreatedAt                time.Time      `gorm:"not null;index:idx_payments_status_created,priority:2"`
	UpdatedAt                time.Time      `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// Invoice mirrors the invoices table.
type Invoice struct {
	InvoiceID      string          `gorm:"primaryKey"`
	AccountID      string          `gorm:"not null;index"`
	PaymentID      string          `gorm:"not null;uniqueIndex:uniq_invoices_payment"`
	InvoiceNumber  string          `gorm:"not null;uniqueIndex:uniq_invoices_number"`
	Status         string          `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Currency       string          `gorm:"size:3;not null"`
	TokenAmount    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BillingName    string          `gorm:"not null;default:''"`
	BillingEmail   string          `gorm:"not null;default:''"`
	BillingAddress string          `gorm:"not null;default:''"`
	IssuedAt       time.Time       `gorm:"not null"`
	CreatedAt      time.Time       `gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

// TokenPackage mirrors the token_packages table.
type TokenPackage struct {
	PackageID   string          `gorm:"primaryKey"`
	Name        string          `gorm:"not null"`
	TokenAmount decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Price       decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Currency    string          `gorm:"size:3;not null"`
	IsActive    bool            `gorm:"not null;index"`
	IsCustom    bool            `gorm:"not null"`
	CreatedAt   time.Time       `gorm:"not null"`
}

func (TokenPackage) TableName() string { return "token_packages" }

// WebhookEvent mirrors the webhook_events table.
type WebhookEvent struct {
	WebhookEventID  string         `gorm:"primaryKey"`
	Provider        string         `gorm:"not null;uniqueIndex:uniq_webhook_events_provider_event,priority:1"`
	ProviderEventID string         `gorm:"not null;uniqueIndex:uniq_webhook_events_provider_event,priority:2"`
	EventType       string         `gorm:"not null;default:''"`
	Mode            string         `gorm:"not null"`
	Payload         datatypes.JSON `gorm:"not null"`
	Outcome         string         `gorm:"not null;default:''"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (event *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if event.WebhookEventID == "" {
		event.WebhookEventID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Account{},
		&LedgerEntry{},
		&Payment{},
		&Invoice{},
		&TokenPackage{},
		&WebhookEvent{},
	}
}
