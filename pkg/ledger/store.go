package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract used by the services.
// Implementations must make LockAccount hold a row lock until the surrounding WithTx finishes.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// CreateAccount inserts the account unless it exists and returns the stored row.
	CreateAccount(ctx context.Context, profile AccountProfile, at time.Time) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID AccountID, balance decimal.Decimal, at time.Time) error
	// SetCustomerReference stores the reference only if none is set for the mode and reports whether it did.
	SetCustomerReference(ctx context.Context, accountID AccountID, mode Mode, reference string, at time.Time) (bool, error)

	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error)
	SumEntries(ctx context.Context, accountID AccountID) (decimal.Decimal, error)

	CreatePayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, paymentID PaymentID) (Payment, error)
	GetPaymentByReference(ctx context.Context, reference ProviderReference) (Payment, error)
	// TransitionPayment applies the change only while the payment is in transition.From; otherwise ErrAlreadySettled.
	TransitionPayment(ctx context.Context, transition PaymentTransition) error
	ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]Payment, error)

	InsertInvoice(ctx context.Context, invoice Invoice) error
	GetInvoice(ctx context.Context, invoiceID InvoiceID) (Invoice, error)
	GetInvoiceByPayment(ctx context.Context, paymentID PaymentID) (Invoice, error)

	CreatePackage(ctx context.Context, tokenPackage TokenPackage) error
	GetPackage(ctx context.Context, packageID PackageID) (TokenPackage, error)
	FindCustomPackage(ctx context.Context, tokenAmount PositiveAmount, price PositiveAmount, currency Currency) (TokenPackage, error)
	ListActivePackages(ctx context.Context) ([]TokenPackage, error)

	// RecordWebhookEvent stores the event receipt and reports whether it was already processed.
	RecordWebhookEvent(ctx context.Context, record WebhookEventRecord) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, provider string, eventID string, outcome string, at time.Time) error
}
