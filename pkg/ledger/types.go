package ledger

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places kept for token amounts, balances and prices.
const AmountScale int32 = 2

// AccountID identifies an account.
type AccountID struct {
	value string
}

// PaymentID identifies a payment intent record.
type PaymentID struct {
	value string
}

// PackageID identifies a token package.
type PackageID struct {
	value string
}

// InvoiceID identifies an invoice.
type InvoiceID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// ProviderReference is the gateway's identifier for a payment intent or checkout session.
type ProviderReference struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewPaymentID validates a payment id, which must be a UUID.
func NewPaymentID(raw string) (PaymentID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return PaymentID{}, fmt.Errorf("%w: %v", ErrInvalidPaymentID, err)
	}
	return PaymentID{value: parsed.String()}, nil
}

// GeneratePaymentID returns a fresh random payment id.
func GeneratePaymentID() PaymentID {
	return PaymentID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id PaymentID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id PaymentID) IsZero() bool {
	return id.value == ""
}

// NewPackageID validates and normalizes a package id.
func NewPackageID(raw string) (PackageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackageID{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	return PackageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackageID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id PackageID) IsZero() bool {
	return id.value == ""
}

// NewInvoiceID validates and normalizes an invoice id.
func NewInvoiceID(raw string) (InvoiceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return InvoiceID{}, fmt.Errorf("%w: empty value", ErrInvalidInvoiceID)
	}
	return InvoiceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id InvoiceID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewProviderReference validates and normalizes a gateway reference.
func NewProviderReference(raw string) (ProviderReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProviderReference{}, fmt.Errorf("%w: empty value", ErrInvalidProviderReference)
	}
	return ProviderReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference ProviderReference) String() string {
	return reference.value
}

// IsZero reports whether the reference is unset.
func (reference ProviderReference) IsZero() bool {
	return reference.value == ""
}

// PositiveAmount is a strictly positive fixed-point quantity with AmountScale decimals.
type PositiveAmount struct {
	value decimal.Decimal
}

// NewPositiveAmount validates an amount and rounds it to AmountScale.
func NewPositiveAmount(raw decimal.Decimal) (PositiveAmount, error) {
	rounded := raw.Round(AmountScale)
	if !rounded.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: rounded}, nil
}

// ParsePositiveAmount parses a decimal string into a PositiveAmount.
func ParsePositiveAmount(raw string) (PositiveAmount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return PositiveAmount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewPositiveAmount(parsed)
}

// Decimal returns the underlying value.
func (amount PositiveAmount) Decimal() decimal.Decimal {
	return amount.value
}

// String renders the amount with AmountScale decimals.
func (amount PositiveAmount) String() string {
	return amount.value.StringFixed(AmountScale)
}

// IsZero reports whether the amount is unset.
func (amount PositiveAmount) IsZero() bool {
	return amount.value.IsZero()
}

// MinorUnits converts a price into the gateway's smallest currency unit.
func (amount PositiveAmount) MinorUnits() int64 {
	return amount.value.Shift(AmountScale).IntPart()
}

// Currency is an upper-case ISO-4217 code supported by the gateway integration.
type Currency struct {
	code string
}

var supportedCurrencies = map[string]struct{}{
	"USD": {},
	"EUR": {},
	"GBP": {},
	"ILS": {},
}

// NewCurrency validates a currency code.
func NewCurrency(raw string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := supportedCurrencies[code]; !ok {
		return Currency{}, fmt.Errorf("%w: unsupported code %q", ErrInvalidCurrency, raw)
	}
	return Currency{code: code}, nil
}

// String returns the upper-case code.
func (currency Currency) String() string {
	return currency.code
}

// Lower returns the lower-case code used by the gateway.
func (currency Currency) Lower() string {
	return strings.ToLower(currency.code)
}

// Mode selects the gateway credential set.
type Mode string

const (
	ModeSandbox Mode = "sandbox"
	ModeLive    Mode = "live"
)

// ParseMode validates a mode value.
func ParseMode(raw string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case ModeSandbox, ModeLive:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// String returns the mode value.
func (mode Mode) String() string {
	return string(mode)
}

// Flow selects how the client completes a purchase.
type Flow string

const (
	FlowClientSecret Flow = "client_secret"
	FlowRedirect     Flow = "redirect"
)

// ParseFlow validates a flow value; empty defaults to FlowClientSecret.
func ParseFlow(raw string) (Flow, error) {
	flow := Flow(strings.ToLower(strings.TrimSpace(raw)))
	switch flow {
	case "":
		return FlowClientSecret, nil
	case FlowClientSecret, FlowRedirect:
		return flow, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFlow, raw)
	}
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryPurchase EntryKind = "purchase"
	EntryUsage    EntryKind = "usage"
	EntryRefund   EntryKind = "refund"
	EntryBonus    EntryKind = "bonus"
)

// ParseEntryKind validates an entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	switch kind {
	case EntryPurchase, EntryUsage, EntryRefund, EntryBonus:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the kind value.
func (kind EntryKind) String() string {
	return string(kind)
}

// Signed applies the kind's sign to a magnitude: credits are positive, debits negative.
func (kind EntryKind) Signed(amount PositiveAmount) decimal.Decimal {
	switch kind {
	case EntryUsage, EntryRefund:
		return amount.Decimal().Neg()
	default:
		return amount.Decimal()
	}
}

// PaymentStatus defines the payment lifecycle.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// ParsePaymentStatus validates a payment status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	status := PaymentStatus(strings.TrimSpace(raw))
	switch status {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
	}
}

// String returns the status value.
func (status PaymentStatus) String() string {
	return string(status)
}

// InvoiceStatus describes an invoice; settlement only issues paid invoices.
type InvoiceStatus string

const InvoicePaid InvoiceStatus = "paid"

// Account owns a token balance.
type Account struct {
	ID                 AccountID
	Email              string
	DisplayName        string
	BillingAddress     string
	Balance            decimal.Decimal
	IsActive           bool
	SandboxCustomerRef string
	LiveCustomerRef    string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CustomerReference returns the gateway customer id for the mode, if provisioned.
func (account Account) CustomerReference(mode Mode) string {
	if mode == ModeLive {
		return account.LiveCustomerRef
	}
	return account.SandboxCustomerRef
}

// AccountProfile is the caller-supplied data used to open an account.
type AccountProfile struct {
	ID             AccountID
	Email          string
	DisplayName    string
	BillingAddress string
}

// NewAccountProfile validates an account profile.
func NewAccountProfile(accountID AccountID, email string, displayName string, billingAddress string) (AccountProfile, error) {
	if accountID.IsZero() {
		return AccountProfile{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	address, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return AccountProfile{}, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	return AccountProfile{
		ID:             accountID,
		Email:          address.Address,
		DisplayName:    strings.TrimSpace(displayName),
		BillingAddress: strings.TrimSpace(billingAddress),
	}, nil
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID            EntryID
	AccountID     AccountID
	Kind          EntryKind
	Amount        PositiveAmount
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	ReferenceID   string
	CreatedAt     time.Time
}

// SignedAmount returns the amount with the kind's sign applied.
func (entry Entry) SignedAmount() decimal.Decimal {
	return entry.Kind.Signed(entry.Amount)
}

// Payment records one attempt to buy tokens through the gateway.
type Payment struct {
	ID                      PaymentID
	AccountID               AccountID
	PackageID               PackageID
	Amount                  PositiveAmount
	Currency                Currency
	TokenAmount             PositiveAmount
	Status                  PaymentStatus
	ProviderReference       ProviderReference
	ProviderChargeReference string
	Metadata                map[string]string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// PaymentTransition is a conditional status change of a payment.
type PaymentTransition struct {
	PaymentID       PaymentID
	From            PaymentStatus
	To              PaymentStatus
	ChargeReference string
	// Reference replaces the stored provider reference when set.
	Reference ProviderReference
	// SessionReference keeps the checkout session the payment was opened with findable after Reference replaces it.
	SessionReference ProviderReference
	// Metadata replaces the stored metadata when non-nil.
	Metadata map[string]string
	At       time.Time
}

// Invoice is issued once per completed payment.
type Invoice struct {
	ID             InvoiceID
	AccountID      AccountID
	PaymentID      PaymentID
	Number         string
	Status         InvoiceStatus
	Amount         PositiveAmount
	Currency       Currency
	TokenAmount    PositiveAmount
	BillingName    string
	BillingEmail   string
	BillingAddress string
	IssuedAt       time.Time
}

// InvoiceNumberFor derives the invoice number from the payment id.
func InvoiceNumberFor(paymentID PaymentID) string {
	return "INV-" + strings.ToUpper(strings.ReplaceAll(paymentID.String(), "-", ""))
}

// TokenPackage is a purchasable bundle of tokens.
type TokenPackage struct {
	ID          PackageID
	Name        string
	TokenAmount PositiveAmount
	Price       PositiveAmount
	Currency    Currency
	IsActive    bool
	IsCustom    bool
	CreatedAt   time.Time
}

// PackageSpec describes a package to create.
type PackageSpec struct {
	Name        string
	TokenAmount PositiveAmount
	Price       PositiveAmount
	Currency    Currency
}

// WebhookEventRecord is the persisted receipt of a verified gateway event.
type WebhookEventRecord struct {
	Provider   string
	EventID    string
	EventType  string
	Mode       Mode
	Payload    []byte
	ReceivedAt time.Time
}

// LedgerCheck compares the stored balance with the sum of the account's entries.
type LedgerCheck struct {
	AccountID    AccountID
	Balance      decimal.Decimal
	EntriesTotal decimal.Decimal
}

// Consistent reports whether the balance equals the sum of entries.
func (check LedgerCheck) Consistent() bool {
	return check.Balance.Equal(check.EntriesTotal)
}
