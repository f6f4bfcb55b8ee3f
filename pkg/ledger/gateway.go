package ledger

import (
	"context"
	"time"
)

// Gateway is the payment provider contract. Every call selects credentials by mode
// and reports failures as *GatewayError without retrying.
type Gateway interface {
	CreateCustomer(ctx context.Context, mode Mode, request CustomerRequest) (CustomerResult, error)
	CreatePaymentIntent(ctx context.Context, mode Mode, request IntentRequest) (IntentResult, error)
	CreateCheckoutSession(ctx context.Context, mode Mode, request SessionRequest) (SessionResult, error)
	RetrieveIntent(ctx context.Context, mode Mode, reference ProviderReference) (IntentState, error)
	RetrieveCheckoutSession(ctx context.Context, mode Mode, reference ProviderReference) (SessionState, error)
	// VerifyWebhook authenticates and parses a delivery; failures match ErrSignatureInvalid.
	VerifyWebhook(ctx context.Context, mode Mode, payload []byte, signatureHeader string) (Event, error)
}

// CustomerRequest creates a gateway customer for an account.
type CustomerRequest struct {
	AccountID      AccountID
	Email          string
	Name           string
	IdempotencyKey string
}

// CustomerResult holds the created customer reference.
type CustomerResult struct {
	Reference string
}

// IntentRequest creates a payment intent completed client-side with a client secret.
type IntentRequest struct {
	AmountMinor       int64
	Currency          Currency
	CustomerReference string
	Description       string
	Metadata          map[string]string
	IdempotencyKey    string
}

// IntentResult is the created intent.
type IntentResult struct {
	Reference    ProviderReference
	ClientSecret string
}

// SessionRequest creates a hosted checkout session.
type SessionRequest struct {
	AmountMinor    int64
	Currency       Currency
	ProductName    string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// SessionResult is the created checkout session.
type SessionResult struct {
	Reference ProviderReference
	URL       string
}

// IntentStatus is the gateway-reported state of a payment intent.
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentCanceled              IntentStatus = "canceled"
)

// IntentState is a retrieved payment intent.
type IntentState struct {
	Reference       ProviderReference
	Status          IntentStatus
	ChargeReference string
	Metadata        map[string]string
}

// SessionPaymentPaid is the checkout session payment status that allows settlement.
const SessionPaymentPaid = "paid"

// SessionState is a retrieved checkout session.
type SessionState struct {
	Reference              ProviderReference
	PaymentStatus          string
	PaymentIntentReference string
	Metadata               map[string]string
}

// EventKind is the closed set of webhook events the processor acts on.
type EventKind string

const (
	EventPaymentSucceeded  EventKind = "payment_succeeded"
	EventPaymentFailed     EventKind = "payment_failed"
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventUnknown           EventKind = "unknown"
)

// Event is a verified gateway webhook delivery.
type Event struct {
	ID   string
	Type string
	Kind EventKind
	Mode Mode
	// ObjectReference is the intent id or checkout session id the event is about.
	ObjectReference        string
	PaymentIntentReference string
	ChargeReference        string
	PaymentStatus          string
	Metadata               map[string]string
	Payload                []byte
	CreatedAt              time.Time
}
