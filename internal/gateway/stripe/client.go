// Package stripe implements ledger.Gateway against the Stripe REST API.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
)

const (
	defaultBaseURL            = "https://api.stripe.com"
	defaultTimeout            = 12 * time.Second
	defaultSignatureTolerance = 5 * time.Minute
	maxErrorPayloadBytes      = 4096

	operationCreateCustomer   = "create_customer"
	operationCreateIntent     = "create_payment_intent"
	operationCreateSession    = "create_checkout_session"
	operationRetrieveIntent   = "retrieve_payment_intent"
	operationRetrieveSession  = "retrieve_checkout_session"
	operationVerifyWebhook    = "verify_webhook"
	pathCustomers             = "/v1/customers"
	pathPaymentIntents        = "/v1/payment_intents"
	pathCheckoutSessions      = "/v1/checkout/sessions"
	headerIdempotencyKey      = "Idempotency-Key"
	headerAuthorization       = "Authorization"
	headerContentType         = "Content-Type"
	contentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

// Credentials is the key pair for one mode.
type Credentials struct {
	SecretKey     string
	WebhookSecret string
}

func (credentials Credentials) configured() bool {
	return strings.TrimSpace(credentials.SecretKey) != ""
}

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	BaseURL            string
	Timeout            time.Duration
	SignatureTolerance time.Duration
	Sandbox            Credentials
	Live               Credentials
	HTTPClient         *http.Client
	Now                func() time.Time
}

// Client talks to Stripe with per-mode credentials. It never retries.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tolerance   time.Duration
	credentials map[ledger.Mode]Credentials
	now         func() time.Time
}

// NewClient validates the config and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Sandbox.configured() && !cfg.Live.configured() {
		return nil, fmt.Errorf("%w: stripe credentials are required for at least one mode", ledger.ErrInvalidServiceConfig)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	tolerance := cfg.SignatureTolerance
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tolerance:  tolerance,
		credentials: map[ledger.Mode]Credentials{
			ledger.ModeSandbox: cfg.Sandbox,
			ledger.ModeLive:    cfg.Live,
		},
		now: now,
	}, nil
}

type stripeCustomer struct {
	ID string `json:"id"`
}

type stripePaymentIntent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	LatestCharge json.RawMessage   `json:"latest_charge"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (client *Client) CreateCustomer(ctx context.Context, mode ledger.Mode, request ledger.CustomerRequest) (ledger.CustomerResult, error) {
	values := url.Values{}
	values.Set("email", request.Email)
	if request.Name != "" {
		values.Set("name", request.Name)
	}
	values.Set("metadata[account_id]", request.AccountID.String())

	var customer stripeCustomer
	if err := client.do(ctx, mode, operationCreateCustomer, http.MethodPost, pathCustomers, values, request.IdempotencyKey, &customer); err != nil {
		return ledger.CustomerResult{}, err
	}
	if customer.ID == "" {
		return ledger.CustomerResult{}, invalidResponse(operationCreateCustomer, mode)
	}
	return ledger.CustomerResult{Reference: customer.ID}, nil
}

func (client *Client) CreatePaymentIntent(ctx context.Context, mode ledger.Mode, request ledger.IntentRequest) (ledger.IntentResult, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(request.AmountMinor, 10))
	values.Set("currency", request.Currency.Lower())
	values.Set("automatic_payment_methods[enabled]", "true")
	if request.CustomerReference != "" {
		values.Set("customer", request.CustomerReference)
	}
	if request.Description != "" {
		values.Set("description", request.Description)
	}
	setMetadata(values, "metadata", request.Metadata)

	var intent stripePaymentIntent
	if err := client.do(ctx, mode, operationCreateIntent, http.MethodPost, pathPaymentIntents, values, request.IdempotencyKey, &intent); err != nil {
		return ledger.IntentResult{}, err
	}
	reference, err := ledger.NewProviderReference(intent.ID)
	if err != nil || intent.ClientSecret == "" {
		return ledger.IntentResult{}, invalidResponse(operationCreateIntent, mode)
	}
	return ledger.IntentResult{Reference: reference, ClientSecret: intent.ClientSecret}, nil
}

func (client *Client) CreateCheckoutSession(ctx context.Context, mode ledger.Mode, request ledger.SessionRequest) (ledger.SessionResult, error) {
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("success_url", request.SuccessURL)
	values.Set("cancel_url", request.CancelURL)
	if request.CustomerEmail != "" {
		values.Set("customer_email", request.CustomerEmail)
	}
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", request.Currency.Lower())
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(request.AmountMinor, 10))
	values.Set("line_items[0][price_data][product_data][name]", request.ProductName)
	setMetadata(values, "metadata", request.Metadata)
	// The intent created by the session carries the same metadata so its events resolve the payment.
	setMetadata(values, "payment_intent_data[metadata]", request.Metadata)

	var session stripeCheckoutSession
	if err := client.do(ctx, mode, operationCreateSession, http.MethodPost, pathCheckoutSessions, values, request.IdempotencyKey, &session); err != nil {
		return ledger.SessionResult{}, err
	}
	reference, err := ledger.NewProviderReference(session.ID)
	if err != nil || session.URL == "" {
		return ledger.SessionResult{}, invalidResponse(operationCreateSession, mode)
	}
	return ledger.SessionResult{Reference: reference, URL: session.URL}, nil
}

func (client *Client) RetrieveIntent(ctx context.Context, mode ledger.Mode, reference ledger.ProviderReference) (ledger.IntentState, error) {
	var intent stripePaymentIntent
	path := pathPaymentIntents + "/" + url.PathEscape(reference.String())
	if err := client.do(ctx, mode, operationRetrieveIntent, http.MethodGet, path, nil, "", &intent); err != nil {
		return ledger.IntentState{}, err
	}
	return ledger.IntentState{
		Reference:       reference,
		Status:          ledger.IntentStatus(intent.Status),
		ChargeReference: expandableID(intent.LatestCharge),
		Metadata:        intent.Metadata,
	}, nil
}

func (client *Client) RetrieveCheckoutSession(ctx context.Context, mode ledger.Mode, reference ledger.ProviderReference) (ledger.SessionState, error) {
	var session stripeCheckoutSession
	path := pathCheckoutSessions + "/" + url.PathEscape(reference.String())
	if err := client.do(ctx, mode, operationRetrieveSession, http.MethodGet, path, nil, "", &session); err != nil {
		return ledger.SessionState{}, err
	}
	return ledger.SessionState{
		Reference:              reference,
		PaymentStatus:          session.PaymentStatus,
		PaymentIntentReference: expandableID(session.PaymentIntent),
		Metadata:               session.Metadata,
	}, nil
}

func (client *Client) credentialsFor(mode ledger.Mode, operation string) (Credentials, error) {
	credentials, ok := client.credentials[mode]
	if !ok || !credentials.configured() {
		return Credentials{}, &ledger.GatewayError{
			Operation: operation,
			Mode:      mode,
			Message:   "mode not configured",
			Err:       ledger.ErrInvalidServiceConfig,
		}
	}
	return credentials, nil
}

func (client *Client) do(ctx context.Context, mode ledger.Mode, operation string, method string, path string, values url.Values, idempotencyKey string, out any) error {
	credentials, err := client.credentialsFor(mode, operation)
	if err != nil {
		return err
	}
	var body io.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if err != nil {
		return &ledger.GatewayError{Operation: operation, Mode: mode, Err: err}
	}
	request.Header.Set(headerAuthorization, "Bearer "+credentials.SecretKey)
	if values != nil {
		request.Header.Set(headerContentType, contentTypeFormURLEncoded)
	}
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return &ledger.GatewayError{Operation: operation, Mode: mode, Timeout: isTimeout(err), Err: err}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return &ledger.GatewayError{Operation: operation, Mode: mode, StatusCode: response.StatusCode, Timeout: isTimeout(err), Err: err}
	}
	if response.StatusCode >= http.StatusBadRequest {
		return responseError(operation, mode, response.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &ledger.GatewayError{
			Operation:  operation,
			Mode:       mode,
			StatusCode: response.StatusCode,
			Message:    "invalid response body",
			Payload:    truncate(payload),
			Err:        err,
		}
	}
	return nil
}

func responseError(operation string, mode ledger.Mode, statusCode int, payload []byte) error {
	gatewayError := &ledger.GatewayError{
		Operation:  operation,
		Mode:       mode,
		StatusCode: statusCode,
		Payload:    truncate(payload),
	}
	var decoded stripeErrorResponse
	if err := json.Unmarshal(payload, &decoded); err == nil {
		gatewayError.Type = decoded.Error.Type
		gatewayError.Code = decoded.Error.Code
		gatewayError.Message = strings.TrimSpace(decoded.Error.Message)
	}
	if gatewayError.Message == "" {
		gatewayError.Message = http.StatusText(statusCode)
	}
	return gatewayError
}

func invalidResponse(operation string, mode ledger.Mode) error {
	return &ledger.GatewayError{Operation: operation, Mode: mode, Message: "incomplete response"}
}

func setMetadata(values url.Values, prefix string, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		values.Set(prefix+"["+key+"]", metadata[key])
	}
}

// expandableID reads a Stripe field that is either an id string or an expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return object.ID
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(payload []byte) string {
	if len(payload) > maxErrorPayloadBytes {
		return string(payload[:maxErrorPayloadBytes])
	}
	return string(payload)
}
