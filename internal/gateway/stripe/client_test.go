package stripe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sandboxKey    = "sk_test_sandbox"
	liveKey       = "sk_live_key"
	sandboxSecret = "whsec_sandbox"
)

type capturedRequest struct {
	method  string
	path    string
	headers http.Header
	form    url.Values
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]capturedRequest) {
	t.Helper()
	captured := []capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		captured = append(captured, capturedRequest{method: r.Method, path: r.URL.Path, headers: r.Header.Clone(), form: form})
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL: server.URL,
		Sandbox: Credentials{SecretKey: sandboxKey, WebhookSecret: sandboxSecret},
		Live:    Credentials{SecretKey: liveKey},
	})
	require.NoError(t, err)
	return client, &captured
}

func usd(t *testing.T) ledger.Currency {
	t.Helper()
	currency, err := ledger.NewCurrency("USD")
	require.NoError(t, err)
	return currency
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInvalidServiceConfig))
}

func TestCreatePaymentIntentSendsFormAndIdempotencyKey(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"pi_123","client_secret":"pi_123_secret","status":"requires_payment_method"}`)
	})

	result, err := client.CreatePaymentIntent(context.Background(), ledger.ModeLive, ledger.IntentRequest{
		AmountMinor:       999,
		Currency:          usd(t),
		CustomerReference: "cus_1",
		Description:       "100 tokens",
		Metadata:          map[string]string{"mode": "live", "payment_id": "p-1"},
		IdempotencyKey:    "purchase-p-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", result.Reference.String())
	assert.Equal(t, "pi_123_secret", result.ClientSecret)

	require.Len(t, *captured, 1)
	request := (*captured)[0]
	assert.Equal(t, http.MethodPost, request.method)
	assert.Equal(t, pathPaymentIntents, request.path)
	assert.Equal(t, "Bearer "+liveKey, request.headers.Get(headerAuthorization))
	assert.Equal(t, "purchase-p-1", request.headers.Get(headerIdempotencyKey))
	assert.Equal(t, "999", request.form.Get("amount"))
	assert.Equal(t, "usd", request.form.Get("currency"))
	assert.Equal(t, "cus_1", request.form.Get("customer"))
	assert.Equal(t, "p-1", request.form.Get("metadata[payment_id]"))
}

func TestCreateCheckoutSessionCopiesMetadataToIntent(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"cs_1","url":"https://checkout.stripe.test/cs_1"}`)
	})

	result, err := client.CreateCheckoutSession(context.Background(), ledger.ModeSandbox, ledger.SessionRequest{
		AmountMinor:    1500,
		Currency:       usd(t),
		ProductName:    "Starter",
		CustomerEmail:  "buyer@example.com",
		SuccessURL:     "https://app.example/success",
		CancelURL:      "https://app.example/cancel",
		Metadata:       map[string]string{"payment_id": "p-2"},
		IdempotencyKey: "purchase-p-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", result.Reference.String())
	assert.Equal(t, "https://checkout.stripe.test/cs_1", result.URL)

	form := (*captured)[0].form
	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, "1500", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "Starter", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "p-2", form.Get("metadata[payment_id]"))
	assert.Equal(t, "p-2", form.Get("payment_intent_data[metadata][payment_id]"))
	assert.Equal(t, "Bearer "+sandboxKey, (*captured)[0].headers.Get(headerAuthorization))
}

func TestRetrieveIntentReadsChargeReference(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantCharge string
	}{
		{name: "string charge", body: `{"id":"pi_1","status":"succeeded","latest_charge":"ch_1"}`, wantCharge: "ch_1"},
		{name: "expanded charge", body: `{"id":"pi_1","status":"succeeded","latest_charge":{"id":"ch_2"}}`, wantCharge: "ch_2"},
		{name: "no charge", body: `{"id":"pi_1","status":"processing","latest_charge":null}`, wantCharge: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, testCase.body)
			})
			reference, err := ledger.NewProviderReference("pi_1")
			require.NoError(t, err)
			state, err := client.RetrieveIntent(context.Background(), ledger.ModeSandbox, reference)
			require.NoError(t, err)
			assert.Equal(t, testCase.wantCharge, state.ChargeReference)
			assert.Equal(t, http.MethodGet, (*captured)[0].method)
			assert.Equal(t, pathPaymentIntents+"/pi_1", (*captured)[0].path)
		})
	}
}

func TestRetrieveCheckoutSession(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"cs_1","payment_status":"paid","payment_intent":"pi_9","metadata":{"mode":"sandbox"}}`)
	})
	reference, err := ledger.NewProviderReference("cs_1")
	require.NoError(t, err)
	state, err := client.RetrieveCheckoutSession(context.Background(), ledger.ModeSandbox, reference)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionPaymentPaid, state.PaymentStatus)
	assert.Equal(t, "pi_9", state.PaymentIntentReference)
	assert.Equal(t, "sandbox", state.Metadata["mode"])
}

func TestProviderErrorBecomesGatewayError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = io.WriteString(w, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)
	})
	_, err := client.CreateCustomer(context.Background(), ledger.ModeSandbox, ledger.CustomerRequest{Email: "buyer@example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrGateway))

	var gatewayError *ledger.GatewayError
	require.True(t, errors.As(err, &gatewayError))
	assert.Equal(t, operationCreateCustomer, gatewayError.Operation)
	assert.Equal(t, http.StatusPaymentRequired, gatewayError.StatusCode)
	assert.Equal(t, "card_error", gatewayError.Type)
	assert.Equal(t, "card_declined", gatewayError.Code)
	assert.Equal(t, "Your card was declined.", gatewayError.Message)
	assert.Contains(t, gatewayError.Payload, "card_declined")
}

func TestTimeoutIsFlagged(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	client, err := NewClient(Config{
		BaseURL: server.URL,
		Timeout: 50 * time.Millisecond,
		Sandbox: Credentials{SecretKey: sandboxKey},
	})
	require.NoError(t, err)

	reference, err := ledger.NewProviderReference("pi_slow")
	require.NoError(t, err)
	_, err = client.RetrieveIntent(context.Background(), ledger.ModeSandbox, reference)
	var gatewayError *ledger.GatewayError
	require.True(t, errors.As(err, &gatewayError))
	assert.True(t, gatewayError.Timeout)
}

func TestUnconfiguredModeFailsWithoutRequest(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL, Sandbox: Credentials{SecretKey: sandboxKey}})
	require.NoError(t, err)

	_, err = client.CreateCustomer(context.Background(), ledger.ModeLive, ledger.CustomerRequest{Email: "buyer@example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrGateway))
	assert.True(t, errors.Is(err, ledger.ErrInvalidServiceConfig))
	assert.Zero(t, calls)
}
