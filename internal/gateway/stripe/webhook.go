package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
)

const (
	eventPaymentIntentSucceeded        = "payment_intent.succeeded"
	eventPaymentIntentFailed           = "payment_intent.payment_failed"
	eventCheckoutSessionCompleted      = "checkout.session.completed"
	eventCheckoutSessionAsyncSucceeded = "checkout.session.async_payment_succeeded"
)

var errMalformedSignature = errors.New("malformed signature header")

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeEventObject struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	LatestCharge  json.RawMessage   `json:"latest_charge"`
	Metadata      map[string]string `json:"metadata"`
}

// VerifyWebhook checks the Stripe-Signature header against the mode's webhook secret and parses the event.
func (client *Client) VerifyWebhook(_ context.Context, mode ledger.Mode, payload []byte, signatureHeader string) (ledger.Event, error) {
	credentials, ok := client.credentials[mode]
	if !ok || strings.TrimSpace(credentials.WebhookSecret) == "" {
		return ledger.Event{}, fmt.Errorf("%w: no webhook secret for mode %q", ledger.ErrSignatureInvalid, mode)
	}
	if err := verifySignature(payload, signatureHeader, credentials.WebhookSecret, client.now(), client.tolerance); err != nil {
		return ledger.Event{}, fmt.Errorf("%w: %v", ledger.ErrSignatureInvalid, err)
	}
	event, err := parseEvent(payload)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("%w: %v", ledger.ErrSignatureInvalid, err)
	}
	event.Mode = mode
	return event, nil
}

func verifySignature(payload []byte, header string, secret string, now time.Time, tolerance time.Duration) error {
	timestampValue, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	timestamp, err := strconv.ParseInt(timestampValue, 10, 64)
	if err != nil {
		return errMalformedSignature
	}
	signedAt := time.Unix(timestamp, 0)
	if age := now.Sub(signedAt); age > tolerance || age < -tolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}
	expected := computeSignature(timestampValue, payload, secret)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("no matching v1 signature")
}

func computeSignature(timestamp string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		switch strings.TrimSpace(keyValue[0]) {
		case "t":
			timestamp = strings.TrimSpace(keyValue[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(keyValue[1]))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errMalformedSignature
	}
	return timestamp, signatures, nil
}

func parseEvent(payload []byte) (ledger.Event, error) {
	var raw stripeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ledger.Event{}, fmt.Errorf("malformed event payload: %w", err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return ledger.Event{}, fmt.Errorf("event id missing")
	}
	event := ledger.Event{
		ID:      raw.ID,
		Type:    raw.Type,
		Kind:    ledger.EventUnknown,
		Payload: payload,
	}
	if raw.Created > 0 {
		event.CreatedAt = time.Unix(raw.Created, 0).UTC()
	}

	var object stripeEventObject
	if len(raw.Data.Object) > 0 {
		if err := json.Unmarshal(raw.Data.Object, &object); err != nil {
			return ledger.Event{}, fmt.Errorf("malformed event object: %w", err)
		}
	}
	event.ObjectReference = object.ID
	event.Metadata = object.Metadata

	switch raw.Type {
	case eventPaymentIntentSucceeded:
		event.Kind = ledger.EventPaymentSucceeded
		event.PaymentIntentReference = object.ID
		event.ChargeReference = expandableID(object.LatestCharge)
	case eventPaymentIntentFailed:
		event.Kind = ledger.EventPaymentFailed
		event.PaymentIntentReference = object.ID
	case eventCheckoutSessionCompleted, eventCheckoutSessionAsyncSucceeded:
		event.Kind = ledger.EventCheckoutCompleted
		event.PaymentStatus = object.PaymentStatus
		event.PaymentIntentReference = expandableID(object.PaymentIntent)
	}
	return event, nil
}

// SignatureHeader builds a Stripe-Signature header value for payload.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + timestamp + ",v1=" + computeSignature(timestamp, payload, secret)
}
