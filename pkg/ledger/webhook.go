package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Webhook outcomes in addition to the settlement outcomes.
const (
	OutcomeIgnored           = "ignored"
	OutcomeDuplicate         = "duplicate"
	OutcomeInconsistentState = "inconsistent_state"
)

// EventDeduplicator is a fast-path cache of processed event keys. The database remains authoritative.
type EventDeduplicator interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

// WebhookOption configures a WebhookProcessor.
type WebhookOption func(*WebhookProcessor)

// WithEventDeduplicator wires a processed-event cache.
func WithEventDeduplicator(deduplicator EventDeduplicator) WebhookOption {
	return func(processor *WebhookProcessor) {
		processor.deduplicator = deduplicator
	}
}

// WebhookResult is returned for every verified event.
type WebhookResult struct {
	EventID string
	Kind    EventKind
	Outcome string
}

// WebhookProcessor verifies, classifies and dispatches gateway events.
type WebhookProcessor struct {
	payments     *PaymentService
	deduplicator EventDeduplicator
}

// NewWebhookProcessor wires a WebhookProcessor.
func NewWebhookProcessor(payments *PaymentService, options ...WebhookOption) (*WebhookProcessor, error) {
	if payments == nil {
		return nil, fmt.Errorf("%w: payment service is nil", ErrInvalidServiceConfig)
	}
	processor := &WebhookProcessor{payments: payments}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Handle processes one delivery. A signature failure returns ErrSignatureInvalid before anything is written.
// Any other error means the event was not processed and the provider should redeliver it.
func (processor *WebhookProcessor) Handle(ctx context.Context, mode Mode, payload []byte, signatureHeader string) (WebhookResult, error) {
	result, err := processor.handle(ctx, mode, payload, signatureHeader)
	entry := OperationLog{
		Operation: OperationWebhook,
		Reference: result.EventID,
		Mode:      mode,
		Error:     err,
	}
	if err == nil {
		entry.Outcome = string(result.Kind) + ":" + result.Outcome
	}
	processor.payments.ledger.logOperation(ctx, entry)
	return result, err
}

func (processor *WebhookProcessor) handle(ctx context.Context, mode Mode, payload []byte, signatureHeader string) (WebhookResult, error) {
	if _, err := ParseMode(mode.String()); err != nil {
		return WebhookResult{}, err
	}
	event, err := processor.payments.gateway.VerifyWebhook(ctx, mode, payload, signatureHeader)
	if err != nil {
		return WebhookResult{}, err
	}
	result := WebhookResult{EventID: event.ID, Kind: event.Kind}
	cacheKey := Provider + ":" + mode.String() + ":" + event.ID

	if processor.deduplicator != nil {
		if seen, cacheErr := processor.deduplicator.Seen(ctx, cacheKey); cacheErr == nil && seen {
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
	}

	store := processor.payments.store
	alreadyProcessed, err := store.RecordWebhookEvent(ctx, WebhookEventRecord{
		Provider:   Provider,
		EventID:    event.ID,
		EventType:  event.Type,
		Mode:       mode,
		Payload:    payload,
		ReceivedAt: processor.payments.ledger.now(),
	})
	if err != nil {
		return result, err
	}
	if alreadyProcessed {
		result.Outcome = OutcomeDuplicate
		processor.remember(ctx, cacheKey)
		return result, nil
	}

	outcome, err := processor.dispatch(ctx, mode, event)
	if errors.Is(err, ErrInconsistentState) {
		// Redelivery cannot repair the stored payment; acknowledge and leave it for an operator.
		processor.payments.ledger.logOperation(ctx, OperationLog{
			Operation: OperationWebhook,
			Reference: event.ID,
			Mode:      mode,
			Outcome:   OutcomeInconsistentState,
			Error:     err,
		})
		outcome, err = OutcomeInconsistentState, nil
	}
	if err != nil {
		return result, err
	}
	result.Outcome = outcome
	if err := store.MarkWebhookEventProcessed(ctx, Provider, event.ID, outcome, processor.payments.ledger.now()); err != nil {
		return result, err
	}
	processor.remember(ctx, cacheKey)
	return result, nil
}

func (processor *WebhookProcessor) dispatch(ctx context.Context, mode Mode, event Event) (string, error) {
	ledgerService := processor.payments.ledger
	switch event.Kind {
	case EventPaymentSucceeded:
		settlement, err := ledgerService.SettleSuccess(ctx, settlementRequestFor(mode, event, event.ObjectReference))
		if err != nil {
			return "", err
		}
		return settlement.Outcome(), nil
	case EventPaymentFailed:
		settlement, err := ledgerService.SettleFailure(ctx, settlementRequestFor(mode, event, event.ObjectReference))
		if err != nil {
			return "", err
		}
		return settlement.Outcome(), nil
	case EventCheckoutCompleted:
		if event.PaymentStatus != SessionPaymentPaid {
			return OutcomeIgnored, nil
		}
		intentReference := event.PaymentIntentReference
		if intentReference == "" {
			sessionReference, err := NewProviderReference(event.ObjectReference)
			if err != nil {
				return "", err
			}
			session, err := processor.payments.gateway.RetrieveCheckoutSession(ctx, mode, sessionReference)
			if err != nil {
				return "", err
			}
			intentReference = session.PaymentIntentReference
		}
		request := settlementRequestFor(mode, event, event.ObjectReference)
		if reconciled, err := NewProviderReference(intentReference); err == nil {
			request.ReconciledReference = reconciled
		}
		settlement, err := ledgerService.SettleSuccess(ctx, request)
		if err != nil {
			return "", err
		}
		return settlement.Outcome(), nil
	default:
		return OutcomeIgnored, nil
	}
}

func (processor *WebhookProcessor) remember(ctx context.Context, key string) {
	if processor.deduplicator == nil {
		return
	}
	_ = processor.deduplicator.Remember(ctx, key)
}

func settlementRequestFor(mode Mode, event Event, reference string) SettlementRequest {
	request := SettlementRequest{ChargeReference: event.ChargeReference, Mode: mode}
	if parsed, err := NewProviderReference(reference); err == nil {
		request.Reference = parsed
	}
	if paymentID, err := NewPaymentID(event.Metadata[GatewayMetadataPaymentID]); err == nil {
		request.PaymentID = paymentID
	}
	return request
}

// IsSignatureFailure reports whether err means the delivery could not be authenticated.
func IsSignatureFailure(err error) bool {
	return errors.Is(err, ErrSignatureInvalid)
}
