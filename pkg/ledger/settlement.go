package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement outcomes reported in results and operation logs.
const (
	OutcomeSettled        = "settled"
	OutcomeFailed         = "failed"
	OutcomeAlreadySettled = "already_settled"
	OutcomeUnknownPayment = "unknown_payment"
)

// SettlementRequest identifies the payment to settle.
type SettlementRequest struct {
	Reference ProviderReference
	// PaymentID locates the payment when Reference is not the stored one yet.
	PaymentID       PaymentID
	ChargeReference string
	// ReconciledReference replaces the stored reference, typically a checkout session id with its intent id.
	ReconciledReference ProviderReference
	// Mode, when set, must match the payment's mode; otherwise the payment is treated as unknown.
	Mode Mode
}

// SettlementResult describes the state after a settlement attempt.
type SettlementResult struct {
	Payment        Payment
	Entry          *Entry
	Invoice        *Invoice
	Balance        decimal.Decimal
	AlreadySettled bool
	UnknownPayment bool
}

// Outcome summarizes the result.
func (result SettlementResult) Outcome() string {
	switch {
	case result.UnknownPayment:
		return OutcomeUnknownPayment
	case result.AlreadySettled:
		return OutcomeAlreadySettled
	case result.Payment.Status == PaymentFailed:
		return OutcomeFailed
	default:
		return OutcomeSettled
	}
}

// SettleSuccess credits the purchased tokens, appends the purchase entry and issues the invoice,
// all in one transaction. Repeated calls for the same payment are no-ops that report AlreadySettled.
func (service *Service) SettleSuccess(ctx context.Context, request SettlementRequest) (SettlementResult, error) {
	result, err := service.settle(ctx, request, PaymentCompleted)
	service.logSettlement(ctx, operationSettleSuccess, request, result, err)
	return result, err
}

// SettleFailure marks a pending payment failed. Settled payments are left untouched.
func (service *Service) SettleFailure(ctx context.Context, request SettlementRequest) (SettlementResult, error) {
	result, err := service.settle(ctx, request, PaymentFailed)
	service.logSettlement(ctx, operationSettleFailure, request, result, err)
	return result, err
}

func (service *Service) settle(ctx context.Context, request SettlementRequest, target PaymentStatus) (SettlementResult, error) {
	payment, err := service.resolvePayment(ctx, &request)
	if errors.Is(err, ErrUnknownPayment) {
		return SettlementResult{AlreadySettled: true, UnknownPayment: true}, nil
	}
	if err != nil {
		return SettlementResult{}, err
	}
	if request.Mode != "" && payment.Metadata[MetadataKeyMode] != request.Mode.String() {
		return SettlementResult{AlreadySettled: true, UnknownPayment: true}, nil
	}
	if payment.Status != PaymentPending {
		return service.settledResult(ctx, payment.ID)
	}
	metadata, err := ParsePaymentMetadata(payment.Metadata)
	if err != nil {
		return SettlementResult{}, WrapError("settlement", "payment", "metadata", fmt.Errorf("%w: %w", ErrInconsistentState, err))
	}

	var result SettlementResult
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, payment.AccountID)
		if err != nil {
			if isUnknownAccount(err) {
				return fmt.Errorf("%w: payment %s references missing account %s", ErrInconsistentState, payment.ID, payment.AccountID)
			}
			return err
		}
		current, err := transactionStore.GetPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		if current.Status != PaymentPending {
			return ErrAlreadySettled
		}

		now := service.now()
		transition := PaymentTransition{
			PaymentID:       current.ID,
			From:            PaymentPending,
			To:              target,
			ChargeReference: request.ChargeReference,
			At:              now,
		}
		if !request.ReconciledReference.IsZero() && request.ReconciledReference != current.ProviderReference {
			reconciled := metadata
			reconciled.CheckoutSessionID = current.ProviderReference.String()
			transition.Reference = request.ReconciledReference
			transition.SessionReference = current.ProviderReference
			transition.Metadata = reconciled.Map()
			current.ProviderReference = request.ReconciledReference
			current.Metadata = transition.Metadata
		}
		if err := transactionStore.TransitionPayment(ctx, transition); err != nil {
			return err
		}
		current.Status = target
		current.UpdatedAt = now
		if request.ChargeReference != "" {
			current.ProviderChargeReference = request.ChargeReference
		}
		result.Payment = current
		result.Balance = account.Balance
		if target != PaymentCompleted {
			return nil
		}

		balanceAfter := account.Balance.Add(current.TokenAmount.Decimal())
		entry := Entry{
			ID:            EntryID{value: uuid.NewString()},
			AccountID:     account.ID,
			Kind:          EntryPurchase,
			Amount:        current.TokenAmount,
			BalanceBefore: account.Balance,
			BalanceAfter:  balanceAfter,
			Description:   fmt.Sprintf(purchaseDescription, current.TokenAmount.String()),
			ReferenceID:   current.ID.String(),
			CreatedAt:     now,
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := transactionStore.UpdateAccountBalance(ctx, account.ID, balanceAfter, now); err != nil {
			return err
		}
		invoice := Invoice{
			ID:             InvoiceID{value: uuid.NewString()},
			AccountID:      account.ID,
			PaymentID:      current.ID,
			Number:         InvoiceNumberFor(current.ID),
			Status:         InvoicePaid,
			Amount:         current.Amount,
			Currency:       current.Currency,
			TokenAmount:    current.TokenAmount,
			BillingName:    account.DisplayName,
			BillingEmail:   account.Email,
			BillingAddress: account.BillingAddress,
			IssuedAt:       now,
		}
		if err := transactionStore.InsertInvoice(ctx, invoice); err != nil {
			return err
		}
		result.Entry = &entry
		result.Invoice = &invoice
		result.Balance = balanceAfter
		return nil
	})
	if errors.Is(err, ErrAlreadySettled) {
		return service.settledResult(ctx, payment.ID)
	}
	if err != nil {
		return SettlementResult{}, err
	}
	return result, nil
}

func (service *Service) resolvePayment(ctx context.Context, request *SettlementRequest) (Payment, error) {
	if !request.Reference.IsZero() {
		payment, err := service.store.GetPaymentByReference(ctx, request.Reference)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, ErrUnknownPayment) {
			return Payment{}, err
		}
	}
	if request.PaymentID.IsZero() {
		return Payment{}, ErrUnknownPayment
	}
	payment, err := service.store.GetPayment(ctx, request.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	if !request.Reference.IsZero() && request.ReconciledReference.IsZero() && payment.ProviderReference != request.Reference {
		request.ReconciledReference = request.Reference
	}
	return payment, nil
}

func (service *Service) settledResult(ctx context.Context, paymentID PaymentID) (SettlementResult, error) {
	payment, err := service.store.GetPayment(ctx, paymentID)
	if err != nil {
		return SettlementResult{}, err
	}
	result := SettlementResult{Payment: payment, AlreadySettled: true}
	account, err := service.store.GetAccount(ctx, payment.AccountID)
	switch {
	case err == nil:
		result.Balance = account.Balance
	case isUnknownAccount(err):
		return SettlementResult{}, fmt.Errorf("%w: payment %s references missing account %s", ErrInconsistentState, payment.ID, payment.AccountID)
	default:
		return SettlementResult{}, err
	}
	if payment.Status != PaymentCompleted {
		return result, nil
	}
	invoice, err := service.store.GetInvoiceByPayment(ctx, payment.ID)
	switch {
	case err == nil:
		result.Invoice = &invoice
	case errors.Is(err, ErrUnknownInvoice):
	default:
		return SettlementResult{}, err
	}
	return result, nil
}

func (service *Service) logSettlement(ctx context.Context, operation string, request SettlementRequest, result SettlementResult, err error) {
	entry := OperationLog{
		Operation: operation,
		AccountID: result.Payment.AccountID,
		PaymentID: result.Payment.ID,
		Reference: request.Reference.String(),
		Outcome:   result.Outcome(),
		Error:     err,
	}
	if !result.Payment.TokenAmount.IsZero() {
		entry.Amount = result.Payment.TokenAmount.String()
	}
	if err != nil {
		entry.Outcome = ""
	}
	service.logOperation(ctx, entry)
}
