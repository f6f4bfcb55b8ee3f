package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckoutURLs are the redirect targets for hosted checkout sessions.
type CheckoutURLs struct {
	SuccessURL string
	CancelURL  string
}

// PaymentService drives purchases through the gateway and hands results to the settlement engine.
type PaymentService struct {
	ledger  *Service
	store   Store
	gateway Gateway
	urls    CheckoutURLs
}

// NewPaymentService wires a PaymentService.
func NewPaymentService(ledgerService *Service, gateway Gateway, urls CheckoutURLs) (*PaymentService, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	return &PaymentService{
		ledger:  ledgerService,
		store:   ledgerService.store,
		gateway: gateway,
		urls:    urls,
	}, nil
}

// Ledger returns the settlement engine the service settles through.
func (payments *PaymentService) Ledger() *Service {
	return payments.ledger
}

// CustomPackage describes an ad-hoc purchase outside the catalog.
type CustomPackage struct {
	TokenAmount PositiveAmount
	Price       PositiveAmount
	Currency    Currency
}

// PurchaseRequest starts a purchase of either a catalog package or a custom package.
type PurchaseRequest struct {
	AccountID AccountID
	PackageID PackageID
	Custom    *CustomPackage
	Mode      Mode
	Flow      Flow
}

// PurchaseResult tells the client how to complete the payment.
type PurchaseResult struct {
	PaymentID         PaymentID
	ProviderReference ProviderReference
	Flow              Flow
	ClientSecret      string
	CheckoutURL       string
	Amount            PositiveAmount
	Currency          Currency
	TokenAmount       PositiveAmount
}

// ConfirmationResult reports the outcome of a client-initiated confirmation.
type ConfirmationResult struct {
	Settled        bool
	AlreadySettled bool
	Payment        Payment
	Balance        decimal.Decimal
	Invoice        *Invoice
}

// SweepReport summarizes a ReconcilePending run.
type SweepReport struct {
	Checked       int
	Settled       int
	Failed        int
	StillPending  int
	GatewayErrors int
}

// InitiatePurchase creates the gateway-side payment first and stores the pending payment afterwards.
func (payments *PaymentService) InitiatePurchase(ctx context.Context, request PurchaseRequest) (PurchaseResult, error) {
	result, err := payments.initiatePurchase(ctx, request)
	entry := OperationLog{
		Operation: operationInitiatePurchase,
		AccountID: request.AccountID,
		PaymentID: result.PaymentID,
		Reference: result.ProviderReference.String(),
		Mode:      request.Mode,
		Error:     err,
	}
	if !result.TokenAmount.IsZero() {
		entry.Amount = result.TokenAmount.String()
	}
	payments.ledger.logOperation(ctx, entry)
	return result, err
}

func (payments *PaymentService) initiatePurchase(ctx context.Context, request PurchaseRequest) (PurchaseResult, error) {
	if request.AccountID.IsZero() {
		return PurchaseResult{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseMode(request.Mode.String()); err != nil {
		return PurchaseResult{}, err
	}
	flow, err := ParseFlow(string(request.Flow))
	if err != nil {
		return PurchaseResult{}, err
	}
	account, err := payments.store.GetAccount(ctx, request.AccountID)
	if err != nil {
		return PurchaseResult{}, err
	}
	tokenPackage, err := payments.resolvePackage(ctx, request)
	if err != nil {
		return PurchaseResult{}, err
	}

	paymentID := GeneratePaymentID()
	metadata := PaymentMetadata{
		Mode:      request.Mode,
		Flow:      flow,
		PackageID: tokenPackage.ID.String(),
		Custom:    tokenPackage.IsCustom,
	}
	gatewayMetadata := metadata.GatewayMap(paymentID, account.ID)
	idempotencyKey := "purchase-" + paymentID.String()

	result := PurchaseResult{
		PaymentID:   paymentID,
		Flow:        flow,
		Amount:      tokenPackage.Price,
		Currency:    tokenPackage.Currency,
		TokenAmount: tokenPackage.TokenAmount,
	}
	switch flow {
	case FlowRedirect:
		session, err := payments.gateway.CreateCheckoutSession(ctx, request.Mode, SessionRequest{
			AmountMinor:    tokenPackage.Price.MinorUnits(),
			Currency:       tokenPackage.Currency,
			ProductName:    tokenPackage.Name,
			CustomerEmail:  account.Email,
			SuccessURL:     payments.urls.SuccessURL,
			CancelURL:      payments.urls.CancelURL,
			Metadata:       gatewayMetadata,
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			return PurchaseResult{}, err
		}
		result.ProviderReference = session.Reference
		result.CheckoutURL = session.URL
	default:
		customerReference, err := payments.provisionCustomer(ctx, account, request.Mode)
		if err != nil {
			return PurchaseResult{}, err
		}
		intent, err := payments.gateway.CreatePaymentIntent(ctx, request.Mode, IntentRequest{
			AmountMinor:       tokenPackage.Price.MinorUnits(),
			Currency:          tokenPackage.Currency,
			CustomerReference: customerReference,
			Description:       tokenPackage.Name,
			Metadata:          gatewayMetadata,
			IdempotencyKey:    idempotencyKey,
		})
		if err != nil {
			return PurchaseResult{}, err
		}
		result.ProviderReference = intent.Reference
		result.ClientSecret = intent.ClientSecret
	}

	now := payments.ledger.now()
	payment := Payment{
		ID:                paymentID,
		AccountID:         account.ID,
		PackageID:         tokenPackage.ID,
		Amount:            tokenPackage.Price,
		Currency:          tokenPackage.Currency,
		TokenAmount:       tokenPackage.TokenAmount,
		Status:            PaymentPending,
		ProviderReference: result.ProviderReference,
		Metadata:          metadata.Map(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := payments.store.CreatePayment(ctx, payment); err != nil {
		return PurchaseResult{}, err
	}
	return result, nil
}

func (payments *PaymentService) resolvePackage(ctx context.Context, request PurchaseRequest) (TokenPackage, error) {
	hasPackage := !request.PackageID.IsZero()
	hasCustom := request.Custom != nil
	if hasPackage == hasCustom {
		return TokenPackage{}, fmt.Errorf("%w: exactly one of package id or custom package is required", ErrInvalidPurchaseRequest)
	}
	if hasPackage {
		tokenPackage, err := payments.store.GetPackage(ctx, request.PackageID)
		if err != nil {
			return TokenPackage{}, err
		}
		if !tokenPackage.IsActive {
			return TokenPackage{}, fmt.Errorf("%w: %s", ErrInactivePackage, tokenPackage.ID)
		}
		return tokenPackage, nil
	}

	custom := *request.Custom
	if custom.TokenAmount.IsZero() || custom.Price.IsZero() || custom.Currency.String() == "" {
		return TokenPackage{}, fmt.Errorf("%w: custom package needs token amount, price and currency", ErrInvalidPurchaseRequest)
	}
	existing, err := payments.store.FindCustomPackage(ctx, custom.TokenAmount, custom.Price, custom.Currency)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUnknownPackage) {
		return TokenPackage{}, err
	}
	snapshot := TokenPackage{
		ID:          PackageID{value: uuid.NewString()},
		Name:        fmt.Sprintf(customPackageNameFormat, custom.TokenAmount.String()),
		TokenAmount: custom.TokenAmount,
		Price:       custom.Price,
		Currency:    custom.Currency,
		IsActive:    false,
		IsCustom:    true,
		CreatedAt:   payments.ledger.now(),
	}
	if err := payments.store.CreatePackage(ctx, snapshot); err != nil {
		return TokenPackage{}, err
	}
	return snapshot, nil
}

// ProvisionCustomer ensures the account has a gateway customer for the mode. It is safe to retry.
func (payments *PaymentService) ProvisionCustomer(ctx context.Context, accountID AccountID, mode Mode) (string, error) {
	reference, err := payments.provisionCustomerByID(ctx, accountID, mode)
	payments.ledger.logOperation(ctx, OperationLog{
		Operation: operationProvisionCustomer,
		AccountID: accountID,
		Reference: reference,
		Mode:      mode,
		Error:     err,
	})
	return reference, err
}

func (payments *PaymentService) provisionCustomerByID(ctx context.Context, accountID AccountID, mode Mode) (string, error) {
	if _, err := ParseMode(mode.String()); err != nil {
		return "", err
	}
	account, err := payments.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return payments.provisionCustomer(ctx, account, mode)
}

func (payments *PaymentService) provisionCustomer(ctx context.Context, account Account, mode Mode) (string, error) {
	if existing := account.CustomerReference(mode); existing != "" {
		return existing, nil
	}
	customer, err := payments.gateway.CreateCustomer(ctx, mode, CustomerRequest{
		AccountID:      account.ID,
		Email:          account.Email,
		Name:           account.DisplayName,
		IdempotencyKey: "customer-" + account.ID.String() + "-" + mode.String(),
	})
	if err != nil {
		return "", err
	}
	stored, err := payments.store.SetCustomerReference(ctx, account.ID, mode, customer.Reference, payments.ledger.now())
	if err != nil {
		return "", err
	}
	if stored {
		return customer.Reference, nil
	}
	current, err := payments.store.GetAccount(ctx, account.ID)
	if err != nil {
		return "", err
	}
	return current.CustomerReference(mode), nil
}

// ConfirmPayment asks the gateway for the payment state and settles it when it succeeded.
// A payment that has not succeeded stays pending and ErrPaymentNotSucceeded is returned.
func (payments *PaymentService) ConfirmPayment(ctx context.Context, accountID AccountID, reference ProviderReference) (ConfirmationResult, error) {
	result, err := payments.confirmPayment(ctx, accountID, reference)
	payments.ledger.logOperation(ctx, OperationLog{
		Operation: operationConfirmPayment,
		AccountID: accountID,
		PaymentID: result.Payment.ID,
		Reference: reference.String(),
		Error:     err,
	})
	return result, err
}

func (payments *PaymentService) confirmPayment(ctx context.Context, accountID AccountID, reference ProviderReference) (ConfirmationResult, error) {
	payment, err := payments.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if payment.AccountID != accountID {
		return ConfirmationResult{}, fmt.Errorf("%w: %s", ErrUnknownPayment, reference)
	}
	switch payment.Status {
	case PaymentPending:
	case PaymentCompleted:
		settled, err := payments.ledger.settledResult(ctx, payment.ID)
		if err != nil {
			return ConfirmationResult{}, err
		}
		return confirmationFrom(settled), nil
	default:
		return ConfirmationResult{Payment: payment}, fmt.Errorf("%w: payment is %s", ErrPaymentNotSucceeded, payment.Status)
	}

	settlement, err := payments.settleFromGateway(ctx, payment)
	if err != nil {
		return ConfirmationResult{Payment: payment}, err
	}
	if settlement.Payment.Status != PaymentCompleted {
		return confirmationFrom(settlement), fmt.Errorf("%w: payment is %s", ErrPaymentNotSucceeded, settlement.Payment.Status)
	}
	return confirmationFrom(settlement), nil
}

// settleFromGateway settles a pending payment according to the gateway's current view of it.
// ErrPaymentNotSucceeded means the gateway has no final answer yet.
func (payments *PaymentService) settleFromGateway(ctx context.Context, payment Payment) (SettlementResult, error) {
	metadata, err := ParsePaymentMetadata(payment.Metadata)
	if err != nil {
		return SettlementResult{}, WrapError("confirmation", "payment", "metadata", err)
	}
	if metadata.Flow == FlowRedirect && metadata.CheckoutSessionID == "" {
		session, err := payments.gateway.RetrieveCheckoutSession(ctx, metadata.Mode, payment.ProviderReference)
		if err != nil {
			return SettlementResult{}, err
		}
		if session.PaymentStatus != SessionPaymentPaid {
			return SettlementResult{}, fmt.Errorf("%w: checkout session is %s", ErrPaymentNotSucceeded, session.PaymentStatus)
		}
		request := SettlementRequest{Reference: payment.ProviderReference}
		if intentReference, err := NewProviderReference(session.PaymentIntentReference); err == nil {
			request.ReconciledReference = intentReference
		}
		return payments.ledger.SettleSuccess(ctx, request)
	}

	intent, err := payments.gateway.RetrieveIntent(ctx, metadata.Mode, payment.ProviderReference)
	if err != nil {
		return SettlementResult{}, err
	}
	switch intent.Status {
	case IntentSucceeded:
		return payments.ledger.SettleSuccess(ctx, SettlementRequest{
			Reference:       payment.ProviderReference,
			ChargeReference: intent.ChargeReference,
		})
	case IntentCanceled:
		return payments.ledger.SettleFailure(ctx, SettlementRequest{Reference: payment.ProviderReference})
	default:
		return SettlementResult{}, fmt.Errorf("%w: intent is %s", ErrPaymentNotSucceeded, intent.Status)
	}
}

// ReconcilePending settles pending payments older than the cutoff from the gateway's state.
// Gateway errors leave the payment pending and are counted in the report.
func (payments *PaymentService) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (SweepReport, error) {
	report, err := payments.reconcilePending(ctx, olderThan, limit)
	payments.ledger.logOperation(ctx, OperationLog{
		Operation: operationReconcilePending,
		Outcome:   fmt.Sprintf("checked=%d settled=%d failed=%d pending=%d gateway_errors=%d", report.Checked, report.Settled, report.Failed, report.StillPending, report.GatewayErrors),
		Error:     err,
	})
	return report, err
}

func (payments *PaymentService) reconcilePending(ctx context.Context, olderThan time.Duration, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = DefaultEntriesLimit
	}
	cutoff := payments.ledger.now().Add(-olderThan)
	pending, err := payments.store.ListPendingPayments(ctx, cutoff, limit)
	if err != nil {
		return SweepReport{}, err
	}
	var report SweepReport
	for _, payment := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		settlement, err := payments.settleFromGateway(ctx, payment)
		switch {
		case errors.Is(err, ErrGateway):
			report.GatewayErrors++
		case errors.Is(err, ErrPaymentNotSucceeded):
			report.StillPending++
		case err != nil:
			return report, err
		case settlement.Payment.Status == PaymentCompleted:
			report.Settled++
		case settlement.Payment.Status == PaymentFailed:
			report.Failed++
		default:
			report.StillPending++
		}
	}
	return report, nil
}

func confirmationFrom(settlement SettlementResult) ConfirmationResult {
	return ConfirmationResult{
		Settled:        !settlement.AlreadySettled && settlement.Payment.Status == PaymentCompleted,
		AlreadySettled: settlement.AlreadySettled,
		Payment:        settlement.Payment,
		Balance:        settlement.Balance,
		Invoice:        settlement.Invoice,
	}
}
