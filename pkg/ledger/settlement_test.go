package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

const (
	intentReferenceValue  = "pi_100"
	sessionReferenceValue = "cs_100"
	chargeReferenceValue  = "ch_100"
	settleWorkers         = 12
)

func TestSettleSuccessCreditsTokensAndIssuesInvoice(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "5")
	payment := store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	service := mustNewService(test, store)

	result, err := service.SettleSuccess(context.Background(), SettlementRequest{
		Reference:       mustReference(test, intentReferenceValue),
		ChargeReference: chargeReferenceValue,
	})
	if err != nil {
		test.Fatalf("settle success: %v", err)
	}
	if result.AlreadySettled || result.Outcome() != OutcomeSettled {
		test.Fatalf("expected fresh settlement, got %+v", result)
	}
	if result.Payment.Status != PaymentCompleted || result.Payment.ProviderChargeReference != chargeReferenceValue {
		test.Fatalf("unexpected payment %+v", result.Payment)
	}
	if result.Entry == nil || result.Entry.Kind != EntryPurchase || result.Entry.ReferenceID != payment.ID.String() {
		test.Fatalf("unexpected entry %+v", result.Entry)
	}
	if result.Entry.BalanceBefore.String() != "5" || result.Entry.BalanceAfter.String() != "105" {
		test.Fatalf("unexpected entry balances %+v", result.Entry)
	}
	if result.Invoice == nil || result.Invoice.Number != InvoiceNumberFor(payment.ID) || result.Invoice.Status != InvoicePaid {
		test.Fatalf("unexpected invoice %+v", result.Invoice)
	}
	if result.Invoice.BillingName != accountNameValue || result.Invoice.BillingEmail != accountEmailValue || result.Invoice.BillingAddress != accountAddressValue {
		test.Fatalf("expected billing snapshot, got %+v", result.Invoice)
	}
	if result.Invoice.Amount.String() != "9.99" || result.Invoice.Currency.String() != currencyValue {
		test.Fatalf("unexpected invoice amount %+v", result.Invoice)
	}
	assertBalance(test, store, accountIDValue, "105")
}

func TestSettleSuccessTwiceIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	service := mustNewService(test, store)
	request := SettlementRequest{Reference: mustReference(test, intentReferenceValue)}

	first, err := service.SettleSuccess(context.Background(), request)
	if err != nil {
		test.Fatalf("first settle: %v", err)
	}
	second, err := service.SettleSuccess(context.Background(), request)
	if err != nil {
		test.Fatalf("second settle: %v", err)
	}
	if !second.AlreadySettled || second.Entry != nil {
		test.Fatalf("expected already settled result, got %+v", second)
	}
	if second.Invoice == nil || second.Invoice.ID != first.Invoice.ID || !second.Balance.Equal(first.Balance) {
		test.Fatalf("expected previously computed result, got %+v", second)
	}
	if len(store.entriesFor(mustAccountID(test, accountIDValue))) != 1 || store.invoiceCount() != 1 {
		test.Fatalf("expected exactly one entry and invoice")
	}
	assertBalance(test, store, accountIDValue, "100")
}

func TestSettleSuccessUnknownReferenceIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	result, err := service.SettleSuccess(context.Background(), SettlementRequest{Reference: mustReference(test, "pi_missing")})
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if !result.UnknownPayment || !result.AlreadySettled || result.Outcome() != OutcomeUnknownPayment {
		test.Fatalf("expected unknown payment no-op, got %+v", result)
	}
	if store.writeCount() != 0 {
		test.Fatalf("expected no writes")
	}
}

func TestSettleFailureThenSuccessKeepsFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	service := mustNewService(test, store)
	request := SettlementRequest{Reference: mustReference(test, intentReferenceValue)}

	failed, err := service.SettleFailure(context.Background(), request)
	if err != nil {
		test.Fatalf("settle failure: %v", err)
	}
	if failed.Payment.Status != PaymentFailed || failed.Outcome() != OutcomeFailed {
		test.Fatalf("unexpected failure result %+v", failed)
	}
	late, err := service.SettleSuccess(context.Background(), request)
	if err != nil {
		test.Fatalf("late success: %v", err)
	}
	if !late.AlreadySettled || late.Payment.Status != PaymentFailed {
		test.Fatalf("expected failed payment to stay failed, got %+v", late)
	}
	assertBalance(test, store, accountIDValue, "0")
	if len(store.entriesFor(mustAccountID(test, accountIDValue))) != 0 {
		test.Fatalf("expected no entries")
	}
}

func TestSettleFailureAfterSuccessIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	service := mustNewService(test, store)
	request := SettlementRequest{Reference: mustReference(test, intentReferenceValue)}

	if _, err := service.SettleSuccess(context.Background(), request); err != nil {
		test.Fatalf("settle success: %v", err)
	}
	result, err := service.SettleFailure(context.Background(), request)
	if err != nil {
		test.Fatalf("settle failure: %v", err)
	}
	if !result.AlreadySettled || result.Payment.Status != PaymentCompleted {
		test.Fatalf("expected completed payment untouched, got %+v", result)
	}
	assertBalance(test, store, accountIDValue, "100")
}

func TestSettleSuccessMissingAccountIsInconsistent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	service := mustNewService(test, store)
	_, err := service.SettleSuccess(context.Background(), SettlementRequest{Reference: mustReference(test, intentReferenceValue)})
	if !errors.Is(err, ErrInconsistentState) {
		test.Fatalf("expected ErrInconsistentState, got %v", err)
	}
}

func TestSettleSuccessRejectsInvalidMetadata(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	store.seedPayment(test, accountIDValue, intentReferenceValue, map[string]string{"plan": "gold"}, fixedNow)
	service := mustNewService(test, store)
	_, err := service.SettleSuccess(context.Background(), SettlementRequest{Reference: mustReference(test, intentReferenceValue)})
	if !errors.Is(err, ErrInvalidMetadata) || !errors.Is(err, ErrInconsistentState) {
		test.Fatalf("expected ErrInvalidMetadata and ErrInconsistentState, got %v", err)
	}
	assertBalance(test, store, accountIDValue, "0")
}

func TestSettleSuccessChecksStatusBeforeMetadata(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "100")
	payment := store.seedPayment(test, accountIDValue, intentReferenceValue, map[string]string{"plan": "gold"}, fixedNow)
	payment.Status = PaymentCompleted
	store.root.data.payments[payment.ID.String()] = payment
	service := mustNewService(test, store)

	result, err := service.SettleSuccess(context.Background(), SettlementRequest{Reference: mustReference(test, intentReferenceValue)})
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if result.Outcome() != OutcomeAlreadySettled {
		test.Fatalf("expected already settled, got %q", result.Outcome())
	}
}

func TestSettleSuccessRejectsOtherMode(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		mode        Mode
		wantOutcome string
		wantBalance string
	}{
		{name: "matching mode", mode: ModeSandbox, wantOutcome: OutcomeSettled, wantBalance: "100"},
		{name: "other mode", mode: ModeLive, wantOutcome: OutcomeUnknownPayment, wantBalance: "0"},
		{name: "unspecified mode", wantOutcome: OutcomeSettled, wantBalance: "100"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			store.seedAccount(test, accountIDValue, "0")
			store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
			service := mustNewService(test, store)

			result, err := service.SettleSuccess(context.Background(), SettlementRequest{
				Reference: mustReference(test, intentReferenceValue),
				Mode:      testCase.mode,
			})
			if err != nil {
				test.Fatalf("settle: %v", err)
			}
			if result.Outcome() != testCase.wantOutcome {
				test.Fatalf("expected %q, got %q", testCase.wantOutcome, result.Outcome())
			}
			assertBalance(test, store, accountIDValue, testCase.wantBalance)
		})
	}
}

func TestSettleSuccessRollsBackOnPartialFailure(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		method string
	}{
		{name: "entry insert fails", method: stubMethodInsertEntry},
		{name: "invoice insert fails", method: stubMethodInsertInvoice},
		{name: "status flip fails", method: stubMethodTransitionPayment},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			store.seedAccount(test, accountIDValue, "0")
			payment := store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
			store.failOn(testCase.method, errStoreFailure)
			service := mustNewService(test, store)

			_, err := service.SettleSuccess(context.Background(), SettlementRequest{Reference: mustReference(test, intentReferenceValue)})
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf("expected store failure, got %v", err)
			}
			stored, err := store.GetPayment(context.Background(), payment.ID)
			if err != nil {
				test.Fatalf("get payment: %v", err)
			}
			if stored.Status != PaymentPending {
				test.Fatalf("expected pending payment after rollback, got %s", stored.Status)
			}
			assertBalance(test, store, accountIDValue, "0")
			if store.invoiceCount() != 0 || len(store.entriesFor(payment.AccountID)) != 0 {
				test.Fatalf("expected no partial writes")
			}
		})
	}
}

func TestConcurrentSettlementCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	service := mustNewService(test, store)
	request := SettlementRequest{Reference: mustReference(test, intentReferenceValue)}

	var waitGroup sync.WaitGroup
	results := make([]SettlementResult, settleWorkers)
	errs := make([]error, settleWorkers)
	for worker := 0; worker < settleWorkers; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			results[worker], errs[worker] = service.SettleSuccess(context.Background(), request)
		}(worker)
	}
	waitGroup.Wait()

	fresh := 0
	for worker := 0; worker < settleWorkers; worker++ {
		if errs[worker] != nil {
			test.Fatalf("worker %d: %v", worker, errs[worker])
		}
		if !results[worker].AlreadySettled {
			fresh++
		}
	}
	if fresh != 1 {
		test.Fatalf("expected exactly one fresh settlement, got %d", fresh)
	}
	if len(store.entriesFor(mustAccountID(test, accountIDValue))) != 1 || store.invoiceCount() != 1 {
		test.Fatalf("expected one entry and one invoice")
	}
	assertBalance(test, store, accountIDValue, "100")
}

func TestConcurrentSuccessAndFailureExactlyOneWins(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	service := mustNewService(test, store)
	request := SettlementRequest{Reference: mustReference(test, intentReferenceValue)}

	var waitGroup sync.WaitGroup
	var successResult, failureResult SettlementResult
	var successErr, failureErr error
	waitGroup.Add(2)
	go func() {
		defer waitGroup.Done()
		successResult, successErr = service.SettleSuccess(context.Background(), request)
	}()
	go func() {
		defer waitGroup.Done()
		failureResult, failureErr = service.SettleFailure(context.Background(), request)
	}()
	waitGroup.Wait()
	if successErr != nil || failureErr != nil {
		test.Fatalf("unexpected errors: %v %v", successErr, failureErr)
	}
	if successResult.AlreadySettled == failureResult.AlreadySettled {
		test.Fatalf("expected exactly one winner, got %+v and %+v", successResult, failureResult)
	}
	entries := store.entriesFor(mustAccountID(test, accountIDValue))
	if successResult.AlreadySettled {
		assertBalance(test, store, accountIDValue, "0")
		if len(entries) != 0 {
			test.Fatalf("expected no entries when failure wins")
		}
		return
	}
	assertBalance(test, store, accountIDValue, "100")
	if len(entries) != 1 {
		test.Fatalf("expected one entry when success wins")
	}
}

func TestSettleSuccessReconcilesSessionReference(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	payment := store.seedPayment(test, accountIDValue, sessionReferenceValue, sandboxMetadata(FlowRedirect), fixedNow)
	service := mustNewService(test, store)

	result, err := service.SettleSuccess(context.Background(), SettlementRequest{
		Reference:           mustReference(test, sessionReferenceValue),
		ReconciledReference: mustReference(test, intentReferenceValue),
	})
	if err != nil {
		test.Fatalf("settle success: %v", err)
	}
	if result.Payment.ProviderReference.String() != intentReferenceValue {
		test.Fatalf("expected reconciled reference, got %s", result.Payment.ProviderReference)
	}
	stored, err := store.GetPaymentByReference(context.Background(), mustReference(test, intentReferenceValue))
	if err != nil || stored.ID != payment.ID {
		test.Fatalf("expected payment by intent reference, got %+v %v", stored, err)
	}
	metadata, err := ParsePaymentMetadata(stored.Metadata)
	if err != nil || metadata.CheckoutSessionID != sessionReferenceValue {
		test.Fatalf("expected checkout session recorded, got %+v %v", metadata, err)
	}
}

func TestSettleSuccessFallsBackToPaymentID(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	payment := store.seedPayment(test, accountIDValue, sessionReferenceValue, sandboxMetadata(FlowRedirect), fixedNow)
	service := mustNewService(test, store)

	result, err := service.SettleSuccess(context.Background(), SettlementRequest{
		Reference: mustReference(test, intentReferenceValue),
		PaymentID: payment.ID,
	})
	if err != nil {
		test.Fatalf("settle success: %v", err)
	}
	if result.AlreadySettled || result.Payment.ProviderReference.String() != intentReferenceValue {
		test.Fatalf("expected settlement with reconciled reference, got %+v", result)
	}

	again, err := service.SettleSuccess(context.Background(), SettlementRequest{
		Reference: mustReference(test, sessionReferenceValue),
		PaymentID: payment.ID,
	})
	if err != nil {
		test.Fatalf("settle again: %v", err)
	}
	if !again.AlreadySettled {
		test.Fatalf("expected already settled, got %+v", again)
	}
	assertBalance(test, store, accountIDValue, "100")
}

func TestSettlementLogsOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, accountIDValue, "0")
	store.seedPayment(test, accountIDValue, intentReferenceValue, sandboxMetadata(FlowClientSecret), fixedNow)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	request := SettlementRequest{Reference: mustReference(test, intentReferenceValue)}
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.SettleSuccess(context.Background(), request); err != nil {
			test.Fatalf("settle: %v", err)
		}
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[0].Outcome != OutcomeSettled || logger.entries[1].Outcome != OutcomeAlreadySettled {
		test.Fatalf("unexpected outcomes %+v", logger.entries)
	}
	if logger.entries[0].Amount != "100.00" || logger.entries[0].AccountID.String() != accountIDValue {
		test.Fatalf("unexpected log entry %+v", logger.entries[0])
	}
}
