package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const (
	accountIDValue      = "acct-1"
	otherAccountIDValue = "acct-2"
	accountEmailValue   = "buyer@example.com"
	accountNameValue    = "Dana Buyer"
	accountAddressValue = "1 Market St"
	packageIDValue      = "pkg-starter"
	packageNameValue    = "Starter"
	currencyValue       = "USD"

	stubMethodLockAccount       = "LockAccount"
	stubMethodInsertEntry       = "InsertEntry"
	stubMethodInsertInvoice     = "InsertInvoice"
	stubMethodCreatePayment     = "CreatePayment"
	stubMethodGetAccount        = "GetAccount"
	stubMethodTransitionPayment = "TransitionPayment"
)

var (
	fixedNow         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errStoreFailure  = errors.New("store failure")
	errLockOutsideTx = errors.New("lock requested outside transaction")
)

type stubData struct {
	accounts map[string]Account
	entries  []Entry
	payments map[string]Payment
	invoices map[string]Invoice
	packages map[string]TokenPackage
	events   map[string]*stubEvent
	sessions map[string]string
}

type stubEvent struct {
	record    WebhookEventRecord
	processed bool
	outcome   string
}

func (data stubData) clone() stubData {
	cloned := stubData{
		accounts: make(map[string]Account, len(data.accounts)),
		entries:  append([]Entry(nil), data.entries...),
		payments: make(map[string]Payment, len(data.payments)),
		invoices: make(map[string]Invoice, len(data.invoices)),
		packages: make(map[string]TokenPackage, len(data.packages)),
		events:   make(map[string]*stubEvent, len(data.events)),
		sessions: make(map[string]string, len(data.sessions)),
	}
	for key, value := range data.sessions {
		cloned.sessions[key] = value
	}
	for key, value := range data.accounts {
		cloned.accounts[key] = value
	}
	for key, value := range data.payments {
		cloned.payments[key] = value
	}
	for key, value := range data.invoices {
		cloned.invoices[key] = value
	}
	for key, value := range data.packages {
		cloned.packages[key] = value
	}
	for key, value := range data.events {
		copied := *value
		cloned.events[key] = &copied
	}
	return cloned
}

type stubRoot struct {
	txMutex  sync.Mutex
	mutex    sync.Mutex
	data     stubData
	failures map[string]error
	writes   int
}

// stubStore is an in-memory Store; WithTx serializes transactions and rolls back on error.
type stubStore struct {
	root *stubRoot
	inTx bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{root: &stubRoot{
		data: stubData{
			accounts: map[string]Account{},
			payments: map[string]Payment{},
			invoices: map[string]Invoice{},
			packages: map[string]TokenPackage{},
			events:   map[string]*stubEvent{},
			sessions: map[string]string{},
		},
		failures: map[string]error{},
	}}
}

func (store *stubStore) failOn(method string, err error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	store.root.failures[method] = err
}

func (store *stubStore) failure(method string) error {
	return store.root.failures[method]
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.root.txMutex.Lock()
	defer store.root.txMutex.Unlock()

	store.root.mutex.Lock()
	snapshot := store.root.data.clone()
	store.root.mutex.Unlock()

	if err := fn(ctx, &stubStore{root: store.root, inTx: true}); err != nil {
		store.root.mutex.Lock()
		store.root.data = snapshot
		store.root.mutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) CreateAccount(_ context.Context, profile AccountProfile, at time.Time) (Account, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	if existing, ok := store.root.data.accounts[profile.ID.String()]; ok {
		return existing, nil
	}
	account := Account{
		ID:             profile.ID,
		Email:          profile.Email,
		DisplayName:    profile.DisplayName,
		BillingAddress: profile.BillingAddress,
		Balance:        decimal.Zero,
		IsActive:       true,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	store.root.data.accounts[profile.ID.String()] = account
	store.root.writes++
	return account, nil
}

func (store *stubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	if err := store.failure(stubMethodGetAccount); err != nil {
		return Account{}, err
	}
	account, ok := store.root.data.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) LockAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if !store.inTx {
		return Account{}, errLockOutsideTx
	}
	store.root.mutex.Lock()
	failure := store.failure(stubMethodLockAccount)
	store.root.mutex.Unlock()
	if failure != nil {
		return Account{}, failure
	}
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) UpdateAccountBalance(_ context.Context, accountID AccountID, balance decimal.Decimal, at time.Time) error {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	account, ok := store.root.data.accounts[accountID.String()]
	if !ok {
		return ErrUnknownAccount
	}
	account.Balance = balance
	account.UpdatedAt = at
	store.root.data.accounts[accountID.String()] = account
	store.root.writes++
	return nil
}

func (store *stubStore) SetCustomerReference(_ context.Context, accountID AccountID, mode Mode, reference string, at time.Time) (bool, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	account, ok := store.root.data.accounts[accountID.String()]
	if !ok {
		return false, ErrUnknownAccount
	}
	if account.CustomerReference(mode) != "" {
		return false, nil
	}
	if mode == ModeLive {
		account.LiveCustomerRef = reference
	} else {
		account.SandboxCustomerRef = reference
	}
	account.UpdatedAt = at
	store.root.data.accounts[accountID.String()] = account
	store.root.writes++
	return true, nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	if err := store.failure(stubMethodInsertEntry); err != nil {
		return err
	}
	for _, existing := range store.root.data.entries {
		if existing.AccountID == entry.AccountID && existing.Kind == entry.Kind && existing.ReferenceID == entry.ReferenceID {
			return ErrDuplicateEntry
		}
	}
	store.root.data.entries = append(store.root.data.entries, entry)
	store.root.writes++
	return nil
}

func (store *stubStore) ListEntries(_ context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	var entries []Entry
	for index := len(store.root.data.entries) - 1; index >= 0; index-- {
		entry := store.root.data.entries[index]
		if entry.AccountID == accountID && entry.CreatedAt.Before(before) {
			entries = append(entries, entry)
		}
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (store *stubStore) SumEntries(_ context.Context, accountID AccountID) (decimal.Decimal, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	total := decimal.Zero
	for _, entry := range store.root.data.entries {
		if entry.AccountID == accountID {
			total = total.Add(entry.SignedAmount())
		}
	}
	return total, nil
}

func (store *stubStore) CreatePayment(_ context.Context, payment Payment) error {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	if err := store.failure(stubMethodCreatePayment); err != nil {
		return err
	}
	for _, existing := range store.root.data.payments {
		if existing.ProviderReference == payment.ProviderReference {
			return fmt.Errorf("duplicate provider reference %s", payment.ProviderReference)
		}
	}
	store.root.data.payments[payment.ID.String()] = payment
	store.root.writes++
	return nil
}

func (store *stubStore) GetPayment(_ context.Context, paymentID PaymentID) (Payment, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	payment, ok := store.root.data.payments[paymentID.String()]
	if !ok {
		return Payment{}, ErrUnknownPayment
	}
	return payment, nil
}

func (store *stubStore) GetPaymentByReference(_ context.Context, reference ProviderReference) (Payment, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	for _, payment := range store.root.data.payments {
		if payment.ProviderReference == reference {
			return payment, nil
		}
	}
	if paymentID, ok := store.root.data.sessions[reference.String()]; ok {
		return store.root.data.payments[paymentID], nil
	}
	return Payment{}, ErrUnknownPayment
}

func (store *stubStore) TransitionPayment(_ context.Context, transition PaymentTransition) error {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	if err := store.failure(stubMethodTransitionPayment); err != nil {
		return err
	}
	payment, ok := store.root.data.payments[transition.PaymentID.String()]
	if !ok || payment.Status != transition.From {
		return ErrAlreadySettled
	}
	payment.Status = transition.To
	payment.UpdatedAt = transition.At
	if transition.ChargeReference != "" {
		payment.ProviderChargeReference = transition.ChargeReference
	}
	if !transition.Reference.IsZero() {
		payment.ProviderReference = transition.Reference
	}
	if !transition.SessionReference.IsZero() {
		store.root.data.sessions[transition.SessionReference.String()] = payment.ID.String()
	}
	if transition.Metadata != nil {
		payment.Metadata = transition.Metadata
	}
	store.root.data.payments[transition.PaymentID.String()] = payment
	store.root.writes++
	return nil
}

func (store *stubStore) ListPendingPayments(_ context.Context, createdBefore time.Time, limit int) ([]Payment, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	var pending []Payment
	for _, payment := range store.root.data.payments {
		if payment.Status == PaymentPending && payment.CreatedAt.Before(createdBefore) {
			pending = append(pending, payment)
		}
	}
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].CreatedAt.Before(pending[right].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (store *stubStore) InsertInvoice(_ context.Context, invoice Invoice) error {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	if err := store.failure(stubMethodInsertInvoice); err != nil {
		return err
	}
	for _, existing := range store.root.data.invoices {
		if existing.PaymentID == invoice.PaymentID {
			return fmt.Errorf("duplicate invoice for payment %s", invoice.PaymentID)
		}
	}
	store.root.data.invoices[invoice.ID.String()] = invoice
	store.root.writes++
	return nil
}

func (store *stubStore) GetInvoice(_ context.Context, invoiceID InvoiceID) (Invoice, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	invoice, ok := store.root.data.invoices[invoiceID.String()]
	if !ok {
		return Invoice{}, ErrUnknownInvoice
	}
	return invoice, nil
}

func (store *stubStore) GetInvoiceByPayment(_ context.Context, paymentID PaymentID) (Invoice, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	for _, invoice := range store.root.data.invoices {
		if invoice.PaymentID == paymentID {
			return invoice, nil
		}
	}
	return Invoice{}, ErrUnknownInvoice
}

func (store *stubStore) CreatePackage(_ context.Context, tokenPackage TokenPackage) error {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	store.root.data.packages[tokenPackage.ID.String()] = tokenPackage
	store.root.writes++
	return nil
}

func (store *stubStore) GetPackage(_ context.Context, packageID PackageID) (TokenPackage, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	tokenPackage, ok := store.root.data.packages[packageID.String()]
	if !ok {
		return TokenPackage{}, ErrUnknownPackage
	}
	return tokenPackage, nil
}

func (store *stubStore) FindCustomPackage(_ context.Context, tokenAmount PositiveAmount, price PositiveAmount, currency Currency) (TokenPackage, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	for _, tokenPackage := range store.root.data.packages {
		if tokenPackage.IsCustom &&
			tokenPackage.TokenAmount.Decimal().Equal(tokenAmount.Decimal()) &&
			tokenPackage.Price.Decimal().Equal(price.Decimal()) &&
			tokenPackage.Currency == currency {
			return tokenPackage, nil
		}
	}
	return TokenPackage{}, ErrUnknownPackage
}

func (store *stubStore) ListActivePackages(_ context.Context) ([]TokenPackage, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	var packages []TokenPackage
	for _, tokenPackage := range store.root.data.packages {
		if tokenPackage.IsActive {
			packages = append(packages, tokenPackage)
		}
	}
	return packages, nil
}

func (store *stubStore) RecordWebhookEvent(_ context.Context, record WebhookEventRecord) (bool, error) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	key := record.Provider + ":" + record.EventID
	if existing, ok := store.root.data.events[key]; ok {
		return existing.processed, nil
	}
	store.root.data.events[key] = &stubEvent{record: record}
	store.root.writes++
	return false, nil
}

func (store *stubStore) MarkWebhookEventProcessed(_ context.Context, provider string, eventID string, outcome string, _ time.Time) error {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	event, ok := store.root.data.events[provider+":"+eventID]
	if !ok {
		return fmt.Errorf("unknown event %s", eventID)
	}
	event.processed = true
	event.outcome = outcome
	store.root.writes++
	return nil
}

func (store *stubStore) entriesFor(accountID AccountID) []Entry {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	var entries []Entry
	for _, entry := range store.root.data.entries {
		if entry.AccountID == accountID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (store *stubStore) invoiceCount() int {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	return len(store.root.data.invoices)
}

func (store *stubStore) writeCount() int {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	return store.root.writes
}

func (store *stubStore) eventOutcome(eventID string) (string, bool) {
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	event, ok := store.root.data.events[Provider+":"+eventID]
	if !ok {
		return "", false
	}
	return event.outcome, event.processed
}

func (store *stubStore) seedAccount(test *testing.T, id string, balance string) Account {
	test.Helper()
	account := Account{
		ID:             mustAccountID(test, id),
		Email:          accountEmailValue,
		DisplayName:    accountNameValue,
		BillingAddress: accountAddressValue,
		Balance:        decimal.RequireFromString(balance),
		IsActive:       true,
		CreatedAt:      fixedNow,
		UpdatedAt:      fixedNow,
	}
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	store.root.data.accounts[id] = account
	return account
}

func (store *stubStore) seedPackage(test *testing.T, active bool) TokenPackage {
	test.Helper()
	tokenPackage := TokenPackage{
		ID:          mustPackageID(test, packageIDValue),
		Name:        packageNameValue,
		TokenAmount: mustAmount(test, "100"),
		Price:       mustAmount(test, "9.99"),
		Currency:    mustCurrency(test, currencyValue),
		IsActive:    active,
		CreatedAt:   fixedNow,
	}
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	store.root.data.packages[packageIDValue] = tokenPackage
	return tokenPackage
}

func (store *stubStore) seedPayment(test *testing.T, accountID string, reference string, metadata map[string]string, createdAt time.Time) Payment {
	test.Helper()
	payment := Payment{
		ID:                GeneratePaymentID(),
		AccountID:         mustAccountID(test, accountID),
		PackageID:         mustPackageID(test, packageIDValue),
		Amount:            mustAmount(test, "9.99"),
		Currency:          mustCurrency(test, currencyValue),
		TokenAmount:       mustAmount(test, "100"),
		Status:            PaymentPending,
		ProviderReference: mustReference(test, reference),
		Metadata:          metadata,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
	store.root.mutex.Lock()
	defer store.root.mutex.Unlock()
	store.root.data.payments[payment.ID.String()] = payment
	return payment
}

type stubGateway struct {
	mutex         sync.Mutex
	sequence      int
	intents       map[string]IntentState
	sessions      map[string]SessionState
	event         Event
	verifyError   error
	createError   error
	retrieveError error
	customerCalls int
	intentCalls   []IntentRequest
	sessionCalls  []SessionRequest
	retrieveCalls int
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		intents:  map[string]IntentState{},
		sessions: map[string]SessionState{},
	}
}

func (gateway *stubGateway) next(prefix string) string {
	gateway.sequence++
	return fmt.Sprintf("%s_%d", prefix, gateway.sequence)
}

func (gateway *stubGateway) CreateCustomer(_ context.Context, _ Mode, _ CustomerRequest) (CustomerResult, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.createError != nil {
		return CustomerResult{}, gateway.createError
	}
	gateway.customerCalls++
	return CustomerResult{Reference: gateway.next("cus")}, nil
}

func (gateway *stubGateway) CreatePaymentIntent(_ context.Context, _ Mode, request IntentRequest) (IntentResult, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.createError != nil {
		return IntentResult{}, gateway.createError
	}
	gateway.intentCalls = append(gateway.intentCalls, request)
	reference := gateway.next("pi")
	return IntentResult{Reference: ProviderReference{value: reference}, ClientSecret: reference + "_secret"}, nil
}

func (gateway *stubGateway) CreateCheckoutSession(_ context.Context, _ Mode, request SessionRequest) (SessionResult, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.createError != nil {
		return SessionResult{}, gateway.createError
	}
	gateway.sessionCalls = append(gateway.sessionCalls, request)
	reference := gateway.next("cs")
	return SessionResult{Reference: ProviderReference{value: reference}, URL: "https://checkout.example/" + reference}, nil
}

func (gateway *stubGateway) RetrieveIntent(_ context.Context, _ Mode, reference ProviderReference) (IntentState, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.retrieveCalls++
	if gateway.retrieveError != nil {
		return IntentState{}, gateway.retrieveError
	}
	state, ok := gateway.intents[reference.String()]
	if !ok {
		return IntentState{}, &GatewayError{Operation: "retrieve_intent", StatusCode: 404, Message: "no such intent"}
	}
	return state, nil
}

func (gateway *stubGateway) RetrieveCheckoutSession(_ context.Context, _ Mode, reference ProviderReference) (SessionState, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.retrieveCalls++
	if gateway.retrieveError != nil {
		return SessionState{}, gateway.retrieveError
	}
	state, ok := gateway.sessions[reference.String()]
	if !ok {
		return SessionState{}, &GatewayError{Operation: "retrieve_session", StatusCode: 404, Message: "no such session"}
	}
	return state, nil
}

func (gateway *stubGateway) VerifyWebhook(_ context.Context, mode Mode, _ []byte, _ string) (Event, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.verifyError != nil {
		return Event{}, gateway.verifyError
	}
	event := gateway.event
	event.Mode = mode
	return event, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations() []string {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	operations := make([]string, 0, len(logger.entries))
	for _, entry := range logger.entries {
		operations = append(operations, entry.Operation)
	}
	return operations
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustNewPaymentService(test *testing.T, service *Service, gateway Gateway) *PaymentService {
	test.Helper()
	payments, err := NewPaymentService(service, gateway, CheckoutURLs{
		SuccessURL: "https://app.example/success",
		CancelURL:  "https://app.example/cancel",
	})
	if err != nil {
		test.Fatalf("payment service init failed: %v", err)
	}
	return payments
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustPackageID(test *testing.T, raw string) PackageID {
	test.Helper()
	packageID, err := NewPackageID(raw)
	if err != nil {
		test.Fatalf("package id: %v", err)
	}
	return packageID
}

func mustAmount(test *testing.T, raw string) PositiveAmount {
	test.Helper()
	amount, err := ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	currency, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	return currency
}

func mustReference(test *testing.T, raw string) ProviderReference {
	test.Helper()
	reference, err := NewProviderReference(raw)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return reference
}

func sandboxMetadata(flow Flow) map[string]string {
	return PaymentMetadata{Mode: ModeSandbox, Flow: flow, PackageID: packageIDValue}.Map()
}

func assertBalance(test *testing.T, store *stubStore, accountID string, want string) {
	test.Helper()
	account, err := store.GetAccount(context.Background(), mustAccountID(test, accountID))
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString(want)) {
		test.Fatalf("expected balance %s, got %s", want, account.Balance)
	}
}
