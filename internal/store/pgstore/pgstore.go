package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintEntryReference  = "uniq_entry_reference"
	pgUniqueViolationCode     = "23505"
	defaultJSONObject         = "{}"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectBalance       = "balance"
	errorSubjectEntry         = "entry"
	errorSubjectPayment       = "payment"
	errorSubjectInvoice       = "invoice"
	errorSubjectPackage       = "package"
	errorSubjectWebhook       = "webhook_event"
	errorSubjectTransaction   = "transaction"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeSum              = "sum"
	errorCodeTransition       = "transition"
	errorCodeUpdate           = "update"
	errorCodeMarkProcessed    = "mark_processed"
	sqlAccountColumns         = `account_id, email, display_name, billing_address, balance::text, is_active, coalesce(sandbox_customer_ref,''), coalesce(live_customer_ref,''), created_at, updated_at`
	sqlPaymentColumns         = `payment_id, account_id, coalesce(package_id,''), amount::text, currency, token_amount::text, status, provider_reference, coalesce(provider_charge_reference,''), metadata::text, created_at, updated_at`
	sqlInvoiceColumns         = `invoice_id, account_id, payment_id, invoice_number, status, amount::text, currency, token_amount::text, billing_name, billing_email, billing_address, issued_at`
	sqlPackageColumns         = `package_id, name, token_amount::text, price::text, currency, is_active, is_custom, created_at`
	sqlSelectAccount          = `select ` + sqlAccountColumns + ` from accounts where account_id = $1`
	sqlLockAccount            = sqlSelectAccount + ` for update`
	sqlSelectPaymentByID      = `select ` + sqlPaymentColumns + ` from payments where payment_id = $1`
	sqlSelectPaymentByRef     = `select ` + sqlPaymentColumns + ` from payments where provider_reference = $1 or checkout_session_reference = $1`
	sqlSelectInvoiceByID      = `select ` + sqlInvoiceColumns + ` from invoices where invoice_id = $1`
	sqlSelectInvoiceByPayment = `select ` + sqlInvoiceColumns + ` from invoices where payment_id = $1`
	sqlSelectPackage          = `select ` + sqlPackageColumns + ` from token_packages where package_id = $1`
	sqlSetSandboxCustomer     = `update accounts set sandbox_customer_ref = $2, updated_at = $3 where account_id = $1 and sandbox_customer_ref is null`
	sqlSetLiveCustomer        = `update accounts set live_customer_ref = $2, updated_at = $3 where account_id = $1 and live_customer_ref is null`
	sqlUpdateAccountBalance   = `update accounts set balance = $2::numeric, updated_at = $3 where account_id = $1`
	sqlMarkWebhookProcessed   = `update webhook_events set processed_at = $3, outcome = $4 where provider = $1 and provider_event_id = $2`
	sqlSelectWebhookProcessed = `select processed_at is not null from webhook_events where provider = $1 and provider_event_id = $2`
	sqlListActivePackages     = `select ` + sqlPackageColumns + ` from token_packages where is_active order by price asc`
	sqlFindCustomPackage      = `select ` + sqlPackageColumns + ` from token_packages where is_custom and token_amount = $1::numeric and price = $2::numeric and currency = $3 order by created_at asc limit 1`
	sqlListPendingPayments    = `select ` + sqlPaymentColumns + ` from payments where status = 'pending' and created_at < $1 order by created_at asc limit $2`
	sqlSumSignedEntries       = `select coalesce(sum(case when kind in ('usage','refund') then -amount else amount end),0)::text from ledger_entries where account_id = $1`

	sqlInsertAccount = `
		insert into accounts(account_id, email, display_name, billing_address, balance, is_active, created_at, updated_at)
		values($1, $2, $3, $4, 0, true, $5, $5)
		on conflict (account_id) do nothing
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, kind, amount, balance_before, balance_after, description, reference_id, created_at
		)
		values($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)
	`

	sqlListEntriesBefore = `
		select entry_id, account_id, kind, amount::text, balance_before::text, balance_after::text, description, reference_id, created_at
		from ledger_entries
		where account_id = $1 and created_at < $2
		order by created_at desc, entry_id desc
		limit $3
	`

	sqlInsertPayment = `
		insert into payments(
			payment_id, account_id, package_id, amount, currency, token_amount, status,
			provider_reference, metadata, created_at, updated_at
		)
		values($1, $2, nullif($3,''), $4::numeric, $5, $6::numeric, $7, $8, $9::jsonb, $10, $11)
	`

	sqlTransitionPayment = `
		update payments
		set status = $3,
			updated_at = $4,
			provider_charge_reference = coalesce(nullif($5,''), provider_charge_reference),
			provider_reference = coalesce(nullif($6,''), provider_reference),
			metadata = coalesce(nullif($7,'')::jsonb, metadata),
			checkout_session_reference = coalesce(nullif($8,''), checkout_session_reference)
		where payment_id = $1 and status = $2
	`

	sqlInsertInvoice = `
		insert into invoices(
			invoice_id, account_id, payment_id, invoice_number, status, amount, currency, token_amount,
			billing_name, billing_email, billing_address, issued_at, created_at
		)
		values($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9, $10, $11, $12, $12)
	`

	sqlInsertPackage = `
		insert into token_packages(package_id, name, token_amount, price, currency, is_active, is_custom, created_at)
		values($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8)
	`

	sqlInsertWebhookEvent = `
		insert into webhook_events(webhook_event_id, provider, provider_event_id, event_type, mode, payload, received_at)
		values($1, $2, $3, $4, $5, $6::jsonb, $7)
		on conflict (provider, provider_event_id) do nothing
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
// Inside WithTx the same type is bound to the open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, profile ledger.AccountProfile, at time.Time) (ledger.Account, error) {
	_, err := store.db.Exec(ctx, sqlInsertAccount, profile.ID.String(), profile.Email, profile.DisplayName, profile.BillingAddress, at)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, profile.ID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount, accountID, errorCodeGet)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.selectAccount(ctx, sqlLockAccount, accountID, errorCodeLock)
}

func (store *Store) selectAccount(ctx context.Context, query string, accountID ledger.AccountID, code string) (ledger.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, query, accountID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	return account, nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID ledger.AccountID, balance decimal.Decimal, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccountBalance, accountID.String(), balance.String(), at)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) SetCustomerReference(ctx context.Context, accountID ledger.AccountID, mode ledger.Mode, reference string, at time.Time) (bool, error) {
	query := sqlSetSandboxCustomer
	if mode == ledger.ModeLive {
		query = sqlSetLiveCustomer
	}
	tag, err := store.db.Exec(ctx, query, accountID.String(), reference, at)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := store.GetAccount(ctx, accountID); err != nil {
		return false, err
	}
	return false, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.ID.String(),
		entry.AccountID.String(),
		entry.Kind.String(),
		entry.Amount.Decimal().String(),
		entry.BalanceBefore.String(),
		entry.BalanceAfter.String(),
		entry.Description,
		entry.ReferenceID,
		entry.CreatedAt,
	)
	if isConstraintViolation(err, constraintEntryReference) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, before time.Time, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, accountID.String(), before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]ledger.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (decimal.Decimal, error) {
	var total string
	if err := store.db.QueryRow(ctx, sqlSumSignedEntries, accountID.String()).Scan(&total); err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	sum, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return sum, nil
}

func (store *Store) CreatePayment(ctx context.Context, payment ledger.Payment) error {
	metadata, err := encodeMetadata(payment.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertPayment,
		payment.ID.String(),
		payment.AccountID.String(),
		payment.PackageID.String(),
		payment.Amount.Decimal().String(),
		payment.Currency.String(),
		payment.TokenAmount.Decimal().String(),
		payment.Status.String(),
		payment.ProviderReference.String(),
		metadata,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if isConstraintViolation(err, "") {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPayment(ctx context.Context, paymentID ledger.PaymentID) (ledger.Payment, error) {
	return store.selectPayment(ctx, sqlSelectPaymentByID, paymentID.String())
}

func (store *Store) GetPaymentByReference(ctx context.Context, reference ledger.ProviderReference) (ledger.Payment, error) {
	return store.selectPayment(ctx, sqlSelectPaymentByRef, reference.String())
}

func (store *Store) selectPayment(ctx context.Context, query string, value string) (ledger.Payment, error) {
	payment, err := scanPayment(store.db.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrUnknownPayment)
		}
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return payment, nil
}

func (store *Store) TransitionPayment(ctx context.Context, transition ledger.PaymentTransition) error {
	metadata := ""
	if transition.Metadata != nil {
		encoded, err := encodeMetadata(transition.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		metadata = encoded
	}
	tag, err := store.db.Exec(ctx, sqlTransitionPayment,
		transition.PaymentID.String(),
		transition.From.String(),
		transition.To.String(),
		transition.At,
		transition.ChargeReference,
		transition.Reference.String(),
		metadata,
		transition.SessionReference.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeTransition, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeTransition, ledger.ErrAlreadySettled)
	}
	return nil
}

func (store *Store) ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]ledger.Payment, error) {
	rows, err := store.db.Query(ctx, sqlListPendingPayments, createdBefore, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	defer rows.Close()
	payments := make([]ledger.Payment, 0, limit)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	return payments, nil
}

func (store *Store) InsertInvoice(ctx context.Context, invoice ledger.Invoice) error {
	_, err := store.db.Exec(ctx, sqlInsertInvoice,
		invoice.ID.String(),
		invoice.AccountID.String(),
		invoice.PaymentID.String(),
		invoice.Number,
		string(invoice.Status),
		invoice.Amount.Decimal().String(),
		invoice.Currency.String(),
		invoice.TokenAmount.Decimal().String(),
		invoice.BillingName,
		invoice.BillingEmail,
		invoice.BillingAddress,
		invoice.IssuedAt,
	)
	if isConstraintViolation(err, "") {
		return wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetInvoice(ctx context.Context, invoiceID ledger.InvoiceID) (ledger.Invoice, error) {
	return store.selectInvoice(ctx, sqlSelectInvoiceByID, invoiceID.String())
}

func (store *Store) GetInvoiceByPayment(ctx context.Context, paymentID ledger.PaymentID) (ledger.Invoice, error) {
	return store.selectInvoice(ctx, sqlSelectInvoiceByPayment, paymentID.String())
}

func (store *Store) selectInvoice(ctx context.Context, query string, value string) (ledger.Invoice, error) {
	invoice, err := scanInvoice(store.db.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, ledger.ErrUnknownInvoice)
		}
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, err)
	}
	return invoice, nil
}

func (store *Store) CreatePackage(ctx context.Context, tokenPackage ledger.TokenPackage) error {
	_, err := store.db.Exec(ctx, sqlInsertPackage,
		tokenPackage.ID.String(),
		tokenPackage.Name,
		tokenPackage.TokenAmount.Decimal().String(),
		tokenPackage.Price.Decimal().String(),
		tokenPackage.Currency.String(),
		tokenPackage.IsActive,
		tokenPackage.IsCustom,
		tokenPackage.CreatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPackage, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPackage(ctx context.Context, packageID ledger.PackageID) (ledger.TokenPackage, error) {
	return store.selectPackage(ctx, sqlSelectPackage, packageID.String())
}

func (store *Store) FindCustomPackage(ctx context.Context, tokenAmount ledger.PositiveAmount, price ledger.PositiveAmount, currency ledger.Currency) (ledger.TokenPackage, error) {
	return store.selectPackage(ctx, sqlFindCustomPackage, tokenAmount.Decimal().String(), price.Decimal().String(), currency.String())
}

func (store *Store) selectPackage(ctx context.Context, query string, arguments ...any) (ledger.TokenPackage, error) {
	tokenPackage, err := scanPackage(store.db.QueryRow(ctx, query, arguments...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrUnknownPackage)
		}
		return ledger.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return tokenPackage, nil
}

func (store *Store) ListActivePackages(ctx context.Context) ([]ledger.TokenPackage, error) {
	rows, err := store.db.Query(ctx, sqlListActivePackages)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	defer rows.Close()
	var packages []ledger.TokenPackage
	for rows.Next() {
		tokenPackage, err := scanPackage(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
		}
		packages = append(packages, tokenPackage)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	return packages, nil
}

func (store *Store) RecordWebhookEvent(ctx context.Context, record ledger.WebhookEventRecord) (bool, error) {
	payload := string(record.Payload)
	if !json.Valid(record.Payload) {
		payload = defaultJSONObject
	}
	tag, err := store.db.Exec(ctx, sqlInsertWebhookEvent,
		uuid.NewString(),
		record.Provider,
		record.EventID,
		record.EventType,
		record.Mode.String(),
		payload,
		record.ReceivedAt,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectWebhook, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}
	var processed bool
	if err := store.db.QueryRow(ctx, sqlSelectWebhookProcessed, record.Provider, record.EventID).Scan(&processed); err != nil {
		return false, wrapStoreError(errorSubjectWebhook, errorCodeGet, err)
	}
	return processed, nil
}

func (store *Store) MarkWebhookEventProcessed(ctx context.Context, provider string, eventID string, outcome string, at time.Time) error {
	if _, err := store.db.Exec(ctx, sqlMarkWebhookProcessed, provider, eventID, at, outcome); err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeMarkProcessed, err)
	}
	return nil
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		accountIDValue string
		balanceValue   string
		account        ledger.Account
	)
	if err := row.Scan(
		&accountIDValue,
		&account.Email,
		&account.DisplayName,
		&account.BillingAddress,
		&balanceValue,
		&account.IsActive,
		&account.SandboxCustomerRef,
		&account.LiveCustomerRef,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return ledger.Account{}, err
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return ledger.Account{}, err
	}
	account.ID = accountID
	account.Balance = balance
	return account, nil
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		entryIDValue   string
		accountIDValue string
		kindValue      string
		amountValue    string
		beforeValue    string
		afterValue     string
		entry          ledger.Entry
	)
	if err := row.Scan(
		&entryIDValue,
		&accountIDValue,
		&kindValue,
		&amountValue,
		&beforeValue,
		&afterValue,
		&entry.Description,
		&entry.ReferenceID,
		&entry.CreatedAt,
	); err != nil {
		return ledger.Entry{}, err
	}
	var err error
	if entry.ID, err = ledger.NewEntryID(entryIDValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.AccountID, err = ledger.NewAccountID(accountIDValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Kind, err = ledger.ParseEntryKind(kindValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Amount, err = ledger.ParsePositiveAmount(amountValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.BalanceBefore, err = decimal.NewFromString(beforeValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.BalanceAfter, err = decimal.NewFromString(afterValue); err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func scanPayment(row rowScanner) (ledger.Payment, error) {
	var (
		paymentIDValue   string
		accountIDValue   string
		packageIDValue   string
		amountValue      string
		currencyValue    string
		tokenAmountValue string
		statusValue      string
		referenceValue   string
		metadataValue    string
		payment          ledger.Payment
	)
	if err := row.Scan(
		&paymentIDValue,
		&accountIDValue,
		&packageIDValue,
		&amountValue,
		&currencyValue,
		&tokenAmountValue,
		&statusValue,
		&referenceValue,
		&payment.ProviderChargeReference,
		&metadataValue,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	); err != nil {
		return ledger.Payment{}, err
	}
	var err error
	if payment.ID, err = ledger.NewPaymentID(paymentIDValue); err != nil {
		return ledger.Payment{}, err
	}
	if payment.AccountID, err = ledger.NewAccountID(accountIDValue); err != nil {
		return ledger.Payment{}, err
	}
	if packageIDValue != "" {
		if payment.PackageID, err = ledger.NewPackageID(packageIDValue); err != nil {
			return ledger.Payment{}, err
		}
	}
	if payment.Amount, err = ledger.ParsePositiveAmount(amountValue); err != nil {
		return ledger.Payment{}, err
	}
	if payment.Currency, err = ledger.NewCurrency(currencyValue); err != nil {
		return ledger.Payment{}, err
	}
	if payment.TokenAmount, err = ledger.ParsePositiveAmount(tokenAmountValue); err != nil {
		return ledger.Payment{}, err
	}
	if payment.Status, err = ledger.ParsePaymentStatus(statusValue); err != nil {
		return ledger.Payment{}, err
	}
	if payment.ProviderReference, err = ledger.NewProviderReference(referenceValue); err != nil {
		return ledger.Payment{}, err
	}
	payment.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(metadataValue), &payment.Metadata); err != nil {
		return ledger.Payment{}, err
	}
	return payment, nil
}

func scanInvoice(row rowScanner) (ledger.Invoice, error) {
	var (
		invoiceIDValue   string
		accountIDValue   string
		paymentIDValue   string
		statusValue      string
		amountValue      string
		currencyValue    string
		tokenAmountValue string
		invoice          ledger.Invoice
	)
	if err := row.Scan(
		&invoiceIDValue,
		&accountIDValue,
		&paymentIDValue,
		&invoice.Number,
		&statusValue,
		&amountValue,
		&currencyValue,
		&tokenAmountValue,
		&invoice.BillingName,
		&invoice.BillingEmail,
		&invoice.BillingAddress,
		&invoice.IssuedAt,
	); err != nil {
		return ledger.Invoice{}, err
	}
	var err error
	if invoice.ID, err = ledger.NewInvoiceID(invoiceIDValue); err != nil {
		return ledger.Invoice{}, err
	}
	if invoice.AccountID, err = ledger.NewAccountID(accountIDValue); err != nil {
		return ledger.Invoice{}, err
	}
	if invoice.PaymentID, err = ledger.NewPaymentID(paymentIDValue); err != nil {
		return ledger.Invoice{}, err
	}
	if invoice.Amount, err = ledger.ParsePositiveAmount(amountValue); err != nil {
		return ledger.Invoice{}, err
	}
	if invoice.Currency, err = ledger.NewCurrency(currencyValue); err != nil {
		return ledger.Invoice{}, err
	}
	if invoice.TokenAmount, err = ledger.ParsePositiveAmount(tokenAmountValue); err != nil {
		return ledger.Invoice{}, err
	}
	invoice.Status = ledger.InvoiceStatus(statusValue)
	return invoice, nil
}

func scanPackage(row rowScanner) (ledger.TokenPackage, error) {
	var (
		packageIDValue   string
		tokenAmountValue string
		priceValue       string
		currencyValue    string
		tokenPackage     ledger.TokenPackage
	)
	if err := row.Scan(
		&packageIDValue,
		&tokenPackage.Name,
		&tokenAmountValue,
		&priceValue,
		&currencyValue,
		&tokenPackage.IsActive,
		&tokenPackage.IsCustom,
		&tokenPackage.CreatedAt,
	); err != nil {
		return ledger.TokenPackage{}, err
	}
	var err error
	if tokenPackage.ID, err = ledger.NewPackageID(packageIDValue); err != nil {
		return ledger.TokenPackage{}, err
	}
	if tokenPackage.TokenAmount, err = ledger.ParsePositiveAmount(tokenAmountValue); err != nil {
		return ledger.TokenPackage{}, err
	}
	if tokenPackage.Price, err = ledger.ParsePositiveAmount(priceValue); err != nil {
		return ledger.TokenPackage{}, err
	}
	if tokenPackage.Currency, err = ledger.NewCurrency(currencyValue); err != nil {
		return ledger.TokenPackage{}, err
	}
	return tokenPackage, nil
}

func encodeMetadata(values map[string]string) (string, error) {
	if len(values) == 0 {
		return defaultJSONObject, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// isConstraintViolation matches unique violations, optionally on a named constraint.
func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
