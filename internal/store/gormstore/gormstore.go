package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore  = "store"
	errorSubjectAccount  = "account"
	errorSubjectBalance  = "balance"
	errorSubjectEntry    = "entry"
	errorSubjectPayment  = "payment"
	errorSubjectInvoice  = "invoice"
	errorSubjectPackage  = "package"
	errorSubjectWebhook  = "webhook_event"
	errorCodeCreate      = "create"
	errorCodeDuplicate   = "duplicate"
	errorCodeGet         = "get"
	errorCodeInsert      = "insert"
	errorCodeInvalid     = "invalid"
	errorCodeList        = "list"
	errorCodeLock        = "lock"
	errorCodeSum         = "sum"
	errorCodeUpdate      = "update"
	errorCodeTransition  = "transition"
	errorCodeMarkHandled = "mark_processed"

	sqlSignedAmount = "coalesce(sum(case when kind in ('usage','refund') then -amount else amount end),0)"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, profile ledger.AccountProfile, at time.Time) (ledger.Account, error) {
	row := Account{
		AccountID:      profile.ID.String(),
		Email:          profile.Email,
		DisplayName:    profile.DisplayName,
		BillingAddress: profile.BillingAddress,
		Balance:        decimal.Zero,
		IsActive:       true,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, profile.ID)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.loadAccount(store.db.WithContext(ctx), accountID, errorCodeGet)
}

// LockAccount reads the account with SELECT ... FOR UPDATE; SQLite ignores the clause and serializes writers instead.
func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.loadAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), accountID, errorCodeLock)
}

func (store *Store) loadAccount(query *gorm.DB, accountID ledger.AccountID, code string) (ledger.Account, error) {
	var row Account
	err := query.Where("account_id = ?", accountID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	account, err := mapAccount(row)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID ledger.AccountID, balance decimal.Decimal, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{"balance": balance, "updated_at": at})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) SetCustomerReference(ctx context.Context, accountID ledger.AccountID, mode ledger.Mode, reference string, at time.Time) (bool, error) {
	column := "sandbox_customer_ref"
	if mode == ledger.ModeLive {
		column = "live_customer_ref"
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND "+column+" IS NULL", accountID.String()).
		Updates(map[string]any{column: reference, "updated_at": at})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, err := store.GetAccount(ctx, accountID); err != nil {
		return false, err
	}
	return false, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:       entry.ID.String(),
		AccountID:     entry.AccountID.String(),
		Kind:          entry.Kind.String(),
		Amount:        entry.Amount.Decimal(),
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		Description:   entry.Description,
		ReferenceID:   entry.ReferenceID,
		CreatedAt:     entry.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, before time.Time, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (decimal.Decimal, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select(sqlSignedAmount+" as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) CreatePayment(ctx context.Context, payment ledger.Payment) error {
	metadata, err := marshalMetadata(payment.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	row := Payment{
		PaymentID:         payment.ID.String(),
		AccountID:         payment.AccountID.String(),
		PackageID:         optionalString(payment.PackageID.String()),
		Amount:            payment.Amount.Decimal(),
		Currency:          payment.Currency.String(),
		TokenAmount:       payment.TokenAmount.Decimal(),
		Status:            payment.Status.String(),
		ProviderReference: payment.ProviderReference.String(),
		Metadata:          metadata,
		CreatedAt:         payment.CreatedAt,
		UpdatedAt:         payment.UpdatedAt,
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPayment(ctx context.Context, paymentID ledger.PaymentID) (ledger.Payment, error) {
	return store.loadPayment(ctx, "payment_id = ?", paymentID.String())
}

func (store *Store) GetPaymentByReference(ctx context.Context, reference ledger.ProviderReference) (ledger.Payment, error) {
	return store.loadPayment(ctx, "provider_reference = ? OR checkout_session_reference = ?", reference.String(), reference.String())
}

func (store *Store) loadPayment(ctx context.Context, condition string, values ...any) (ledger.Payment, error) {
	var row Payment
	err := store.db.WithContext(ctx).Where(condition, values...).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrUnknownPayment)
		}
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	payment, err := mapPayment(row)
	if err != nil {
		return ledger.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) TransitionPayment(ctx context.Context, transition ledger.PaymentTransition) error {
	updates := map[string]any{
		"status":     transition.To.String(),
		"updated_at": transition.At,
	}
	if transition.ChargeReference != "" {
		updates["provider_charge_reference"] = transition.ChargeReference
	}
	if !transition.Reference.IsZero() {
		updates["provider_reference"] = transition.Reference.String()
	}
	if !transition.SessionReference.IsZero() {
		updates["checkout_session_reference"] = transition.SessionReference.String()
	}
	if transition.Metadata != nil {
		metadata, err := marshalMetadata(transition.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		updates["metadata"] = metadata
	}
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_id = ? AND status = ?", transition.PaymentID.String(), transition.From.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeTransition, ledger.ErrAlreadySettled)
	}
	return nil
}

func (store *Store) ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]ledger.Payment, error) {
	var rows []Payment
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", ledger.PaymentPending.String(), createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	payments := make([]ledger.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := mapPayment(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func (store *Store) InsertInvoice(ctx context.Context, invoice ledger.Invoice) error {
	row := Invoice{
		InvoiceID:      invoice.ID.String(),
		AccountID:      invoice.AccountID.String(),
		PaymentID:      invoice.PaymentID.String(),
		InvoiceNumber:  invoice.Number,
		Status:         string(invoice.Status),
		Amount:         invoice.Amount.Decimal(),
		Currency:       invoice.Currency.String(),
		TokenAmount:    invoice.TokenAmount.Decimal(),
		BillingName:    invoice.BillingName,
		BillingEmail:   invoice.BillingEmail,
		BillingAddress: invoice.BillingAddress,
		IssuedAt:       invoice.IssuedAt,
		CreatedAt:      invoice.IssuedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectInvoice, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetInvoice(ctx context.Context, invoiceID ledger.InvoiceID) (ledger.Invoice, error) {
	return store.loadInvoice(ctx, "invoice_id = ?", invoiceID.String())
}

func (store *Store) GetInvoiceByPayment(ctx context.Context, paymentID ledger.PaymentID) (ledger.Invoice, error) {
	return store.loadInvoice(ctx, "payment_id = ?", paymentID.String())
}

func (store *Store) loadInvoice(ctx context.Context, condition string, value string) (ledger.Invoice, error) {
	var row Invoice
	err := store.db.WithContext(ctx).Where(condition, value).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, ledger.ErrUnknownInvoice)
		}
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, err)
	}
	invoice, err := mapInvoice(row)
	if err != nil {
		return ledger.Invoice{}, wrapStoreError(errorSubjectInvoice, errorCodeInvalid, err)
	}
	return invoice, nil
}

func (store *Store) CreatePackage(ctx context.Context, tokenPackage ledger.TokenPackage) error {
	row := TokenPackage{
		PackageID:   tokenPackage.ID.String(),
		Name:        tokenPackage.Name,
		TokenAmount: tokenPackage.TokenAmount.Decimal(),
		Price:       tokenPackage.Price.Decimal(),
		Currency:    tokenPackage.Currency.String(),
		IsActive:    tokenPackage.IsActive,
		IsCustom:    tokenPackage.IsCustom,
		CreatedAt:   tokenPackage.CreatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectPackage, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPackage(ctx context.Context, packageID ledger.PackageID) (ledger.TokenPackage, error) {
	var row TokenPackage
	err := store.db.WithContext(ctx).Where("package_id = ?", packageID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrUnknownPackage)
		}
		return ledger.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return mapPackageRow(row)
}

func (store *Store) FindCustomPackage(ctx context.Context, tokenAmount ledger.PositiveAmount, price ledger.PositiveAmount, currency ledger.Currency) (ledger.TokenPackage, error) {
	var row TokenPackage
	err := store.db.WithContext(ctx).
		Where("is_custom = ? AND token_amount = ? AND price = ? AND currency = ?", true, tokenAmount.Decimal(), price.Decimal(), currency.String()).
		Order("created_at ASC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrUnknownPackage)
		}
		return ledger.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return mapPackageRow(row)
}

func (store *Store) ListActivePackages(ctx context.Context) ([]ledger.TokenPackage, error) {
	var rows []TokenPackage
	err := store.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("price ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPackage, errorCodeList, err)
	}
	packages := make([]ledger.TokenPackage, 0, len(rows))
	for _, row := range rows {
		tokenPackage, err := mapPackageRow(row)
		if err != nil {
			return nil, err
		}
		packages = append(packages, tokenPackage)
	}
	return packages, nil
}

func (store *Store) RecordWebhookEvent(ctx context.Context, record ledger.WebhookEventRecord) (bool, error) {
	payload := record.Payload
	if !json.Valid(payload) {
		payload = []byte(defaultMetadataJSON)
	}
	row := WebhookEvent{
		Provider:        record.Provider,
		ProviderEventID: record.EventID,
		EventType:       record.EventType,
		Mode:            record.Mode.String(),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      record.ReceivedAt,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectWebhook, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 1 {
		return false, nil
	}
	var existing WebhookEvent
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", record.Provider, record.EventID).
		Take(&existing).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectWebhook, errorCodeGet, err)
	}
	return existing.ProcessedAt != nil, nil
}

func (store *Store) MarkWebhookEventProcessed(ctx context.Context, provider string, eventID string, outcome string, at time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Updates(map[string]any{"processed_at": at, "outcome": outcome}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeMarkHandled, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total decimal.Decimal
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		ID:                 accountID,
		Email:              row.Email,
		DisplayName:        row.DisplayName,
		BillingAddress:     row.BillingAddress,
		Balance:            row.Balance,
		IsActive:           row.IsActive,
		SandboxCustomerRef: stringOrEmpty(row.SandboxCustomerRef),
		LiveCustomerRef:    stringOrEmpty(row.LiveCustomerRef),
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveAmount(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:            entryID,
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: row.BalanceBefore,
		BalanceAfter:  row.BalanceAfter,
		Description:   row.Description,
		ReferenceID:   row.ReferenceID,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func mapPayment(row Payment) (ledger.Payment, error) {
	paymentID, err := ledger.NewPaymentID(row.PaymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Payment{}, err
	}
	var packageID ledger.PackageID
	if row.PackageID != nil {
		packageID, err = ledger.NewPackageID(*row.PackageID)
		if err != nil {
			return ledger.Payment{}, err
		}
	}
	amount, err := ledger.NewPositiveAmount(row.Amount)
	if err != nil {
		return ledger.Payment{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Payment{}, err
	}
	tokenAmount, err := ledger.NewPositiveAmount(row.TokenAmount)
	if err != nil {
		return ledger.Payment{}, err
	}
	status, err := ledger.ParsePaymentStatus(row.Status)
	if err != nil {
		return ledger.Payment{}, err
	}
	reference, err := ledger.NewProviderReference(row.ProviderReference)
	if err != nil {
		return ledger.Payment{}, err
	}
	metadata := map[string]string{}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return ledger.Payment{}, err
		}
	}
	return ledger.Payment{
		ID:                      paymentID,
		AccountID:               accountID,
		PackageID:               packageID,
		Amount:                  amount,
		Currency:                currency,
		TokenAmount:             tokenAmount,
		Status:                  status,
		ProviderReference:       reference,
		ProviderChargeReference: stringOrEmpty(row.ProviderChargeReference),
		Metadata:                metadata,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
	}, nil
}

func mapInvoice(row Invoice) (ledger.Invoice, error) {
	invoiceID, err := ledger.NewInvoiceID(row.InvoiceID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	paymentID, err := ledger.NewPaymentID(row.PaymentID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	amount, err := ledger.NewPositiveAmount(row.Amount)
	if err != nil {
		return ledger.Invoice{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Invoice{}, err
	}
	tokenAmount, err := ledger.NewPositiveAmount(row.TokenAmount)
	if err != nil {
		return ledger.Invoice{}, err
	}
	return ledger.Invoice{
		ID:             invoiceID,
		AccountID:      accountID,
		PaymentID:      paymentID,
		Number:         row.InvoiceNumber,
		Status:         ledger.InvoiceStatus(row.Status),
		Amount:         amount,
		Currency:       currency,
		TokenAmount:    tokenAmount,
		BillingName:    row.BillingName,
		BillingEmail:   row.BillingEmail,
		BillingAddress: row.BillingAddress,
		IssuedAt:       row.IssuedAt,
	}, nil
}

func mapPackageRow(row TokenPackage) (ledger.TokenPackage, error) {
	tokenPackage, err := mapPackage(row)
	if err != nil {
		return ledger.TokenPackage{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	return tokenPackage, nil
}

func mapPackage(row TokenPackage) (ledger.TokenPackage, error) {
	packageID, err := ledger.NewPackageID(row.PackageID)
	if err != nil {
		return ledger.TokenPackage{}, err
	}
	tokenAmount, err := ledger.NewPositiveAmount(row.TokenAmount)
	if err != nil {
		return ledger.TokenPackage{}, err
	}
	price, err := ledger.NewPositiveAmount(row.Price)
	if err != nil {
		return ledger.TokenPackage{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.TokenPackage{}, err
	}
	return ledger.TokenPackage{
		ID:          packageID,
		Name:        row.Name,
		TokenAmount: tokenAmount,
		Price:       price,
		Currency:    currency,
		IsActive:    row.IsActive,
		IsCustom:    row.IsCustom,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func marshalMetadata(values map[string]string) (datatypes.JSON, error) {
	if len(values) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
