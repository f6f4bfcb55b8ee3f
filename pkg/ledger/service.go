package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultEntriesLimit bounds ListEntries when the caller passes no limit.
const DefaultEntriesLimit = 50

// Service contains the ledger and settlement logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenAccount returns the account for the profile, creating it with a zero balance if needed.
func (service *Service) OpenAccount(ctx context.Context, profile AccountProfile) (Account, error) {
	account, err := service.store.CreateAccount(ctx, profile, service.now())
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		AccountID: profile.ID,
		Error:     err,
	})
	return account, err
}

// Account returns the stored account.
func (service *Service) Account(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// Balance returns the account's current token balance.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (decimal.Decimal, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// ListEntries returns entries created before the cursor, newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultEntriesLimit
	}
	if before.IsZero() {
		before = service.now().Add(time.Second)
	}
	return service.store.ListEntries(ctx, accountID, before, limit)
}

// RecordUsage debits tokens. The reference makes the debit idempotent per account.
func (service *Service) RecordUsage(ctx context.Context, accountID AccountID, amount PositiveAmount, reference string, description string) (Entry, error) {
	if description == "" {
		description = fmt.Sprintf(usageDescription, amount.String())
	}
	entry, err := service.applyEntry(ctx, accountID, EntryUsage, amount, reference, description)
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordUsage,
		AccountID: accountID,
		Reference: reference,
		Amount:    amount.String(),
		Error:     err,
	})
	return entry, err
}

// GrantBonus credits tokens that were not paid for.
func (service *Service) GrantBonus(ctx context.Context, accountID AccountID, amount PositiveAmount, reference string, description string) (Entry, error) {
	if description == "" {
		description = fmt.Sprintf(bonusDescription, amount.String())
	}
	entry, err := service.applyEntry(ctx, accountID, EntryBonus, amount, reference, description)
	service.logOperation(ctx, OperationLog{
		Operation: operationGrantBonus,
		AccountID: accountID,
		Reference: reference,
		Amount:    amount.String(),
		Error:     err,
	})
	return entry, err
}

// VerifyLedger recomputes the sum of entries and compares it with the stored balance.
func (service *Service) VerifyLedger(ctx context.Context, accountID AccountID) (LedgerCheck, error) {
	var check LedgerCheck
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		total, err := transactionStore.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		check = LedgerCheck{AccountID: accountID, Balance: account.Balance, EntriesTotal: total}
		return nil
	})
	return check, err
}

// CreatePackage adds an active package to the catalog.
func (service *Service) CreatePackage(ctx context.Context, spec PackageSpec) (TokenPackage, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" || spec.TokenAmount.IsZero() || spec.Price.IsZero() || spec.Currency.String() == "" {
		return TokenPackage{}, fmt.Errorf("%w: name, token amount, price and currency are required", ErrInvalidPurchaseRequest)
	}
	tokenPackage := TokenPackage{
		ID:          PackageID{value: uuid.NewString()},
		Name:        name,
		TokenAmount: spec.TokenAmount,
		Price:       spec.Price,
		Currency:    spec.Currency,
		IsActive:    true,
		CreatedAt:   service.now(),
	}
	err := service.store.CreatePackage(ctx, tokenPackage)
	service.logOperation(ctx, OperationLog{
		Operation: operationCreatePackage,
		Reference: tokenPackage.ID.String(),
		Amount:    spec.TokenAmount.String(),
		Error:     err,
	})
	if err != nil {
		return TokenPackage{}, err
	}
	return tokenPackage, nil
}

// ListPackages returns the active catalog.
func (service *Service) ListPackages(ctx context.Context) ([]TokenPackage, error) {
	return service.store.ListActivePackages(ctx)
}

// Invoice returns an invoice owned by accountID. Invoices of other accounts are reported as unknown.
func (service *Service) Invoice(ctx context.Context, accountID AccountID, invoiceID InvoiceID) (Invoice, error) {
	invoice, err := service.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if invoice.AccountID != accountID {
		return Invoice{}, ErrUnknownInvoice
	}
	return invoice, nil
}

func (service *Service) applyEntry(ctx context.Context, accountID AccountID, kind EntryKind, amount PositiveAmount, reference string, description string) (Entry, error) {
	trimmedReference := strings.TrimSpace(reference)
	if trimmedReference == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	if amount.IsZero() {
		return Entry{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	var entry Entry
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		balanceAfter := account.Balance.Add(kind.Signed(amount))
		if balanceAfter.IsNegative() {
			return ErrInsufficientFunds
		}
		now := service.now()
		entry = Entry{
			ID:            EntryID{value: uuid.NewString()},
			AccountID:     accountID,
			Kind:          kind,
			Amount:        amount,
			BalanceBefore: account.Balance,
			BalanceAfter:  balanceAfter,
			Description:   description,
			ReferenceID:   trimmedReference,
			CreatedAt:     now,
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return transactionStore.UpdateAccountBalance(ctx, accountID, balanceAfter, now)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	logOperation(ctx, service.logger, entry)
}

func isUnknownAccount(err error) bool {
	return errors.Is(err, ErrUnknownAccount)
}
