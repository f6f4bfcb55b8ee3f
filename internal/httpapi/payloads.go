package httpapi

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
)

type openAccountRequest struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	BillingAddress string `json:"billing_address"`
}

type provisionRequest struct {
	Mode string `json:"mode"`
}

type purchaseRequest struct {
	PackageID string `json:"package_id"`
	Tokens    string `json:"tokens"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Mode      string `json:"mode"`
	Flow      string `json:"flow"`
}

// toLedger builds a catalog purchase when package_id is set and a custom purchase otherwise.
func (request purchaseRequest) toLedger(accountID ledger.AccountID) (ledger.PurchaseRequest, error) {
	mode, err := ledger.ParseMode(request.Mode)
	if err != nil {
		return ledger.PurchaseRequest{}, err
	}
	flow, err := ledger.ParseFlow(request.Flow)
	if err != nil {
		return ledger.PurchaseRequest{}, err
	}
	purchase := ledger.PurchaseRequest{AccountID: accountID, Mode: mode, Flow: flow}
	if strings.TrimSpace(request.PackageID) != "" {
		if strings.TrimSpace(request.Tokens) != "" || strings.TrimSpace(request.Price) != "" {
			return ledger.PurchaseRequest{}, fmt.Errorf("%w: package_id excludes tokens and price", ledger.ErrInvalidPurchaseRequest)
		}
		packageID, err := ledger.NewPackageID(request.PackageID)
		if err != nil {
			return ledger.PurchaseRequest{}, err
		}
		purchase.PackageID = packageID
		return purchase, nil
	}
	tokens, err := ledger.ParsePositiveAmount(request.Tokens)
	if err != nil {
		return ledger.PurchaseRequest{}, err
	}
	price, err := ledger.ParsePositiveAmount(request.Price)
	if err != nil {
		return ledger.PurchaseRequest{}, err
	}
	currency, err := ledger.NewCurrency(request.Currency)
	if err != nil {
		return ledger.PurchaseRequest{}, err
	}
	purchase.Custom = &ledger.CustomPackage{TokenAmount: tokens, Price: price, Currency: currency}
	return purchase, nil
}

type confirmRequest struct {
	ProviderReference string `json:"provider_reference"`
}

type usageRequest struct {
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

type accountPayload struct {
	AccountID      string `json:"account_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	BillingAddress string `json:"billing_address"`
	Balance        string `json:"balance"`
	IsActive       bool   `json:"is_active"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		AccountID:      account.ID.String(),
		Email:          account.Email,
		DisplayName:    account.DisplayName,
		BillingAddress: account.BillingAddress,
		Balance:        account.Balance.StringFixed(2),
		IsActive:       account.IsActive,
		CreatedUnixUTC: account.CreatedAt.Unix(),
	}
}

type walletPayload struct {
	AccountID string         `json:"account_id"`
	Balance   string         `json:"balance"`
	Entries   []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Kind           string `json:"kind"`
	Amount         string `json:"amount"`
	SignedAmount   string `json:"signed_amount"`
	BalanceAfter   string `json:"balance_after"`
	Description    string `json:"description"`
	Reference      string `json:"reference"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.ID.String(),
		Kind:           entry.Kind.String(),
		Amount:         entry.Amount.String(),
		SignedAmount:   entry.SignedAmount().StringFixed(2),
		BalanceAfter:   entry.BalanceAfter.StringFixed(2),
		Description:    entry.Description,
		Reference:      entry.ReferenceID,
		CreatedUnixUTC: entry.CreatedAt.Unix(),
	}
}

type packagePayload struct {
	PackageID string `json:"package_id"`
	Name      string `json:"name"`
	Tokens    string `json:"tokens"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
}

func newPackagePayload(tokenPackage ledger.TokenPackage) packagePayload {
	return packagePayload{
		PackageID: tokenPackage.ID.String(),
		Name:      tokenPackage.Name,
		Tokens:    tokenPackage.TokenAmount.String(),
		Price:     tokenPackage.Price.String(),
		Currency:  tokenPackage.Currency.String(),
	}
}

type purchasePayload struct {
	PaymentID         string `json:"payment_id"`
	ProviderReference string `json:"provider_reference"`
	Flow              string `json:"flow"`
	ClientSecret      string `json:"client_secret,omitempty"`
	CheckoutURL       string `json:"checkout_url,omitempty"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Tokens            string `json:"tokens"`
}

func newPurchasePayload(result ledger.PurchaseResult) purchasePayload {
	return purchasePayload{
		PaymentID:         result.PaymentID.String(),
		ProviderReference: result.ProviderReference.String(),
		Flow:              string(result.Flow),
		ClientSecret:      result.ClientSecret,
		CheckoutURL:       result.CheckoutURL,
		Amount:            result.Amount.String(),
		Currency:          result.Currency.String(),
		Tokens:            result.TokenAmount.String(),
	}
}

type invoicePayload struct {
	InvoiceID     string `json:"invoice_id"`
	Number        string `json:"number"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Tokens        string `json:"tokens"`
	IssuedUnixUTC int64  `json:"issued_unix_utc"`
	PDFPath       string `json:"pdf_path"`
}

type confirmationPayload struct {
	PaymentID      string          `json:"payment_id"`
	Status         string          `json:"status"`
	Settled        bool            `json:"settled"`
	AlreadySettled bool            `json:"already_settled"`
	Balance        string          `json:"balance"`
	Invoice        *invoicePayload `json:"invoice,omitempty"`
}

func newConfirmationPayload(result ledger.ConfirmationResult) confirmationPayload {
	payload := confirmationPayload{
		PaymentID:      result.Payment.ID.String(),
		Status:         result.Payment.Status.String(),
		Settled:        result.Settled,
		AlreadySettled: result.AlreadySettled,
		Balance:        result.Balance.StringFixed(2),
	}
	if result.Invoice != nil {
		invoice := *result.Invoice
		payload.Invoice = &invoicePayload{
			InvoiceID:     invoice.ID.String(),
			Number:        invoice.Number,
			Status:        string(invoice.Status),
			Amount:        invoice.Amount.String(),
			Currency:      invoice.Currency.String(),
			Tokens:        invoice.TokenAmount.String(),
			IssuedUnixUTC: invoice.IssuedAt.Unix(),
			PDFPath:       "/api/invoices/" + invoice.ID.String() + "/pdf",
		}
	}
	return payload
}
