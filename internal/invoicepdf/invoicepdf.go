// Package invoicepdf renders settled invoices as PDF documents.
package invoicepdf

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

const issuedDateLayout = "2006-01-02"

// Issuer is the seller block printed on every invoice.
type Issuer struct {
	Name    string
	Address string
	Email   string
}

// Renderer turns ledger invoices into PDF bytes.
type Renderer struct {
	issuer Issuer
}

// NewRenderer returns a Renderer for issuer.
func NewRenderer(issuer Issuer) *Renderer {
	return &Renderer{issuer: issuer}
}

// Render produces the PDF document for invoice.
func (renderer *Renderer) Render(invoice ledger.Invoice) ([]byte, error) {
	if invoice.Number == "" {
		return nil, errors.New("invoice number is required")
	}
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	document := maroto.New(cfg)

	document.AddRow(20,
		text.NewCol(8, "Invoice", props.Text{Size: 20, Style: fontstyle.Bold, Align: align.Left}),
		text.NewCol(4, string(invoice.Status), props.Text{Size: 12, Style: fontstyle.Bold, Align: align.Right, Top: 4}),
	)
	document.AddRow(16,
		col.New(6).Add(
			text.New("Invoice number: "+invoice.Number, props.Text{Top: 0}),
			text.New("Date issued: "+invoice.IssuedAt.UTC().Format(issuedDateLayout), props.Text{Top: 4}),
			text.New("Payment: "+invoice.PaymentID.String(), props.Text{Top: 8, Size: 8}),
		),
		col.New(6),
	)
	document.AddRow(32,
		col.New(6).Add(
			text.New(renderer.issuer.Name, props.Text{Style: fontstyle.Bold}),
			text.New(renderer.issuer.Address, props.Text{Top: 5}),
			text.New(renderer.issuer.Email, props.Text{Top: 20}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold}),
			text.New(invoice.BillingName, props.Text{Top: 5}),
			text.New(invoice.BillingAddress, props.Text{Top: 9}),
			text.New(invoice.BillingEmail, props.Text{Top: 20}),
		),
	)

	document.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Tokens", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Currency", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	document.AddRow(12,
		text.NewCol(6, fmt.Sprintf("Token package (%s tokens)", invoice.TokenAmount.String()), props.Text{Size: 9}),
		text.NewCol(2, invoice.TokenAmount.String(), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, invoice.Currency.String(), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, invoice.Amount.String(), props.Text{Size: 9, Align: align.Right}),
	)
	document.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(2, invoice.Amount.String()+" "+invoice.Currency.String(), props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	generated, err := document.Generate()
	if err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", invoice.Number, err)
	}
	return generated.GetBytes(), nil
}

// FileName is the download name for invoice.
func FileName(invoice ledger.Invoice) string {
	return invoice.Number + ".pdf"
}
