package extract

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Details is what a hosted invoice page states about itself.
type Details struct {
	InvoiceNumber string
	PaidAt        time.Time
}

func (d Details) Empty() bool {
	return d.InvoiceNumber == "" && d.PaidAt.IsZero()
}

// InvoiceDetails reads the labelled rows of a Stripe hosted invoice page
// ("Invoice number", "Payment date"). Pages without the table give an
// empty Details.
func InvoiceDetails(doc *goquery.Document) Details {
	var d Details
	doc.Find("table.InvoiceDetails-table tr.LabeledTableRow").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToLower(normalizeText(cells.Eq(0).Text()))
		value := normalizeText(cells.Eq(1).Text())
		switch label {
		case "invoice number", "receipt number":
			if d.InvoiceNumber == "" {
				d.InvoiceNumber = value
			}
		case "payment date", "date paid":
			if t, ok := parseDate(value); ok && d.PaidAt.IsZero() {
				d.PaidAt = t
			}
		}
	})
	return d
}

// ParseInvoiceDetails is InvoiceDetails over raw page bytes.
func ParseInvoiceDetails(page []byte) Details {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return Details{}
	}
	return InvoiceDetails(doc)
}
