package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	reLabeledID  = regexp.MustCompile(`(?i)\b(?:invoice|receipt)\s*(?:number|no\.|#)\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9._/-]*)`)

	reMonthDate = regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b`)
	reDayMonth  = regexp.MustCompile(`(?i)\b\d{1,2}\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{4}\b`)
	reISODate   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	reSlashDate = regexp.MustCompile(`\b\d{2}/\d{2}/\d{4}\b`)
	reMonthAbbr = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec)t?\.?(\s)`)

	reAmount     = regexp.MustCompile(`(?:([$€£¥])\s?|\b(USD|EUR|GBP|JPY|CAD|AUD|CHF)\s?)(-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?)`)
	reBareAmount = regexp.MustCompile(`-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?`)
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

func normalizeText(text string) string {
	return strings.TrimSpace(reWhitespace.ReplaceAllString(text, " "))
}

// spacedText joins the text nodes under s with spaces, so adjacent cells such
// as "Invoice number" and "ABCD-0001" do not run together.
func spacedText(s *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return normalizeText(b.String())
}

// parseDate reads one date as written on a billing page. Timestamps are
// reduced to their UTC calendar day.
func parseDate(text string) (time.Time, bool) {
	text = normalizeText(text)
	if text == "" {
		return time.Time{}, false
	}
	// "Jan. 2, 2024" and "3 Sept 2025" are common on receipts.
	text = reMonthAbbr.ReplaceAllString(text, "$1$2")
	t, err := dateparse.ParseIn(text, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
}

// findDate returns the first date found in free text.
func findDate(text string) (time.Time, bool) {
	for _, re := range []*regexp.Regexp{reMonthDate, reDayMonth, reISODate, reSlashDate} {
		for _, match := range re.FindAllString(text, -1) {
			if t, ok := parseDate(match); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// findAmount returns the first currency amount in text. With bare set, a
// number without a currency marker is accepted too.
func findAmount(text string, bare bool) (decimal.Decimal, string, bool) {
	if m := reAmount.FindStringSubmatch(text); m != nil {
		currency := m[2]
		if m[1] != "" {
			currency = currencySymbols[m[1]]
		}
		amount, err := decimal.NewFromString(strings.ReplaceAll(m[3], ",", ""))
		if err == nil {
			return amount, currency, true
		}
	}
	if bare {
		if m := reBareAmount.FindString(text); m != "" {
			amount, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
			if err == nil {
				return amount, "", true
			}
		}
	}
	return decimal.Zero, "", false
}
