// Package extract turns a saved billing history page into an ordered list of
// invoice entries, newest first, exactly as the page lists them.
package extract

import (
	"bytes"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"receipt_harvester/internal/config"
	"receipt_harvester/internal/errs"
	"receipt_harvester/internal/ledger"
	"receipt_harvester/internal/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"golang.org/x/net/html/charset"
)

// rowContext is where a matched link looks for its identifier, date and
// amount when no row selector is configured.
const rowContext = "tr, li, [role='row']"

var idAttrs = []string{"data-invoice-id", "data-invoice-number", "data-receipt-id"}

// Binder turns an invoice link into a download handle for the current
// driver session.
type Binder interface {
	Bind(link string) models.Fetchable
}

type Result struct {
	Entries   []models.InvoiceEntry
	Anomalies []error
}

type Extractor struct {
	cfg    config.ExtractConfig
	linkRe *regexp.Regexp
	base   *url.URL
	binder Binder
}

func New(cfg config.ExtractConfig, binder Binder) (*Extractor, error) {
	pattern := cfg.LinkPattern
	if pattern == "" {
		pattern = config.DefaultLinkPattern
	}
	linkRe, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "compile link pattern %q", pattern)
	}

	var base *url.URL
	if cfg.BaseURL != "" {
		base, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parse base url %q", cfg.BaseURL)
		}
	}

	return &Extractor{
		cfg:    cfg,
		linkRe: linkRe,
		base:   base,
		binder: binder,
	}, nil
}

// Load reads the snapshot at path, decoding it to UTF-8 from whatever charset
// the page declares.
func Load(path string) (*goquery.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Input(err, "read billing page")
	}

	utf8Reader, err := charset.NewReader(bytes.NewReader(data), "text/html")
	if err != nil {
		return nil, errs.Input(err, "decode billing page")
	}

	doc, err := goquery.NewDocumentFromReader(utf8Reader)
	if err != nil {
		return nil, errs.Input(err, "parse billing page")
	}
	return doc, nil
}

func (x *Extractor) Extract(doc *goquery.Document) Result {
	if x.cfg.RowSelector != "" {
		return x.extractRows(doc)
	}
	return x.extractLinks(doc)
}

func (x *Extractor) extractRows(doc *goquery.Document) Result {
	var res Result
	doc.Find(x.cfg.RowSelector).Each(func(i int, row *goquery.Selection) {
		rank := i + 1
		anchor, link, ok := x.firstLink(row)
		if !ok {
			res.Anomalies = append(res.Anomalies, errs.Anomaly("row %d: no invoice link", rank))
			return
		}
		entry, err := x.entry(row, anchor, link, rank)
		if err != nil {
			res.Anomalies = append(res.Anomalies, err)
			return
		}
		res.Entries = append(res.Entries, entry)
	})
	return res
}

func (x *Extractor) extractLinks(doc *goquery.Document) Result {
	var (
		res     Result
		rank    int
		lastRow *goquery.Selection
		lastID  string
	)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		link, ok := x.matchLink(a)
		if !ok {
			return
		}

		row := a.Closest(rowContext)
		if row.Length() == 0 {
			row = a
		}

		entry, err := x.entry(row, a, link, rank+1)
		if err == nil && lastRow != nil && lastRow.IsSelection(row) && entry.ID == lastID {
			// Same invoice linked twice from one row.
			return
		}

		rank++
		lastRow, lastID = row, entry.ID
		if err != nil {
			res.Anomalies = append(res.Anomalies, err)
			return
		}
		res.Entries = append(res.Entries, entry)
	})
	return res
}

func (x *Extractor) matchLink(a *goquery.Selection) (string, bool) {
	href, exists := a.Attr("href")
	if !exists {
		return "", false
	}
	link, ok := resolveLink(x.base, href)
	if !ok || !x.linkRe.MatchString(link) {
		return "", false
	}
	return link, true
}

func (x *Extractor) firstLink(row *goquery.Selection) (*goquery.Selection, string, bool) {
	var (
		anchor *goquery.Selection
		link   string
	)
	row.Find("a[href]").AddSelection(row.Filter("a[href]")).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if l, ok := x.matchLink(a); ok {
			anchor, link = a, l
			return false
		}
		return true
	})
	return anchor, link, anchor != nil
}

func (x *Extractor) entry(row, anchor *goquery.Selection, link string, rank int) (models.InvoiceEntry, error) {
	text := spacedText(row)

	id := x.identifier(row, anchor, text, link)
	if id == "" {
		return models.InvoiceEntry{}, errs.Anomaly("row %d: no invoice identifier (link %s)", rank, link)
	}
	if err := ledger.CheckID(id); err != nil {
		return models.InvoiceEntry{}, errs.Anomaly("row %d: unusable identifier (link %s): %v", rank, link, err)
	}

	entry := models.InvoiceEntry{
		ID:   id,
		Rank: rank,
		Link: link,
	}

	if t, ok := x.issuedAt(row, text); ok {
		entry.IssuedAt = t
	}

	amountText, bare := text, false
	if x.cfg.AmountSelector != "" {
		if sel := row.Find(x.cfg.AmountSelector).First(); sel.Length() > 0 {
			amountText, bare = normalizeText(sel.Text()), true
		}
	}
	if amount, currency, ok := findAmount(amountText, bare); ok {
		entry.Amount, entry.Currency = amount, currency
	}

	if x.binder != nil {
		entry.Handle = x.binder.Bind(link)
	}
	return entry, nil
}

func (x *Extractor) identifier(row, anchor *goquery.Selection, text, link string) string {
	for _, sel := range []*goquery.Selection{row, anchor} {
		for _, attr := range idAttrs {
			if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}

	if x.cfg.IDSelector != "" {
		if v := normalizeText(row.Find(x.cfg.IDSelector).First().Text()); v != "" {
			return v
		}
	}

	if m := reLabeledID.FindStringSubmatch(text); m != nil {
		return m[1]
	}

	return linkIdentifier(link)
}

func (x *Extractor) issuedAt(row *goquery.Selection, text string) (time.Time, bool) {
	if v, exists := row.Find("time[datetime]").First().Attr("datetime"); exists {
		if t, ok := parseDate(v); ok {
			return t, true
		}
	}
	if x.cfg.DateSelector != "" {
		if t, ok := parseDate(row.Find(x.cfg.DateSelector).First().Text()); ok {
			return t, true
		}
	}
	return findDate(text)
}
