package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"receipt_harvester/internal/extract"
	"receipt_harvester/internal/logger"
	"receipt_harvester/internal/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/gocolly/colly"
	"github.com/h2non/filetype"
)

const maxReceiptSize = 50 << 20

type HTTPOptions struct {
	UserAgent     string
	Timeout       time.Duration
	Labels        []string
	Headers       map[string]string
	RespectRobots bool
	MaxBodySize   int // defaults to 50 MiB
}

// HTTPDriver downloads receipts that need no JavaScript: either the invoice
// link serves the document itself, or its page links to it.
type HTTPDriver struct {
	collector *colly.Collector
	opts      HTTPOptions
	log       *logger.Logger
}

func NewHTTPDriver(opts HTTPOptions, log *logger.Logger) *HTTPDriver {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = maxReceiptSize
	}
	c := colly.NewCollector(
		colly.UserAgent(opts.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(opts.MaxBodySize),
	)
	c.IgnoreRobotsTxt = !opts.RespectRobots
	if opts.Timeout > 0 {
		c.SetRequestTimeout(opts.Timeout)
	}

	return &HTTPDriver{
		collector: c,
		opts:      opts,
		log:       log,
	}
}

func (d *HTTPDriver) Download(ctx context.Context, link string) (models.Receipt, error) {
	body, header, err := d.get(ctx, link)
	if err != nil {
		return models.Receipt{}, err
	}
	if isDocument(body, header) {
		return models.Receipt{Payload: body}, nil
	}

	details := extract.ParseInvoiceDetails(body)
	next, err := findDownloadLink(body, link, d.opts.Labels)
	if err != nil {
		return models.Receipt{}, err
	}
	d.log.Debugf("following download link %s", next)

	body, header, err = d.get(ctx, next)
	if err != nil {
		return models.Receipt{}, err
	}
	if !isDocument(body, header) {
		return models.Receipt{}, errors.Newf("download link %s returned %q, not a document", next, header.Get("Content-Type"))
	}
	return models.Receipt{
		Payload:       body,
		InvoiceNumber: details.InvoiceNumber,
		PaidAt:        details.PaidAt,
	}, nil
}

func (d *HTTPDriver) Close() error {
	return nil
}

// get runs one request on a clone of the base collector so callbacks never
// leak between downloads. colly has no context support; ctx is checked
// before the request and the collector's timeout bounds it.
func (d *HTTPDriver) get(ctx context.Context, link string) ([]byte, http.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	c := d.collector.Clone()
	c.OnRequest(func(r *colly.Request) {
		for k, v := range d.opts.Headers {
			r.Headers.Set(k, v)
		}
	})

	var (
		body   []byte
		header http.Header
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		if r.Headers != nil {
			header = *r.Headers
		}
	})

	if err := c.Visit(link); err != nil {
		return nil, nil, errors.Wrapf(err, "get %s", link)
	}
	// colly cuts the body at the limit without saying so.
	if len(body) >= d.opts.MaxBodySize {
		return nil, nil, errors.Newf("get %s: response reached the %d byte limit", link, d.opts.MaxBodySize)
	}
	if header == nil {
		header = http.Header{}
	}
	return body, header, nil
}

func isDocument(body []byte, header http.Header) bool {
	if kind, _ := filetype.Match(body); kind != filetype.Unknown {
		return true
	}
	ct := strings.ToLower(header.Get("Content-Type"))
	return strings.HasPrefix(ct, "application/pdf") || strings.HasPrefix(ct, "application/octet-stream")
}

// findDownloadLink looks for the anchor a person would click: the first label
// in priority order that some anchor's text contains, else any ".pdf" href.
func findDownloadLink(page []byte, pageURL string, labels []string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", errors.Wrapf(err, "parse %s", pageURL)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %s", pageURL)
	}

	anchors := doc.Find("a[href]")
	resolve := func(a *goquery.Selection) (string, bool) {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil || href == "" || strings.HasPrefix(href, "#") {
			return "", false
		}
		return base.ResolveReference(ref).String(), true
	}

	for _, label := range labels {
		label = strings.ToLower(label)
		var found string
		anchors.EachWithBreak(func(_ int, a *goquery.Selection) bool {
			text := strings.ToLower(strings.Join(strings.Fields(a.Text()), " "))
			if !strings.Contains(text, label) {
				return true
			}
			if link, ok := resolve(a); ok {
				found = link
				return false
			}
			return true
		})
		if found != "" {
			return found, nil
		}
	}

	var found string
	anchors.EachWithBreak(func(_ int, a *goquery.Selection) bool {
		link, ok := resolve(a)
		if ok && strings.HasSuffix(strings.ToLower(strings.SplitN(link, "?", 2)[0]), ".pdf") {
			found = link
			return false
		}
		return true
	})
	if found != "" {
		return found, nil
	}
	return "", errors.Newf("no download control on %s", pageURL)
}
