package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"receipt_harvester/internal/config"
	"receipt_harvester/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInvoiceServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/i/inv1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body>
<a href="/help">Help</a>
<a href="/files/inv1.pdf"> Download
  Receipt </a>
<a href="/files/inv1-invoice.pdf">Download invoice</a>
</body></html>`)
	})
	mux.HandleFunc("/i/detailed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<table class="InvoiceDetails-table"><tbody>
  <tr class="LabeledTableRow"><td>Invoice number</td><td> 5F0E2A7B-0003 </td></tr>
  <tr class="LabeledTableRow"><td>Payment date</td><td>Sept 3, 2025</td></tr>
</tbody></table>
<a href="/files/inv3.pdf">Download receipt</a>
</body></html>`)
	})
	mux.HandleFunc("/i/pdf-only", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/files/inv2.PDF?sig=1">inv2</a></body></html>`)
	})
	mux.HandleFunc("/i/nothing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>Sign in to continue</body></html>`)
	})
	mux.HandleFunc("/i/login-wall", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/login">Download receipt</a></body></html>`)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>Please log in</body></html>`)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	})
	mux.HandleFunc("/direct.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	})
	mux.HandleFunc("/private.pdf", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "session=abc" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Write(pdf)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testHTTPOptions() HTTPOptions {
	cfg := config.Default().Fetch
	return HTTPOptions{
		UserAgent: cfg.UserAgent,
		Timeout:   5 * time.Second,
		Labels:    cfg.DownloadLabels,
	}
}

func newTestHTTPDriver(headers map[string]string) *HTTPDriver {
	opts := testHTTPOptions()
	opts.Headers = headers
	return NewHTTPDriver(opts, logger.Nop())
}

func TestHTTPDriver_FollowsDownloadLabel(t *testing.T) {
	srv := newInvoiceServer(t)
	d := newTestHTTPDriver(nil)

	receipt, err := d.Download(context.Background(), srv.URL+"/i/inv1")
	require.NoError(t, err)
	assert.Equal(t, pdf, receipt.Payload)
	assert.Empty(t, receipt.InvoiceNumber)
	assert.True(t, receipt.PaidAt.IsZero())
}

func TestHTTPDriver_ReadsInvoiceDetails(t *testing.T) {
	srv := newInvoiceServer(t)
	d := newTestHTTPDriver(nil)

	receipt, err := d.Download(context.Background(), srv.URL+"/i/detailed")
	require.NoError(t, err)
	assert.Equal(t, pdf, receipt.Payload)
	assert.Equal(t, "5F0E2A7B-0003", receipt.InvoiceNumber)
	assert.Equal(t, time.Date(2025, time.September, 3, 0, 0, 0, 0, time.UTC), receipt.PaidAt)
}

func TestHTTPDriver_RejectsBodyAtSizeLimit(t *testing.T) {
	srv := newInvoiceServer(t)

	opts := testHTTPOptions()
	opts.MaxBodySize = 16
	_, err := NewHTTPDriver(opts, logger.Nop()).Download(context.Background(), srv.URL+"/direct.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "16 byte limit")

	opts.MaxBodySize = len(pdf) + 1
	receipt, err := NewHTTPDriver(opts, logger.Nop()).Download(context.Background(), srv.URL+"/direct.pdf")
	require.NoError(t, err)
	assert.Equal(t, pdf, receipt.Payload)
}

func TestHTTPDriver_FallsBackToPDFHref(t *testing.T) {
	srv := newInvoiceServer(t)
	d := newTestHTTPDriver(nil)

	receipt, err := d.Download(context.Background(), srv.URL+"/i/pdf-only")
	require.NoError(t, err)
	assert.Equal(t, pdf, receipt.Payload)
}

func TestHTTPDriver_DirectDocument(t *testing.T) {
	srv := newInvoiceServer(t)
	d := newTestHTTPDriver(nil)

	receipt, err := d.Download(context.Background(), srv.URL+"/direct.pdf")
	require.NoError(t, err)
	assert.Equal(t, pdf, receipt.Payload)
}

func TestHTTPDriver_SendsHeaders(t *testing.T) {
	srv := newInvoiceServer(t)

	_, err := newTestHTTPDriver(nil).Download(context.Background(), srv.URL+"/private.pdf")
	require.Error(t, err)

	receipt, err := newTestHTTPDriver(map[string]string{"Cookie": "session=abc"}).Download(context.Background(), srv.URL+"/private.pdf")
	require.NoError(t, err)
	assert.Equal(t, pdf, receipt.Payload)
}

func TestHTTPDriver_Errors(t *testing.T) {
	srv := newInvoiceServer(t)
	d := newTestHTTPDriver(nil)

	_, err := d.Download(context.Background(), srv.URL+"/i/nothing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no download control")

	_, err = d.Download(context.Background(), srv.URL+"/i/login-wall")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a document")

	_, err = d.Download(context.Background(), srv.URL+"/missing")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Download(ctx, srv.URL+"/direct.pdf")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindDownloadLink_LabelPriority(t *testing.T) {
	page := []byte(`<a href="/a.pdf">Download</a><a href="/b.pdf">Download receipt</a>`)
	link, err := findDownloadLink(page, "https://example.com/i/x", []string{"Download receipt", "Download"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/b.pdf", link)
}

func TestLabelXPath(t *testing.T) {
	xp := labelXPath("Download Receipt")
	assert.Contains(t, xp, "'download receipt'")
	assert.Contains(t, xp, "//button[")
	assert.Contains(t, xp, "//a[")

	assert.NotContains(t, labelXPath("Don't download"), "n't")
}
