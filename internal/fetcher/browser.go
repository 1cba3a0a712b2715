package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"receipt_harvester/internal/extract"
	"receipt_harvester/internal/logger"
	"receipt_harvester/internal/models"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/cockroachdb/errors"
)

var errNoDownload = errors.New("click started no download")

type BrowserOptions struct {
	Headless     bool
	UserAgent    string
	Timeout      time.Duration // wait for a download to start, then to finish
	ClickTimeout time.Duration // wait for a labelled control to appear
	RenderWait   time.Duration // let the invoice page run its scripts
	Labels       []string
}

type downloadEvent struct {
	guid     string
	begun    bool
	done     bool
	canceled bool
}

// BrowserDriver drives one Chrome tab. Chrome is the single shared session,
// so downloads go strictly one at a time.
type BrowserDriver struct {
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
	downloadDir string
	events      chan downloadEvent
	opts        BrowserOptions
	log         *logger.Logger

	// abort cancels a download Chrome is still writing.
	abort func(guid string)
}

func NewBrowserDriver(ctx context.Context, opts BrowserOptions, log *logger.Logger) (*BrowserDriver, error) {
	dir, err := os.MkdirTemp("", "receipt-downloads-*")
	if err != nil {
		return nil, errors.Wrap(err, "create download directory")
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.UserAgent(opts.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	d := &BrowserDriver{
		allocCancel: allocCancel,
		tab:         tab,
		tabCancel:   tabCancel,
		downloadDir: dir,
		events:      make(chan downloadEvent, 32),
		opts:        opts,
		log:         log,
	}
	d.abort = d.cancelDownload
	chromedp.ListenTarget(tab, d.onEvent)

	err = chromedp.Run(tab,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
	)
	if err != nil {
		_ = d.Close()
		return nil, errors.Wrap(err, "launch browser")
	}
	return d, nil
}

func (d *BrowserDriver) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *browser.EventDownloadWillBegin:
		d.emit(downloadEvent{guid: ev.GUID, begun: true})
	case *browser.EventDownloadProgress:
		switch ev.State {
		case browser.DownloadProgressStateCompleted:
			d.emit(downloadEvent{guid: ev.GUID, done: true})
		case browser.DownloadProgressStateCanceled:
			d.emit(downloadEvent{guid: ev.GUID, canceled: true})
		}
	}
}

// emit never blocks: listeners run on chromedp's event loop.
func (d *BrowserDriver) emit(e downloadEvent) {
	select {
	case d.events <- e:
	default:
		d.log.Warnf("dropping download event for %s", e.guid)
	}
}

func (d *BrowserDriver) drain() {
	for {
		select {
		case <-d.events:
		default:
			return
		}
	}
}

func (d *BrowserDriver) Download(ctx context.Context, link string) (models.Receipt, error) {
	d.drain()

	budget := d.opts.RenderWait + time.Duration(len(d.opts.Labels)+1)*(d.opts.ClickTimeout+d.opts.Timeout)
	runCtx, cancel := context.WithTimeout(d.tab, budget)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, chromedp.Navigate(link)); err != nil {
		// Chrome aborts the navigation when the link itself is a download.
		if !strings.Contains(err.Error(), "net::ERR_ABORTED") {
			return models.Receipt{}, errors.Wrapf(err, "open %s", link)
		}
		guid, err := d.awaitDownload(runCtx)
		if err != nil {
			return models.Receipt{}, errors.Wrapf(err, "download %s", link)
		}
		payload, err := d.collect(guid)
		return models.Receipt{Payload: payload}, err
	}

	if d.opts.RenderWait > 0 {
		if err := chromedp.Run(runCtx, chromedp.Sleep(d.opts.RenderWait)); err != nil {
			return models.Receipt{}, errors.Wrapf(err, "render %s", link)
		}
	}
	details := d.pageDetails(runCtx, link)

	for _, label := range d.opts.Labels {
		clicked, err := d.click(runCtx, label)
		if err != nil {
			return models.Receipt{}, err
		}
		if !clicked {
			continue
		}
		guid, err := d.awaitDownload(runCtx)
		if errors.Is(err, errNoDownload) {
			d.log.Debugf("%q on %s started no download", label, link)
			continue
		}
		if err != nil {
			return models.Receipt{}, errors.Wrapf(err, "download %s", link)
		}
		payload, err := d.collect(guid)
		if err != nil {
			return models.Receipt{}, err
		}
		return models.Receipt{
			Payload:       payload,
			InvoiceNumber: details.InvoiceNumber,
			PaidAt:        details.PaidAt,
		}, nil
	}
	return models.Receipt{}, errors.Newf("no download control on %s", link)
}

// pageDetails reads the invoice details table of the rendered page. A page
// without one is not an error.
func (d *BrowserDriver) pageDetails(ctx context.Context, link string) extract.Details {
	var page string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &page, chromedp.ByQuery)); err != nil {
		d.log.Debugf("could not read %s: %v", link, err)
		return extract.Details{}
	}
	return extract.ParseInvoiceDetails([]byte(page))
}

func (d *BrowserDriver) click(ctx context.Context, label string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, d.opts.ClickTimeout)
	defer cancel()

	err := chromedp.Run(cctx, chromedp.Click(labelXPath(label), chromedp.BySearch, chromedp.NodeVisible))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

// awaitDownload waits for the download started by the last click. Only
// events for the download that began during this call count: a download
// left over from an earlier entry may still finish while this one waits.
func (d *BrowserDriver) awaitDownload(ctx context.Context) (string, error) {
	timer := time.NewTimer(d.opts.Timeout)
	defer timer.Stop()

	var guid string
	for {
		select {
		case <-ctx.Done():
			if guid != "" {
				d.abort(guid)
			}
			return "", ctx.Err()
		case <-timer.C:
			if guid == "" {
				return "", errNoDownload
			}
			d.abort(guid)
			return "", errors.Newf("download %s did not finish within %s", guid, d.opts.Timeout)
		case ev := <-d.events:
			switch {
			case ev.begun && guid == "":
				guid = ev.guid
				timer.Reset(d.opts.Timeout)
			case guid == "" || ev.guid != guid || ev.begun:
				d.log.Debugf("ignoring event for download %s", ev.guid)
			case ev.done:
				return guid, nil
			case ev.canceled:
				return "", errors.Newf("download %s was canceled", guid)
			}
		}
	}
}

func (d *BrowserDriver) cancelDownload(guid string) {
	ctx, cancel := context.WithTimeout(d.tab, 2*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, browser.CancelDownload(guid)); err != nil {
		d.log.Debugf("could not cancel download %s: %v", guid, err)
	}
}

// collect reads a finished download. With allow-and-name Chrome stores it
// under its GUID.
func (d *BrowserDriver) collect(guid string) ([]byte, error) {
	path := filepath.Join(d.downloadDir, guid)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read download %s", guid)
	}
	if err := os.Remove(path); err != nil {
		d.log.Warnf("could not remove %s: %v", path, err)
	}
	return data, nil
}

func (d *BrowserDriver) Close() error {
	d.tabCancel()
	d.allocCancel()
	return os.RemoveAll(d.downloadDir)
}

// labelXPath matches a visible button or link whose text contains label,
// ignoring case.
func labelXPath(label string) string {
	const (
		upper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
		lower = "abcdefghijklmnopqrstuvwxyz"
	)
	needle := strings.ToLower(strings.ReplaceAll(label, "'", ""))
	pred := fmt.Sprintf("[contains(translate(normalize-space(.), '%s', '%s'), '%s')]", upper, lower, needle)
	return "//button" + pred + " | //a" + pred + " | //*[@role='button']" + pred
}
