package app

import (
	"context"
	"path/filepath"
	"time"

	"receipt_harvester/internal/errs"
	"receipt_harvester/internal/ledger"
	"receipt_harvester/internal/logger"
	"receipt_harvester/internal/models"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type State string

const (
	StateStart        State = "START"
	StateScanning     State = "SCANNING"
	StateDone         State = "DONE"
	StateStoppedEarly State = "STOPPED_EARLY"
	StateInterrupted  State = "INTERRUPTED"
	StateAborted      State = "ABORTED"
)

// RunPolicy controls how far a run walks the page.
type RunPolicy struct {
	// EarlyStop ends the run at the first entry already on disk. Entries are
	// newest first, so everything after it is assumed to be on disk too.
	EarlyStop bool
	// AbortOnError ends the run at the first failed fetch.
	AbortOnError bool
	// Delay is the pause between two downloads.
	Delay time.Duration
}

func DefaultPolicy() RunPolicy {
	return RunPolicy{EarlyStop: true, Delay: 400 * time.Millisecond}
}

type Failure struct {
	ID  string
	Err error
}

type Summary struct {
	RunID     string
	State     State
	Entries   int
	Visited   int
	Fetched   int
	Skipped   int
	Failed    int
	Anomalies int
	Failures  []Failure
	StoppedAt string // identifier that triggered an early stop
}

// ReceiptFetcher downloads and stores one entry.
type ReceiptFetcher interface {
	Fetch(ctx context.Context, entry models.InvoiceEntry) (models.StoredReceipt, error)
}

// HistoryRecorder receives one record per visited entry. Recording is best
// effort and never changes the outcome of a run.
type HistoryRecorder interface {
	RecordEntry(ctx context.Context, h *models.ReceiptHistory) error
	SaveRunState(ctx context.Context, state *models.RunState) error
}

type nopRecorder struct{}

func (nopRecorder) RecordEntry(context.Context, *models.ReceiptHistory) error { return nil }
func (nopRecorder) SaveRunState(context.Context, *models.RunState) error      { return nil }

// Controller walks extracted entries in page order and decides, per entry,
// whether to fetch it, skip it or stop. A Controller serves a single run.
type Controller struct {
	fetcher    ReceiptFetcher
	downloaded ledger.Set
	handled    ledger.Set
	policy     RunPolicy
	history    HistoryRecorder
	log        *logger.Logger
	runID      string
	state      State
}

func NewController(fetcher ReceiptFetcher, downloaded ledger.Set, policy RunPolicy, log *logger.Logger) *Controller {
	if downloaded == nil {
		downloaded = ledger.NewSet()
	}
	return &Controller{
		fetcher:    fetcher,
		downloaded: downloaded,
		handled:    ledger.NewSet(),
		policy:     policy,
		history:    nopRecorder{},
		log:        log,
		runID:      uuid.NewString(),
		state:      StateStart,
	}
}

// WithHistory attaches a history sink. A nil recorder is ignored.
func (c *Controller) WithHistory(h HistoryRecorder) *Controller {
	if h != nil {
		c.history = h
	}
	return c
}

func (c *Controller) RunID() string {
	return c.runID
}

func (c *Controller) State() State {
	return c.state
}

// Run visits entries once. The returned error is non-nil only when the run
// was interrupted or aborted on a fetch failure; the summary is filled in
// either way. A driver that cannot start aborts the run whatever the policy.
func (c *Controller) Run(ctx context.Context, entries []models.InvoiceEntry) (Summary, error) {
	sum := Summary{RunID: c.runID, Entries: len(entries)}
	c.state = StateScanning

	var (
		newest   time.Time
		attempts int
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return c.finish(&sum, StateInterrupted), errors.Wrap(err, "harvest interrupted")
		}
		sum.Visited++

		if e.HasDate() {
			if !newest.IsZero() && e.IssuedAt.After(newest) {
				sum.Anomalies++
				c.log.Warnf("⚠️ %s (%s) is newer than an entry above it; page may not be newest-first",
					e.ID, e.IssuedAt.Format("2006-01-02"))
			}
			newest = e.IssuedAt
		}

		if c.handled.Has(e.ID) {
			sum.Anomalies++
			c.log.Warnw("duplicate identifier on page, skipping", "id", e.ID, "rank", e.Rank,
				"error", errs.Anomaly("row %d repeats identifier %s", e.Rank, e.ID))
			c.record(ctx, e, models.OutcomeDuplicate, models.StoredReceipt{}, 0, nil)
			continue
		}
		c.handled.Add(e.ID)

		if c.downloaded.Has(e.ID) {
			if c.policy.EarlyStop {
				sum.StoppedAt = e.ID
				c.log.Infof("⏹  %s already downloaded, stopping", e.ID)
				c.record(ctx, e, models.OutcomeStopped, models.StoredReceipt{}, 0, nil)
				return c.finish(&sum, StateStoppedEarly), nil
			}
			sum.Skipped++
			c.log.Infof("⏭  %s already downloaded, skipping", e.ID)
			c.record(ctx, e, models.OutcomeSkipped, models.StoredReceipt{}, 0, nil)
			continue
		}

		if attempts > 0 {
			if err := pause(ctx, c.policy.Delay); err != nil {
				return c.finish(&sum, StateInterrupted), errors.Wrap(err, "harvest interrupted")
			}
		}
		attempts++

		started := time.Now()
		stored, err := c.fetcher.Fetch(ctx, e)
		took := time.Since(started)
		if err != nil {
			if ctx.Err() != nil {
				c.record(ctx, e, models.OutcomeFailed, stored, took, err)
				return c.finish(&sum, StateInterrupted), errors.Wrap(ctx.Err(), "harvest interrupted")
			}
			sum.Failed++
			sum.Failures = append(sum.Failures, Failure{ID: e.ID, Err: err})
			c.log.Errorf("❌ %s: %v", e.ID, err)
			c.record(ctx, e, models.OutcomeFailed, stored, took, err)
			if c.policy.AbortOnError || errs.IsDriver(err) {
				return c.finish(&sum, StateAborted), err
			}
			continue
		}

		c.downloaded.Add(e.ID)
		sum.Fetched++
		if stored.InvoiceNumber != "" {
			c.log.Infof("✅ %s (invoice %s) → %s (%s)", e.ID, stored.InvoiceNumber, filepath.Base(stored.Path), took.Round(time.Millisecond))
		} else {
			c.log.Infof("✅ %s → %s (%s)", e.ID, filepath.Base(stored.Path), took.Round(time.Millisecond))
		}
		c.record(ctx, e, models.OutcomeFetched, stored, took, nil)
	}

	return c.finish(&sum, StateDone), nil
}

func (c *Controller) finish(sum *Summary, state State) Summary {
	c.state = state
	sum.State = state
	return *sum
}

func (c *Controller) record(ctx context.Context, e models.InvoiceEntry, outcome models.Outcome, stored models.StoredReceipt, took time.Duration, err error) {
	h := &models.ReceiptHistory{
		ID:         uuid.NewString(),
		RunID:      c.runID,
		Identifier: e.ID,
		Link:       e.Link,
		Currency:   e.Currency,
		Status:     outcome,
		Invoice:    stored.InvoiceNumber,
		Timestamp:  time.Now().Unix(),
		Duration:   int(took.Milliseconds()),
	}
	if stored.Path != "" {
		h.Filename = filepath.Base(stored.Path)
	}
	if e.HasDate() {
		h.IssuedAt = e.IssuedAt.Unix()
	}
	if !stored.PaidAt.IsZero() {
		h.PaidAt = stored.PaidAt.Unix()
	}
	if e.Currency != "" || !e.Amount.IsZero() {
		h.Amount = e.Amount.StringFixed(2)
	}
	if err != nil {
		h.ErrorMessage = err.Error()
	}

	if rerr := c.history.RecordEntry(context.WithoutCancel(ctx), h); rerr != nil {
		c.log.Warnf("could not record history for %s: %v", e.ID, rerr)
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
