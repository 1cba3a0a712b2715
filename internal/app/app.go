package app

import (
	"context"
	"time"

	"receipt_harvester/internal/config"
	"receipt_harvester/internal/errs"
	"receipt_harvester/internal/extract"
	"receipt_harvester/internal/fetcher"
	"receipt_harvester/internal/ledger"
	"receipt_harvester/internal/logger"
	"receipt_harvester/internal/models"

	"github.com/cockroachdb/errors"
)

// Job is one invocation: which snapshot to read, where receipts go and how
// far to walk.
type Job struct {
	HTMLPath string
	OutDir   string
	Policy   RunPolicy
}

// HarvestApp wires extraction, the on-disk ledger and the controller for a
// single run. The driver session behind binder is owned by the caller.
type HarvestApp struct {
	config  *config.HarvestConfig
	binder  extract.Binder
	history HistoryRecorder
	log     *logger.Logger
}

func NewHarvestApp(cfg *config.HarvestConfig, binder extract.Binder, history HistoryRecorder, log *logger.Logger) *HarvestApp {
	return &HarvestApp{
		config:  cfg,
		binder:  binder,
		history: history,
		log:     log,
	}
}

// Run reads the snapshot, scans the output directory and walks the entries.
// Input and output errors are returned before anything is downloaded.
func (a *HarvestApp) Run(ctx context.Context, job Job) (Summary, error) {
	started := time.Now()
	a.log.Infof("🤖 Harvesting receipts from %s into %s", job.HTMLPath, job.OutDir)

	doc, err := extract.Load(job.HTMLPath)
	if err != nil {
		return Summary{State: StateStart}, err
	}

	extractor, err := extract.New(a.config.Extract, a.binder)
	if err != nil {
		return Summary{State: StateStart}, errs.Input(err, "configure extractor")
	}
	result := extractor.Extract(doc)
	for _, anomaly := range result.Anomalies {
		a.log.Warnf("⚠️ %v", anomaly)
	}
	a.log.Infof("📄 %d invoice entries on page", len(result.Entries))

	if err := ledger.EnsureDir(job.OutDir); err != nil {
		return Summary{State: StateStart}, err
	}
	downloaded, err := ledger.Scan(job.OutDir)
	if err != nil {
		return Summary{State: StateStart}, err
	}
	a.log.Infof("📁 %d receipts already in %s", downloaded.Len(), job.OutDir)

	mode := "early stop"
	if !job.Policy.EarlyStop {
		mode = "no early stop"
	}
	a.log.Debugf("mode: %s, abort on error: %t, delay: %s", mode, job.Policy.AbortOnError, job.Policy.Delay)

	ctrl := NewController(fetcher.New(job.OutDir, a.log), downloaded, job.Policy, a.log).
		WithHistory(a.history)
	sum, runErr := ctrl.Run(ctx, result.Entries)
	sum.Anomalies += len(result.Anomalies)

	a.saveRunState(ctx, job, sum, started)
	a.logSummary(sum, time.Since(started))

	if runErr != nil {
		return sum, errors.Wrapf(runErr, "run %s ended %s", sum.RunID, sum.State)
	}
	return sum, nil
}

func (a *HarvestApp) saveRunState(ctx context.Context, job Job, sum Summary, started time.Time) {
	if a.history == nil {
		return
	}
	state := &models.RunState{
		ID:         sum.RunID,
		HTMLPath:   job.HTMLPath,
		OutDir:     job.OutDir,
		EarlyStop:  job.Policy.EarlyStop,
		State:      string(sum.State),
		Entries:    sum.Entries,
		Visited:    sum.Visited,
		Fetched:    sum.Fetched,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
		Anomalies:  sum.Anomalies,
		StartedAt:  started.Unix(),
		FinishedAt: time.Now().Unix(),
	}
	if err := a.history.SaveRunState(context.WithoutCancel(ctx), state); err != nil {
		a.log.Warnf("could not save run %s: %v", sum.RunID, err)
	}
}

func (a *HarvestApp) logSummary(sum Summary, took time.Duration) {
	a.log.Infow("harvest finished",
		"run_id", sum.RunID,
		"state", sum.State,
		"entries", sum.Entries,
		"visited", sum.Visited,
		"fetched", sum.Fetched,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"anomalies", sum.Anomalies,
		"took", took.Round(time.Millisecond),
	)
	for _, f := range sum.Failures {
		a.log.Warnf("failed: %s: %v", f.ID, f.Err)
	}
}
