package commands

import (
	"context"
	"fmt"
	"os"

	"receipt_harvester/internal/app"
	"receipt_harvester/internal/config"
	"receipt_harvester/internal/db"
	"receipt_harvester/internal/errs"
	"receipt_harvester/internal/fetcher"
	"receipt_harvester/internal/logger"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type options struct {
	htmlPath     string
	outDir       string
	configPath   string
	driver       string
	baseURL      string
	noEarlyStop  bool
	headed       bool
	abortOnError bool
	debug        bool
}

func NewRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "receipts --html <billing.html> --out <dir>",
		Short: "receipts downloads every invoice listed on a saved billing page, once.",
		Long: `receipts reads a saved billing history page, lists the invoices on it and
downloads each one into --out. Files already in --out are never fetched
again. By default the run stops at the first invoice already on disk; use
--no-early-stop to walk the whole page and fill gaps.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.htmlPath, "html", "", "Saved billing history page (required).")
	flags.StringVar(&opts.outDir, "out", "", "Directory receipts are written to; created if missing (required).")
	flags.StringVar(&opts.configPath, "config", "", "Optional YAML config file.")
	flags.StringVar(&opts.driver, "driver", config.DriverBrowser, "Download driver: browser or http.")
	flags.StringVar(&opts.baseURL, "base-url", "", "Base URL for relative invoice links.")
	flags.BoolVar(&opts.noEarlyStop, "no-early-stop", false, "Visit every invoice instead of stopping at the first one already downloaded.")
	flags.BoolVar(&opts.headed, "headed", false, "Show the browser window.")
	flags.BoolVar(&opts.abortOnError, "abort-on-error", false, "Stop at the first failed download.")
	flags.BoolVar(&opts.debug, "debug", false, "Debug logging.")

	return cmd
}

// loadConfig reads the config file if one was given and lets explicitly set
// flags override it.
func loadConfig(cmd *cobra.Command, opts *options) (*config.HarvestConfig, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Fetch.Driver = opts.driver
	}
	if flags.Changed("base-url") {
		cfg.Extract.BaseURL = opts.baseURL
	}
	if opts.headed {
		cfg.Fetch.Headless = false
	}
	if opts.abortOnError {
		cfg.Fetch.AbortOnError = true
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, opts *options) error {
	if opts.htmlPath == "" {
		return errs.Input(errors.New("--html is required"), "arguments")
	}
	if opts.outDir == "" {
		return errs.Output(errors.New("--out is required"), "arguments")
	}
	if _, err := os.Stat(opts.htmlPath); err != nil {
		return errs.Input(err, "billing page")
	}

	log, err := logger.NewLogger(opts.debug)
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	defer log.Sync()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return errors.Wrap(err, "config")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var history app.HistoryRecorder
	if cfg.DB.Enabled() {
		mongoDB, err := db.NewMongoDB(ctx, cfg.DB)
		if err != nil {
			log.Warnf("⚠️ run history disabled: %v", err)
		} else {
			defer mongoDB.Close()
			history = mongoDB
			if last, err := mongoDB.LastRun(ctx); err == nil && last != nil {
				log.Infof("previous run %s ended %s with %d fetched", last.ID, last.State, last.Fetched)
			}
		}
	}

	// Chrome only starts once a receipt actually needs downloading.
	session := fetcher.NewLazySession(func() (fetcher.Driver, error) {
		return fetcher.NewDriver(ctx, cfg.Fetch, log)
	})
	defer session.Close()

	policy := app.RunPolicy{
		EarlyStop:    !opts.noEarlyStop,
		AbortOnError: cfg.Fetch.AbortOnError,
		Delay:        cfg.Fetch.Delay(),
	}
	harvester := app.NewHarvestApp(cfg, session, history, log)
	_, err = harvester.Run(ctx, app.Job{
		HTMLPath: opts.htmlPath,
		OutDir:   opts.outDir,
		Policy:   policy,
	})
	return err
}

func ExecuteContext(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
