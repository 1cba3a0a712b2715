package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"
)

const (
	DriverBrowser = "browser"
	DriverHTTP    = "http"
)

const DefaultLinkPattern = `^https://invoice\.stripe\.com/i/`

type ExtractConfig struct {
	BaseURL        string `yaml:"base_url"`
	LinkPattern    string `yaml:"link_pattern"`
	RowSelector    string `yaml:"row_selector"`
	IDSelector     string `yaml:"id_selector"`
	DateSelector   string `yaml:"date_selector"`
	AmountSelector string `yaml:"amount_selector"`
}

type FetchConfig struct {
	Driver         string   `yaml:"driver"`
	Headless       bool     `yaml:"headless"`
	UserAgent      string   `yaml:"user_agent"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	ClickTimeoutMS int      `yaml:"click_timeout_ms"`
	RenderWaitMS   int      `yaml:"render_wait_ms"`
	DelayMS        int      `yaml:"delay_ms"`
	RespectRobots  bool     `yaml:"respect_robots"`
	DownloadLabels []string `yaml:"download_labels"`
	AbortOnError   bool     `yaml:"abort_on_error"`

	// Headers are sent with every request of the http driver, e.g. a
	// session Cookie copied from the browser.
	Headers map[string]string `yaml:"headers"`
}

type DBConfig struct {
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		History string `yaml:"history"`
		Runs    string `yaml:"runs"`
	} `yaml:"collections"`
}

// Enabled reports whether a history sink was configured.
func (c DBConfig) Enabled() bool {
	return c.Connection != ""
}

type HarvestConfig struct {
	Extract ExtractConfig `yaml:"extract"`
	Fetch   FetchConfig   `yaml:"fetch"`
	DB      DBConfig      `yaml:"db"`
}

// Default mirrors the behaviour of the tool without any config file.
func Default() *HarvestConfig {
	cfg := &HarvestConfig{
		Fetch: FetchConfig{Headless: true},
	}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (*HarvestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := &HarvestConfig{
		Fetch: FetchConfig{Headless: true},
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *HarvestConfig) applyDefaults() {
	if c.Extract.LinkPattern == "" {
		c.Extract.LinkPattern = DefaultLinkPattern
	}
	if c.Fetch.Driver == "" {
		c.Fetch.Driver = DriverBrowser
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	if c.Fetch.TimeoutSec == 0 {
		c.Fetch.TimeoutSec = 15
	}
	if c.Fetch.ClickTimeoutMS == 0 {
		c.Fetch.ClickTimeoutMS = 2000
	}
	if c.Fetch.RenderWaitMS == 0 {
		c.Fetch.RenderWaitMS = 5000
	}
	if c.Fetch.DelayMS == 0 {
		c.Fetch.DelayMS = 400
	}
	if len(c.Fetch.DownloadLabels) == 0 {
		c.Fetch.DownloadLabels = []string{
			"Download receipt",
			"Download invoice",
			"Download PDF",
			"Download",
		}
	}
	if c.DB.Database == "" {
		c.DB.Database = "receipts"
	}
	if c.DB.Collections.History == "" {
		c.DB.Collections.History = "receipt_history"
	}
	if c.DB.Collections.Runs == "" {
		c.DB.Collections.Runs = "receipt_runs"
	}
}

func (c *HarvestConfig) Validate() error {
	switch c.Fetch.Driver {
	case DriverBrowser, DriverHTTP:
	default:
		return errors.Newf("unknown driver %q (want %q or %q)", c.Fetch.Driver, DriverBrowser, DriverHTTP)
	}
	if c.Fetch.TimeoutSec < 0 || c.Fetch.DelayMS < 0 || c.Fetch.RenderWaitMS < 0 || c.Fetch.ClickTimeoutMS < 0 {
		return errors.New("fetch timings must not be negative")
	}
	return nil
}

func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

func (f FetchConfig) ClickTimeout() time.Duration {
	return time.Duration(f.ClickTimeoutMS) * time.Millisecond
}

func (f FetchConfig) RenderWait() time.Duration {
	return time.Duration(f.RenderWaitMS) * time.Millisecond
}

func (f FetchConfig) Delay() time.Duration {
	return time.Duration(f.DelayMS) * time.Millisecond
}
