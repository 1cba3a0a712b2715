package fetcher

import (
	"context"

	"receipt_harvester/internal/config"
	"receipt_harvester/internal/logger"

	"github.com/cockroachdb/errors"
)

// NewDriver starts the driver named by cfg.Driver. The caller closes it,
// usually through the Session that wraps it.
func NewDriver(ctx context.Context, cfg config.FetchConfig, log *logger.Logger) (Driver, error) {
	switch cfg.Driver {
	case config.DriverBrowser, "":
		log.Infof("🌐 Launching browser (headless: %t)", cfg.Headless)
		d, err := NewBrowserDriver(ctx, BrowserOptions{
			Headless:     cfg.Headless,
			UserAgent:    cfg.UserAgent,
			Timeout:      cfg.Timeout(),
			ClickTimeout: cfg.ClickTimeout(),
			RenderWait:   cfg.RenderWait(),
			Labels:       cfg.DownloadLabels,
		}, log)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverHTTP:
		return NewHTTPDriver(HTTPOptions{
			UserAgent:     cfg.UserAgent,
			Timeout:       cfg.Timeout(),
			Labels:        cfg.DownloadLabels,
			Headers:       cfg.Headers,
			RespectRobots: cfg.RespectRobots,
		}, log), nil
	default:
		return nil, errors.Newf("unknown driver %q", cfg.Driver)
	}
}
