// Package crawlcore wires the core crawl engine together with its
// external collaborators: the HTTP fetcher, the robots.txt checker, the
// URL canonicalizer, the HTML processor, and the HAR-style result
// builder, all configured from a single config.Config.
package crawlcore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"crawlcore/internal/canonurl"
	"crawlcore/internal/config"
	"crawlcore/internal/core"
	"crawlcore/internal/fetcher"
	"crawlcore/internal/logging"
	"crawlcore/internal/processor"
	"crawlcore/internal/resultbuilder"
	"crawlcore/internal/robots"
)

// Crawler bundles an Engine with the options its Crawl calls reuse.
type Crawler struct {
	Engine  *core.Engine
	Options core.CrawlOptions
	Logger  *slog.Logger
}

// New builds a fully wired Crawler from cfg. If logger is nil, one is
// built from cfg.Logging.
func New(cfg config.Config, logger *slog.Logger) (*Crawler, error) {
	var err error
	if logger == nil {
		logger, err = logging.Build(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("crawlcore: build logger: %w", err)
		}
	}

	robotsAgent := robots.NewAgent(robots.Options{
		Respect:   cfg.Robots.Respect,
		CacheTTL:  cfg.Robots.CacheTTL.Duration,
		Overrides: cfg.Robots.Overrides,
	}, &http.Client{Timeout: cfg.Crawl.RequestTimeout.Duration})

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:            cfg.Crawl.UserAgent,
		Headers:              cfg.Crawl.Headers,
		Timeout:              cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes:         cfg.Crawl.MaxBodyBytes,
		ProxyURL:             cfg.Crawl.ProxyURL,
		MaxRequestsPerSecond: cfg.Crawl.MaxRequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("crawlcore: build fetcher: %w", err)
	}

	htmlProcessor := processor.NewHTMLProcessor(cfg.Preprocess)

	behaviors := core.BehaviorSet{
		CreateHostSession: func(ctx context.Context, t *core.Trace) (*core.HostSession, error) {
			return core.NewHostSession(cfg.Session.CrawlDelay.Duration, robotsAgent), nil
		},
		CreateScheduler: func(ctx context.Context, t *core.Trace) (*core.RequestScheduler, error) {
			return core.NewRequestScheduler(cfg.Scheduler.Delay.Duration, cfg.Scheduler.ConnectionLimit), nil
		},
		FetchPageContent: httpFetcher.Fetch,
	}
	behaviors.FillDefaults()

	canon := canonurl.New()

	engine := core.NewEngine(behaviors, canon, logger, core.EngineOptions{
		SessionTimeout:         cfg.Session.AcquireTimeout.Duration,
		SchedulerTimeout:       cfg.Scheduler.AcquireTimeout.Duration,
		SessionEvictionGrace:   cfg.Session.EvictionGracePeriod.Duration,
		SchedulerEvictionGrace: cfg.Scheduler.EvictionGracePeriod.Duration,
		MaxRedirects:           cfg.Crawl.MaxRedirects,
		DefaultFetchLimit:      cfg.Crawl.MaxBodyBytes,
		UserAgent:              cfg.Crawl.UserAgent,
	})

	opts := core.CrawlOptions{
		Builder:      resultbuilder.New(),
		FetchLimit:   cfg.Crawl.MaxBodyBytes,
		ExtraHeaders: cfg.Crawl.Headers,
		Processors: func(t *core.Trace) []core.Processor {
			return []core.Processor{htmlProcessor}
		},
	}

	return &Crawler{Engine: engine, Options: opts, Logger: logger}, nil
}

// Seeds extracts the seed URL strings from a CrawlConfig, in order.
func Seeds(cfg config.CrawlConfig) []string {
	urls := make([]string, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		urls = append(urls, s.URL)
	}
	return urls
}
