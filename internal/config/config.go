package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the crawl
// engine: scheduling limits, per-host session defaults, robots handling,
// HTML post-processing, and logging.
type Config struct {
	Crawl      CrawlConfig      `yaml:"crawl"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Session    SessionConfig    `yaml:"session"`
	Robots     RobotsConfig     `yaml:"robots"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CrawlConfig controls the batch's seeds, fetch limits, and redirect
// handling.
type CrawlConfig struct {
	Seeds          []SeedConfig      `yaml:"seeds"`
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ProxyURL       string            `yaml:"proxy_url"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	MaxRedirects   int               `yaml:"max_redirects"`

	// MaxRequestsPerSecond caps the fetcher's total outbound rate across
	// every host and IP. Zero disables the cap, leaving pacing entirely to
	// the per-host/per-IP scheduler.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
}

// SeedConfig declares an initial URL for the crawl batch.
type SeedConfig struct {
	URL   string `yaml:"url"`
	Label string `yaml:"label"`
}

// SchedulerConfig tunes the per-IP RequestScheduler's pacing and
// concurrency (spec §4.2).
type SchedulerConfig struct {
	Delay               Duration `yaml:"delay"`
	ConnectionLimit     int      `yaml:"connection_limit"`
	AcquireTimeout      Duration `yaml:"acquire_timeout"`
	EvictionGracePeriod Duration `yaml:"eviction_grace_period"`
}

// SessionConfig tunes the per-host HostSession's crawl delay.
type SessionConfig struct {
	CrawlDelay          Duration `yaml:"crawl_delay"`
	AcquireTimeout      Duration `yaml:"acquire_timeout"`
	EvictionGracePeriod Duration `yaml:"eviction_grace_period"`
}

// PreprocessConfig configures HTML sanitisation run over fetched pages.
type PreprocessConfig struct {
	RemoveAds        bool     `yaml:"remove_ads"`
	RemoveScripts    bool     `yaml:"remove_scripts"`
	RemoveStyles     bool     `yaml:"remove_styles"`
	TrimWhitespace   bool     `yaml:"trim_whitespace"`
	AdSelectors      []string `yaml:"ad_selectors"`
	ExtraDropClasses []string `yaml:"extra_drop_classes"`
	ExtractLinks     bool     `yaml:"extract_links"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults, matching the
// scheduler and session defaults the core package itself falls back to.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			UserAgent:      "crawlcore/1.0",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(10 * time.Second),
			MaxBodyBytes:   5 * 1024 * 1024,
			MaxRedirects:   10,
		},
		Scheduler: SchedulerConfig{
			Delay:               DurationFrom(500 * time.Millisecond),
			ConnectionLimit:     4,
			AcquireTimeout:      DurationFrom(500 * time.Millisecond),
			EvictionGracePeriod: DurationFrom(30 * time.Second),
		},
		Session: SessionConfig{
			CrawlDelay:          DurationFrom(1000 * time.Millisecond),
			AcquireTimeout:      DurationFrom(1000 * time.Millisecond),
			EvictionGracePeriod: DurationFrom(30 * time.Second),
		},
		Preprocess: PreprocessConfig{
			RemoveAds:      true,
			RemoveScripts:  true,
			RemoveStyles:   false,
			TrimWhitespace: true,
			AdSelectors: []string{
				"[class*='advert']",
				"[class*='ad-']",
				"[id*='ad']",
				"script",
				"iframe[src*='ads']",
			},
			ExtractLinks: true,
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	cfg := Default()
	if err := decodeYAML(fh, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := LoadFromReaderUnvalidated(r)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReaderUnvalidated decodes configuration without enforcing
// Validate, for callers that assemble required fields (such as seeds)
// from another source after decoding.
func LoadFromReaderUnvalidated(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the crawl configuration.
func (c Config) Validate() error {
	if len(c.Crawl.Seeds) == 0 {
		return errors.New("at least one crawl seed must be configured")
	}
	for i := range c.Crawl.Seeds {
		if c.Crawl.Seeds[i].URL == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if c.Crawl.MaxRedirects < 0 {
		return fmt.Errorf("crawl.max_redirects must be >= 0 (got %d)", c.Crawl.MaxRedirects)
	}
	if c.Crawl.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("crawl.max_requests_per_second must be >= 0 (got %v)", c.Crawl.MaxRequestsPerSecond)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Scheduler.ConnectionLimit <= 0 {
		return fmt.Errorf("scheduler.connection_limit must be > 0 (got %d)", c.Scheduler.ConnectionLimit)
	}
	if c.Scheduler.Delay.Duration < 0 {
		return errors.New("scheduler.delay must be >= 0")
	}
	if c.Session.CrawlDelay.Duration < 0 {
		return errors.New("session.crawl_delay must be >= 0")
	}
	return nil
}

func (c *Config) normalise() {
	for i := range c.Crawl.Seeds {
		c.Crawl.Seeds[i].URL = strings.TrimSpace(c.Crawl.Seeds[i].URL)
		c.Crawl.Seeds[i].Label = strings.TrimSpace(c.Crawl.Seeds[i].Label)
	}
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)

	if len(c.Robots.Overrides) > 0 {
		unique := make(map[string]struct{}, len(c.Robots.Overrides))
		cleaned := make([]string, 0, len(c.Robots.Overrides))
		for _, raw := range c.Robots.Overrides {
			host := strings.ToLower(strings.TrimSpace(raw))
			if host == "" {
				continue
			}
			if _, exists := unique[host]; exists {
				continue
			}
			unique[host] = struct{}{}
			cleaned = append(cleaned, host)
		}
		sort.Strings(cleaned)
		c.Robots.Overrides = cleaned
	}
}
