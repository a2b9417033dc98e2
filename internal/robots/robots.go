// Package robots implements core.RobotsChecker: a TTL-cached, fail-open
// robots.txt evaluator.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/temoto/robotstxt"
)

// maxCachedHosts bounds the robots.txt cache so a long-running crawl over
// many distinct hosts can't grow it without limit.
const maxCachedHosts = 4096

// Options configures an Agent. It intentionally does not depend on
// internal/config, so robots stays usable independent of the YAML config
// layer (e.g. from tests or alternate front ends).
type Options struct {
	Respect   bool
	CacheTTL  time.Duration
	Overrides []string // hostnames that always return allowed
}

// Agent evaluates robots.txt rules with caching and domain overrides. It
// satisfies core.RobotsChecker.
type Agent struct {
	client  *http.Client
	ttl     time.Duration
	respect bool

	mu        sync.Mutex
	cache     *lru.Cache[string, cacheEntry]
	overrides map[string]struct{}
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewAgent constructs a robots agent.
func NewAgent(opts Options, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	overrides := make(map[string]struct{}, len(opts.Overrides))
	for _, host := range opts.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	cache, _ := lru.New[string, cacheEntry](maxCachedHosts)

	return &Agent{
		client:    client,
		ttl:       ttl,
		respect:   opts.Respect,
		cache:     cache,
		overrides: overrides,
	}
}

// Allowed reports whether target may be fetched under userAgent. It
// satisfies core.RobotsChecker and fails open on any robots.txt fetch or
// parse error.
func (a *Agent) Allowed(ctx context.Context, userAgent string, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.respect {
		return true
	}

	host := strings.ToLower(target.Hostname())
	if _, ok := a.overrides[host]; ok {
		return true
	}

	rules, err := a.rules(ctx, target, userAgent)
	if err != nil {
		return true
	}

	group := rules.FindGroup(userAgent)
	if group == nil {
		group = rules.FindGroup("*")
		if group == nil {
			return true
		}
	}
	return group.Test(target.Path)
}

func (a *Agent) rules(ctx context.Context, target *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Hostname())

	a.mu.Lock()
	entry, ok := a.cache.Get(host)
	a.mu.Unlock()
	if ok && time.Since(entry.fetched) < a.ttl {
		return entry.rules, nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.cache.Add(host, cacheEntry{fetched: time.Now(), rules: data})
	a.mu.Unlock()

	return data, nil
}

// Purge evicts cached robots rules for a host.
func (a *Agent) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	a.mu.Lock()
	a.cache.Remove(host)
	a.mu.Unlock()
}
