package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Canonicalizer turns a raw input string into the canonical URL form the
// spec's data model requires (scheme, punycode host, path, query,
// fragment). Two inputs with the same canonical URL are the same request.
type Canonicalizer interface {
	Canonicalize(raw string) (*url.URL, error)
}

// PageCache is the optional, pluggable backing store for the
// loadCachedPage/storeCachedPage behaviors. It is not wired by default:
// callers that want cross-process caching supply one (see
// internal/pagecache) and bind it into a BehaviorSet themselves. The core
// never depends on a concrete cache implementation.
type PageCache interface {
	Load(ctx context.Context, key string) (value any, hit bool, err error)
	Store(ctx context.Context, key string, value any) error
}

// errStageFailed is a sentinel returned internally to signal "stop the
// pipeline" once a workflow error has already been recorded on the trace;
// it is never itself attached to a Trace.
var errStageFailed = errors.New("core: stage failed")

// EngineOptions configures timeouts and limits not covered by BehaviorSet.
type EngineOptions struct {
	SessionTimeout         time.Duration // factory Get timeout acquiring a HostSession; spec default 1000ms
	SchedulerTimeout       time.Duration // factory Get timeout acquiring a RequestScheduler; spec default 500ms
	SessionEvictionGrace   time.Duration // factory Destroy grace window for sessions
	SchedulerEvictionGrace time.Duration // factory Destroy grace window for schedulers
	MaxRedirects           int           // hop limit; spec leaves this to "downstream policy"
	DefaultFetchLimit      int64         // spec default ~5 MiB
	UserAgent              string
}

func (o *EngineOptions) fillDefaults() {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 1000 * time.Millisecond
	}
	if o.SchedulerTimeout <= 0 {
		o.SchedulerTimeout = 500 * time.Millisecond
	}
	if o.SessionEvictionGrace <= 0 {
		o.SessionEvictionGrace = 30 * time.Second
	}
	if o.SchedulerEvictionGrace <= 0 {
		o.SchedulerEvictionGrace = 30 * time.Second
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 10
	}
	if o.DefaultFetchLimit <= 0 {
		o.DefaultFetchLimit = 5 * 1024 * 1024
	}
	if o.UserAgent == "" {
		o.UserAgent = "crawlcore/1.0"
	}
}

// CrawlOptions parameterizes one Crawl call (spec §6 "Configuration").
type CrawlOptions struct {
	Builder      ResultBuilder
	FetchLimit   int64
	Processors   func(t *Trace) []Processor
	ExtraHeaders map[string]string
	Extra        map[string]any
}

// Processor is a pluggable byte-stream post-processor run over a fetched
// page, contributing entries to FetchResult.Processed.
type Processor interface {
	Process(ctx context.Context, t *Trace, result *FetchResult) error
}

// ResultBuilder assembles a finished batch into an external representation
// (e.g. a HAR document). Out of the core's scope per spec §1; consumed
// through this interface.
type ResultBuilder interface {
	Build(ctx context.Context, batch *BatchResult) (any, error)
}

// URLResult is the outcome of crawling one input URL, including any
// redirect chain as subsequent trace entries.
type URLResult struct {
	Input    string
	Sequence []*Trace
}

// BatchResult is the outcome of one Crawl call.
type BatchResult struct {
	Results []*URLResult
	Built   any
}

type inflightEntry struct {
	done     chan struct{}
	sequence []*Trace
}

// inheritedContext carries a redirect's parent-side IP list and session
// forward to its child trace when both share a hostname, avoiding
// re-resolution (spec §4.5).
type inheritedContext struct {
	ipList  []string
	session *HostSession
}

// Engine drives each URL through resolve -> prepare -> init -> schedule ->
// complete, composing HostSession/RequestScheduler factories, DNS
// coalescing, trace dedup, and redirect recursion.
type Engine struct {
	behaviors BehaviorSet
	canon     Canonicalizer
	logger    *slog.Logger
	opts      EngineOptions

	sessions   *TemporaryObjectFactory[*HostSession]
	schedulers *TemporaryObjectFactory[*RequestScheduler]

	// inflight is a single global per-id map, not scoped per batch: the
	// spec's design notes describe the source as implying one global
	// in-flight map, and this port reproduces that rather than scoping
	// dedup to a single Crawl call.
	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

// NewEngine builds an Engine. behaviors must have every field set or have
// had FillDefaults called; canon and logger must be non-nil.
func NewEngine(behaviors BehaviorSet, canon Canonicalizer, logger *slog.Logger, opts EngineOptions) *Engine {
	opts.fillDefaults()
	e := &Engine{
		behaviors: behaviors,
		canon:     canon,
		logger:    logger,
		opts:      opts,
		inflight:  make(map[string]*inflightEntry),
	}
	e.sessions = NewTemporaryObjectFactory[*HostSession](
		func(ctx context.Context, args ...any) (*HostSession, error) {
			t := args[0].(*Trace)
			return e.behaviors.CreateHostSession(ctx, t)
		},
		func(ctx context.Context, key string, v *HostSession) error {
			return e.behaviors.DisposeHostSession(ctx, key, v)
		},
	)
	e.schedulers = NewTemporaryObjectFactory[*RequestScheduler](
		func(ctx context.Context, args ...any) (*RequestScheduler, error) {
			t := args[0].(*Trace)
			return e.behaviors.CreateScheduler(ctx, t)
		},
		func(ctx context.Context, key string, v *RequestScheduler) error {
			v.Close()
			return e.behaviors.DisposeScheduler(ctx, key, v)
		},
	)
	return e
}

// dnsCache coalesces concurrent resolveHost calls by hostname within a
// single Crawl batch (spec §4.4 step 3), and caches the resolved result
// for the remainder of that batch once resolved.
type dnsCache struct {
	group singleflight.Group
	mu    sync.Mutex
	cache map[string][]string
}

func newDNSCache() *dnsCache {
	return &dnsCache{cache: make(map[string][]string)}
}

func (d *dnsCache) resolve(host string, resolve func() ([]string, error)) ([]string, error) {
	d.mu.Lock()
	if ips, ok := d.cache[host]; ok {
		d.mu.Unlock()
		return ips, nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do(host, func() (any, error) {
		ips, err := resolve()
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[host] = ips
		d.mu.Unlock()
		return ips, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Crawl transforms a batch of input URL strings into a BatchResult,
// preserving input order in Results.
func (e *Engine) Crawl(ctx context.Context, urls []string, opts CrawlOptions) (*BatchResult, error) {
	batchID := uuid.NewString()
	dns := newDNSCache()

	results := make([]*URLResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range urls {
		i, raw := i, raw
		g.Go(func() error {
			seq := e.crawlOne(gctx, raw, batchID, dns, opts, 0, nil, nil)
			results[i] = &URLResult{Input: raw, Sequence: seq}
			return nil
		})
	}
	_ = g.Wait() // per-URL failures are captured on traces, never surfaced here

	batch := &BatchResult{Results: results}
	if opts.Builder != nil {
		built, err := opts.Builder.Build(ctx, batch)
		if err != nil {
			return batch, fmt.Errorf("result builder: %w", err)
		}
		batch.Built = built
	}
	return batch, nil
}

// crawlOne canonicalizes raw, dedups it against in-flight work with the
// same identity, and runs it through the pipeline. ancestors carries the
// trace IDs already open on this call's own redirect chain (not the
// batch as a whole) so that a redirect cycle - a target that resolves
// back to a URL still awaiting completion higher up the same call stack
// - is caught before it can wait on itself forever.
func (e *Engine) crawlOne(ctx context.Context, raw string, batchID string, dns *dnsCache, opts CrawlOptions, depth int, inherited *inheritedContext, ancestors map[string]bool) []*Trace {
	u, err := e.canon.Canonicalize(raw)
	if err != nil {
		t := NewTrace("", nil, batchID)
		t.AddGenericError(fmt.Errorf("canonicalize %q: %w", raw, err))
		return []*Trace{t}
	}
	id := TraceID(u)

	if ancestors[id] {
		t := NewTrace(id, u, batchID)
		t.AddGenericError(fmt.Errorf("redirect cycle detected at %s", u.String()))
		return []*Trace{t}
	}

	e.mu.Lock()
	if existing, ok := e.inflight[id]; ok {
		e.mu.Unlock()
		select {
		case <-existing.done:
			return existing.sequence
		case <-ctx.Done():
			t := NewTrace(id, u, batchID)
			t.AddGenericError(ctx.Err())
			return []*Trace{t}
		}
	}
	entry := &inflightEntry{done: make(chan struct{})}
	e.inflight[id] = entry
	e.mu.Unlock()

	childAncestors := make(map[string]bool, len(ancestors)+1)
	for k := range ancestors {
		childAncestors[k] = true
	}
	childAncestors[id] = true

	t := e.newTrace(id, u, batchID, opts)
	seq := e.runPipeline(ctx, t, opts, dns, batchID, depth, inherited, childAncestors)

	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
	entry.sequence = seq
	close(entry.done)
	return seq
}

func (e *Engine) newTrace(id string, u *url.URL, batchID string, opts CrawlOptions) *Trace {
	t := NewTrace(id, u, batchID)

	t.Request["user-agent"] = e.opts.UserAgent
	t.Request["accept"] = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	t.Request["accept-language"] = "en-US,en;q=0.8"
	t.Request["accept-charset"] = "utf-8"
	for k, v := range opts.ExtraHeaders {
		t.Request[k] = v
	}

	t.FetchLimit = opts.FetchLimit
	if t.FetchLimit <= 0 {
		t.FetchLimit = e.opts.DefaultFetchLimit
	}
	for k, v := range opts.Extra {
		t.Extra[k] = v
	}
	return t
}

func (e *Engine) runPipeline(ctx context.Context, t *Trace, opts CrawlOptions, dns *dnsCache, batchID string, depth int, inherited *inheritedContext, ancestors map[string]bool) []*Trace {
	if err := e.prepareStage(ctx, t, dns, inherited); err != nil {
		return []*Trace{t}
	}
	if t.ServedFromCache {
		return []*Trace{t}
	}
	if err := e.initStage(ctx, t); err != nil {
		return []*Trace{t}
	}
	if err := e.scheduleAndFetch(ctx, t); err != nil {
		return []*Trace{t}
	}
	e.runProcessors(ctx, t, opts)
	return e.completeStage(ctx, t, opts, dns, batchID, depth, ancestors)
}

// prepareStage resolves the host, loads any cached page, and acquires a
// HostSession, then selects an IP (spec §4.4 "prepare").
func (e *Engine) prepareStage(ctx context.Context, t *Trace, dns *dnsCache, inherited *inheritedContext) error {
	var cachedVal any
	var cacheHit bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.BeginStage(StageResolveHost)
		defer t.EndStage(StageResolveHost)
		if inherited != nil && len(inherited.ipList) > 0 {
			t.SetIPList(inherited.ipList)
			return nil
		}
		ips, err := dns.resolve(strings.ToLower(t.URL.Hostname()), func() ([]string, error) {
			return e.behaviors.ResolveHost(gctx, t)
		})
		if err != nil {
			return err
		}
		t.SetIPList(ips)
		return nil
	})
	g.Go(func() error {
		t.BeginStage(StageLoadCachedPage)
		defer t.EndStage(StageLoadCachedPage)
		val, hit, err := e.behaviors.LoadCachedPage(gctx, t)
		if err != nil {
			return err
		}
		cachedVal, cacheHit = val, hit
		return nil
	})
	g.Go(func() error {
		t.BeginStage(StageCreateHostSession)
		defer t.EndStage(StageCreateHostSession)
		if inherited != nil && inherited.session != nil {
			t.SetSession(inherited.session)
			return nil
		}
		acquireCtx, cancel := context.WithTimeout(gctx, e.opts.SessionTimeout)
		defer cancel()
		session, err := e.sessions.Get(acquireCtx, e.opts.SessionEvictionGrace, strings.ToLower(t.URL.Hostname()), t)
		if err != nil {
			return err
		}
		t.SetSession(session)
		return nil
	})

	if err := g.Wait(); err != nil {
		t.AddGenericError(err)
		return err
	}

	ipList, session := t.snapshotPrepare()

	if session != nil && len(ipList) > 0 {
		ip, err := session.SelectIP(ipList)
		if err != nil {
			t.AddGenericError(err)
			return err
		}
		t.SetIP(ip)
	} else if cacheHit {
		t.mu.Lock()
		t.ServedFromCache = true
		t.CachedResponse = cachedVal
		t.mu.Unlock()
	} else {
		t.AddWorkflowError(ErrNoIPAvailable, "no IP available after host resolution")
		return errStageFailed
	}

	if cacheHit && !t.ServedFromCache {
		t.mu.Lock()
		t.CachedResponse = cachedVal
		t.mu.Unlock()
	}

	if session != nil && session.IsEmpty() {
		e.requestSessionEviction(strings.ToLower(t.URL.Hostname()), session)
	}
	return nil
}

// initStage acquires a RequestScheduler for the selected IP and loads
// cookies into the session's jar (spec §4.4 "init").
func (e *Engine) initStage(ctx context.Context, t *Trace) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.BeginStage(StageCreateScheduler)
		defer t.EndStage(StageCreateScheduler)
		if t.IP == "" {
			return nil
		}
		acquireCtx, cancel := context.WithTimeout(gctx, e.opts.SchedulerTimeout)
		defer cancel()
		sched, err := e.schedulers.Get(acquireCtx, e.opts.SchedulerEvictionGrace, t.IP, t)
		if err != nil {
			return err
		}
		t.SetScheduler(sched)
		return nil
	})
	g.Go(func() error {
		t.BeginStage(StageLoadCookies)
		defer t.EndStage(StageLoadCookies)
		cookies, err := e.behaviors.LoadCookies(gctx, t)
		if err != nil {
			return err
		}
		if len(cookies) == 0 {
			return nil
		}
		t.mu.Lock()
		session := t.Session
		t.mu.Unlock()
		if session != nil {
			if jar := session.CookieJar(); jar != nil {
				jar.SetCookies(t.URL, cookies)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		t.AddGenericError(err)
		return err
	}

	t.mu.Lock()
	sched := t.Scheduler
	ip := t.IP
	t.mu.Unlock()

	if sched == nil || ip == "" {
		t.AddWorkflowError(ErrMissingSchedulingInfo, "missing information for request scheduling")
		return errStageFailed
	}

	if sched.IsEmpty() {
		e.requestSchedulerEviction(ip, sched)
	}
	return nil
}

// scheduleAndFetch admits the request and runs fetchPageContent, always
// calling session/scheduler RequestEnd exactly once regardless of outcome
// (spec §4.4 "schedule").
func (e *Engine) scheduleAndFetch(ctx context.Context, t *Trace) error {
	t.mu.Lock()
	sched := t.Scheduler
	session := t.Session
	t.mu.Unlock()

	t.BeginStage(StageScheduling)
	_, err := sched.Schedule(ctx, session, t.URL)
	t.EndStage(StageScheduling)
	if err != nil {
		t.AddGenericError(err)
		return err
	}

	var fetchErr error
	t.BeginStage(StageFetchPageContent)
	func() {
		defer func() {
			session.RequestEnd(time.Now())
			sched.RequestEnd()
		}()
		result, err := e.behaviors.FetchPageContent(ctx, t)
		if err != nil {
			fetchErr = err
			return
		}
		t.SetResponse(result)
	}()
	t.EndStage(StageFetchPageContent)

	if fetchErr != nil {
		t.AddGenericError(fetchErr)
		return fetchErr
	}
	return nil
}

func (e *Engine) runProcessors(ctx context.Context, t *Trace, opts CrawlOptions) {
	if opts.Processors == nil {
		return
	}
	t.mu.Lock()
	resp := t.Response
	t.mu.Unlock()
	if resp == nil {
		return
	}
	for _, p := range opts.Processors(t) {
		if err := p.Process(ctx, t, resp); err != nil {
			e.logger.Warn("processor failed", "url", t.URL.String(), "error", err)
		}
	}
}

// completeStage persists the page/cookies/cache, detects redirects, and
// recurses into the pipeline for any redirect target (spec §4.4
// "complete", §4.5).
func (e *Engine) completeStage(ctx context.Context, t *Trace, opts CrawlOptions, dns *dnsCache, batchID string, depth int, ancestors map[string]bool) []*Trace {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.BeginStage(StageStorePageContent)
		defer t.EndStage(StageStorePageContent)
		return e.behaviors.StorePageContent(gctx, t)
	})
	g.Go(func() error {
		t.BeginStage(StageStoreCookies)
		defer t.EndStage(StageStoreCookies)
		return e.behaviors.StoreCookies(gctx, t)
	})
	g.Go(func() error {
		t.BeginStage(StageStoreCachedPage)
		defer t.EndStage(StageStoreCachedPage)
		return e.behaviors.StoreCachedPage(gctx, t)
	})
	if err := g.Wait(); err != nil {
		t.AddGenericError(err)
	}

	target, isRedirect := e.detectRedirect(t)
	if !isRedirect {
		return []*Trace{t}
	}
	t.mu.Lock()
	t.RedirectLocation = target
	t.mu.Unlock()

	if depth+1 > e.opts.MaxRedirects {
		t.AddGenericError(fmt.Errorf("redirect limit of %d exceeded", e.opts.MaxRedirects))
		return []*Trace{t}
	}

	var inherited *inheritedContext
	if strings.EqualFold(target.Hostname(), t.URL.Hostname()) {
		ipList, session := t.snapshotPrepare()
		inherited = &inheritedContext{ipList: ipList, session: session}
	}

	childSeq := e.crawlOne(ctx, target.String(), batchID, dns, opts, depth+1, inherited, ancestors)
	return append([]*Trace{t}, childSeq...)
}

// detectRedirect reports the resolved target of an HTTP redirect, either
// from the response's Location header (301/302) or from a processor's
// "redirect" entry.
func (e *Engine) detectRedirect(t *Trace) (*url.URL, bool) {
	t.mu.Lock()
	resp := t.Response
	base := t.URL
	t.mu.Unlock()
	if resp == nil {
		return nil, false
	}

	if resp.Status == 301 || resp.Status == 302 {
		loc := resp.Headers.Get("Location")
		if loc != "" {
			target, err := base.Parse(loc)
			if err == nil {
				return target, true
			}
		}
	}

	if resp.Processed != nil {
		if v, ok := resp.Processed["redirect"]; ok {
			if target, ok := v.(*url.URL); ok && target != nil {
				return target, true
			}
			if raw, ok := v.(string); ok && raw != "" {
				if target, err := base.Parse(raw); err == nil {
					return target, true
				}
			}
		}
	}

	return nil, false
}

func (e *Engine) requestSessionEviction(hostname string, _ *HostSession) {
	if _, err := e.sessions.Destroy(hostname); err != nil {
		e.logger.Debug("session eviction not armed", "hostname", hostname, "error", err)
	}
}

func (e *Engine) requestSchedulerEviction(ip string, _ *RequestScheduler) {
	if _, err := e.schedulers.Destroy(ip); err != nil {
		e.logger.Debug("scheduler eviction not armed", "ip", ip, "error", err)
	}
}
