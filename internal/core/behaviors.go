package core

import (
	"context"
	"net"
	"net/http"
	"time"
)

var defaultResolver = net.DefaultResolver

// FetchTimings breaks a fetch down into connect/send/wait/receive phases,
// mirroring HAR timing semantics.
type FetchTimings struct {
	Connect time.Duration
	Send    time.Duration
	Wait    time.Duration
	Receive time.Duration
}

// FetchResult is the shape every fetchPageContent implementation produces,
// chosen for interoperability with a HAR-style result builder.
type FetchResult struct {
	Version      string
	Status       int
	StatusText   string
	Headers      http.Header
	ReceivedSize int64
	LogicalSize  int64
	Content      [][]byte
	Processed    map[string]any
	Timings      FetchTimings
}

// BehaviorSet is the registry of named, user-overridable async operations
// the engine invokes at each pipeline stage (spec §6). Every field must be
// non-nil before an Engine is built; FillDefaults populates any that are
// nil with the spec's stdlib-only defaults.
//
// DisposeHostSession and DisposeScheduler take the evicted key and value
// directly rather than a Trace: eviction happens independently of any one
// trace (a session may outlive the trace that created it), so there is no
// natural trace to hand a dispose behavior. This is a deliberate departure
// from the spec's behavior table, which models every behavior as
// trace-shaped because its origin implementation threads a synthetic trace
// through everything; see DESIGN.md.
type BehaviorSet struct {
	ResolveHost        func(ctx context.Context, t *Trace) ([]string, error)
	CreateHostSession  func(ctx context.Context, t *Trace) (*HostSession, error)
	DisposeHostSession func(ctx context.Context, hostname string, session *HostSession) error
	CreateScheduler    func(ctx context.Context, t *Trace) (*RequestScheduler, error)
	DisposeScheduler   func(ctx context.Context, ip string, scheduler *RequestScheduler) error
	LoadCachedPage     func(ctx context.Context, t *Trace) (value any, hit bool, err error)
	StoreCachedPage    func(ctx context.Context, t *Trace) error
	LoadCookies        func(ctx context.Context, t *Trace) ([]*http.Cookie, error)
	StoreCookies       func(ctx context.Context, t *Trace) error
	FetchPageContent   func(ctx context.Context, t *Trace) (*FetchResult, error)
	StorePageContent   func(ctx context.Context, t *Trace) error
}

// FillDefaults replaces any nil field of bs with the spec's default
// behavior. FetchPageContent's stdlib-only default is intentionally
// minimal (a GET carrying the trace's request headers, no content
// decoding, captured body capped at the trace's FetchLimit, 301/302
// responses returned to the engine rather than followed); production
// callers should supply internal/fetcher's richer implementation instead,
// since that is the pluggable external collaborator the core never
// hardcodes.
func (bs *BehaviorSet) FillDefaults() {
	if bs.ResolveHost == nil {
		bs.ResolveHost = defaultResolveHost
	}
	if bs.CreateHostSession == nil {
		bs.CreateHostSession = defaultCreateHostSession
	}
	if bs.DisposeHostSession == nil {
		bs.DisposeHostSession = defaultDisposeHostSession
	}
	if bs.CreateScheduler == nil {
		bs.CreateScheduler = defaultCreateScheduler
	}
	if bs.DisposeScheduler == nil {
		bs.DisposeScheduler = defaultDisposeScheduler
	}
	if bs.LoadCachedPage == nil {
		bs.LoadCachedPage = defaultLoadCachedPage
	}
	if bs.StoreCachedPage == nil {
		bs.StoreCachedPage = defaultNoopStore
	}
	if bs.LoadCookies == nil {
		bs.LoadCookies = defaultLoadCookies
	}
	if bs.StoreCookies == nil {
		bs.StoreCookies = defaultNoopStore
	}
	if bs.FetchPageContent == nil {
		bs.FetchPageContent = defaultFetchPageContent
	}
	if bs.StorePageContent == nil {
		bs.StorePageContent = defaultNoopStore
	}
}

func defaultResolveHost(ctx context.Context, t *Trace) ([]string, error) {
	return defaultResolver.LookupHost(ctx, t.URL.Hostname())
}

func defaultCreateHostSession(ctx context.Context, t *Trace) (*HostSession, error) {
	return NewHostSession(1000*time.Millisecond, DefaultRobotsChecker), nil
}

func defaultDisposeHostSession(ctx context.Context, hostname string, session *HostSession) error {
	return nil
}

func defaultCreateScheduler(ctx context.Context, t *Trace) (*RequestScheduler, error) {
	return NewRequestScheduler(500*time.Millisecond, 4), nil
}

func defaultDisposeScheduler(ctx context.Context, ip string, scheduler *RequestScheduler) error {
	return nil
}

func defaultLoadCachedPage(ctx context.Context, t *Trace) (any, bool, error) {
	return nil, false, nil
}

func defaultLoadCookies(ctx context.Context, t *Trace) ([]*http.Cookie, error) {
	return nil, nil
}

func defaultNoopStore(ctx context.Context, t *Trace) error {
	return nil
}

func defaultFetchPageContent(ctx context.Context, t *Trace) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range t.Request {
		req.Header.Set(k, v)
	}
	// 301/302 come back to the engine, which follows them as redirect
	// traces; other redirects are followed here, up to 10 hops.
	client := &http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if s := r.Response.StatusCode; s == http.StatusMovedPermanently || s == http.StatusFound || len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := t.FetchLimit
	if limit <= 0 {
		limit = 5 * 1024 * 1024
	}
	body := make([]byte, 0, 4096)
	buf := make([]byte, 32*1024)
	var received int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			if int64(len(body)) < limit {
				take := n
				if remaining := limit - int64(len(body)); int64(take) > remaining {
					take = int(remaining)
				}
				body = append(body, buf[:take]...)
			}
		}
		if rerr != nil {
			break
		}
	}
	wait := time.Since(start)

	return &FetchResult{
		Version:      resp.Proto,
		Status:       resp.StatusCode,
		StatusText:   resp.Status,
		Headers:      resp.Header,
		ReceivedSize: received,
		LogicalSize:  int64(len(body)),
		Content:      [][]byte{body},
		Processed:    map[string]any{},
		Timings:      FetchTimings{Wait: wait},
	}, nil
}
