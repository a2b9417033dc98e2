package core

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// ErrEmptyIPList is returned by SelectIP when given no candidates.
var ErrEmptyIPList = errors.New("core: selectIp requires a non-empty ip list")

// RobotsChecker evaluates robots.txt allowance for a URL. The zero value
// HostSession allows everything, matching the spec's default.
type RobotsChecker interface {
	Allowed(ctx context.Context, userAgent string, u *url.URL) bool
}

type allowAllChecker struct{}

func (allowAllChecker) Allowed(context.Context, string, *url.URL) bool { return true }

// DefaultRobotsChecker allows every request. It is the default used when a
// HostSession is built without an explicit checker.
var DefaultRobotsChecker RobotsChecker = allowAllChecker{}

// HostSession tracks per-hostname crawl state: delay, request counters,
// cookies, and robots allowance. All mutable fields are guarded by mu.
type HostSession struct {
	mu sync.Mutex

	creationTime time.Time
	crawlDelay   time.Duration

	totalRequestsCount    int
	activeRequestsCount   int
	awaitingRequestsCount int
	lastRequestTime       time.Time // zero value means "never"

	cookieJar http.CookieJar
	checker   RobotsChecker

	now func() time.Time
}

// NewHostSession creates a session with the given crawl delay and robots
// checker. A zero crawl delay imposes no per-host wait and a negative one
// is treated as zero; a nil checker allows everything. The default
// createHostSession behavior passes 1000ms.
func NewHostSession(crawlDelay time.Duration, checker RobotsChecker) *HostSession {
	if crawlDelay < 0 {
		crawlDelay = 0
	}
	if checker == nil {
		checker = DefaultRobotsChecker
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &HostSession{
		creationTime: time.Now(),
		crawlDelay:   crawlDelay,
		cookieJar:    jar,
		checker:      checker,
		now:          time.Now,
	}
}

// Age reports elapsed time since the session was created.
func (h *HostSession) Age() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Sub(h.creationTime)
}

// TimeToWait reports the duration until this host may be requested again,
// or 0 if a request is permissible now.
func (h *HostSession) TimeToWait() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeToWaitLocked()
}

func (h *HostSession) timeToWaitLocked() time.Duration {
	if h.lastRequestTime.IsZero() {
		return 0
	}
	wait := h.crawlDelay - h.now().Sub(h.lastRequestTime)
	if wait < 0 {
		return 0
	}
	return wait
}

// IsAllowed reports whether the target URL may be fetched under robots
// rules for the given user agent.
func (h *HostSession) IsAllowed(ctx context.Context, agent string, u *url.URL) bool {
	h.mu.Lock()
	checker := h.checker
	h.mu.Unlock()
	if checker == nil {
		return true
	}
	return checker.Allowed(ctx, agent, u)
}

// SelectIP chooses one IP from a DNS resolution result. ips must be
// non-empty. On every 10th issued request the session rotates to a
// uniformly random member of the sorted list's tail, so callers can detect
// per-IP bans; otherwise it consistently returns the lexicographically
// smallest IP.
func (h *HostSession) SelectIP(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", ErrEmptyIPList
	}
	if len(ips) == 1 {
		return ips[0], nil
	}

	sorted := make([]string, len(ips))
	copy(sorted, ips)
	sort.Strings(sorted)

	h.mu.Lock()
	issued := h.totalRequestsCount - h.awaitingRequestsCount + 1
	h.mu.Unlock()

	if issued%10 == 0 {
		// Clamp to len(sorted)-1 candidates (sorted[1:]) per the spec's
		// open question: index uniformly into [1, len(sorted)-1].
		idx := 1 + rand.Intn(len(sorted)-1)
		return sorted[idx], nil
	}
	return sorted[0], nil
}

// RequestAdded records that a URL has been enqueued for this host, ahead of
// scheduling admission.
func (h *HostSession) RequestAdded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalRequestsCount++
	h.awaitingRequestsCount++
}

// RequestCancelled undoes RequestAdded for a URL that was withdrawn before
// admission (e.g. caller context cancellation while queued).
func (h *HostSession) RequestCancelled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.awaitingRequestsCount > 0 {
		h.awaitingRequestsCount--
	}
}

// RequestBegin marks an awaiting request as admitted: it moves from
// awaiting to active and stamps lastRequestTime.
func (h *HostSession) RequestBegin(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.awaitingRequestsCount > 0 {
		h.awaitingRequestsCount--
	}
	h.activeRequestsCount++
	if at.After(h.lastRequestTime) {
		h.lastRequestTime = at
	}
}

// RequestEnd marks an active request as finished.
func (h *HostSession) RequestEnd(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeRequestsCount > 0 {
		h.activeRequestsCount--
	}
}

// IsEmpty reports whether the session has no active and no awaiting
// requests, the precondition for eviction.
func (h *HostSession) IsEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeRequestsCount == 0 && h.awaitingRequestsCount == 0
}

// CookieJar returns the session's shared cookie jar. Concurrent reads are
// safe; net/http/cookiejar serializes its own writes internally.
func (h *HostSession) CookieJar() http.CookieJar {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cookieJar
}

// Counts returns a snapshot of the request counters, mostly useful for
// tests and observability.
func (h *HostSession) Counts() (total, active, awaiting int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalRequestsCount, h.activeRequestsCount, h.awaitingRequestsCount
}

// SetClock overrides the session's time source. Tests use this to drive
// TimeToWait deterministically alongside a scheduler on the same fake clock.
func (h *HostSession) SetClock(fn func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = fn
}
