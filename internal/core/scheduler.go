package core

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// queueItem is a URL awaiting admission on a particular host queue.
type queueItem struct {
	url         *url.URL
	enqueueTime time.Time
	admitted    chan time.Duration
}

// hostQueue is the FIFO of items waiting on one hostname, plus the session
// that governs that hostname's own crawl delay.
type hostQueue struct {
	session *HostSession
	items   []*queueItem
}

// RequestScheduler admits URLs for fetch, one per IP, honoring a per-IP
// delay, a connection cap, and per-host fairness. Iteration over queues for
// tie-breaking uses stable insertion order: the order slice records each
// hostname's first-enqueue position, and a host is re-appended only after
// its queue has fully drained and a new item arrives.
type RequestScheduler struct {
	mu sync.Mutex

	delay           time.Duration
	connectionLimit int

	totalRequestsCount    int
	activeRequestsCount   int
	awaitingRequestsCount int
	connectionsInUse      int

	lastRequestTime time.Time

	queues map[string]*hostQueue
	order  []string

	timer       *time.Timer
	timerTarget time.Time
	blockedConn bool
	closed      bool

	now func() time.Time
}

// NewRequestScheduler creates a scheduler with the given per-IP delay and
// connection limit. A zero delay admits back-to-back requests and a
// negative one is treated as zero; a non-positive connection limit falls
// back to 4. The default createScheduler behavior passes 500ms and 4.
func NewRequestScheduler(delay time.Duration, connectionLimit int) *RequestScheduler {
	if delay < 0 {
		delay = 0
	}
	if connectionLimit <= 0 {
		connectionLimit = 4
	}
	return &RequestScheduler{
		delay:           delay,
		connectionLimit: connectionLimit,
		queues:          make(map[string]*hostQueue),
		now:             time.Now,
	}
}

// SetClock overrides the scheduler's time source, for deterministic tests.
func (s *RequestScheduler) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}

// Schedule enqueues url under session's hostname and blocks until the
// scheduler admits it or ctx is cancelled. On success it returns the
// elapsed wait since enqueue.
func (s *RequestScheduler) Schedule(ctx context.Context, session *HostSession, u *url.URL) (time.Duration, error) {
	host := strings.ToLower(u.Hostname())
	item := &queueItem{url: u, admitted: make(chan time.Duration, 1)}

	s.mu.Lock()
	item.enqueueTime = s.now()
	q, ok := s.queues[host]
	if !ok {
		q = &hostQueue{session: session}
		s.queues[host] = q
		s.order = append(s.order, host)
	}
	q.items = append(q.items, item)
	s.totalRequestsCount++
	s.awaitingRequestsCount++
	s.mu.Unlock()

	session.RequestAdded()
	s.evaluate()

	select {
	case wait := <-item.admitted:
		return wait, nil
	case <-ctx.Done():
		if s.cancelPending(host, item, session) {
			return 0, ctx.Err()
		}
		// Admission raced ahead of cancellation: the request stands.
		return <-item.admitted, nil
	}
}

// cancelPending removes item from its host queue if it has not yet been
// admitted and reports whether it did. If admission raced ahead of
// cancellation, the request stands, no rollback happens, and it returns
// false.
func (s *RequestScheduler) cancelPending(host string, item *queueItem, session *HostSession) bool {
	s.mu.Lock()
	q, ok := s.queues[host]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			s.awaitingRequestsCount--
			if len(q.items) == 0 {
				delete(s.queues, host)
				s.removeOrderLocked(host)
			}
			s.mu.Unlock()
			session.RequestCancelled()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// RequestEnd notifies the scheduler that a previously admitted request has
// finished, freeing a connection slot.
func (s *RequestScheduler) RequestEnd() {
	s.mu.Lock()
	if s.connectionsInUse > 0 {
		s.connectionsInUse--
	}
	if s.activeRequestsCount > 0 {
		s.activeRequestsCount--
	}
	s.mu.Unlock()
	s.evaluate()
}

// IsEmpty reports whether the scheduler has no active and no awaiting
// requests.
func (s *RequestScheduler) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequestsCount == 0 && s.awaitingRequestsCount == 0
}

// AvailableConnectionsCount reports how many admission slots remain.
func (s *RequestScheduler) AvailableConnectionsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionLimit - s.connectionsInUse
}

// NextTime reports the absolute time the scheduler's timer is currently
// armed for, or the zero Time if no timer is armed.
func (s *RequestScheduler) NextTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timerTarget
}

// Close stops any pending timer. It does not affect in-flight admissions.
func (s *RequestScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimerLocked()
}

func (s *RequestScheduler) removeOrderLocked(host string) {
	for i, h := range s.order {
		if h == host {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *RequestScheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerTarget = time.Time{}
}

func (s *RequestScheduler) armTimerLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.stopTimerLocked()
	s.timerTarget = s.now().Add(d)
	s.timer = time.AfterFunc(d, s.evaluate)
}

// evaluate runs one pass of the admission algorithm (spec §4.2). It is
// safe to call redundantly from Schedule, RequestEnd, and the internal
// timer: each call recomputes state from scratch and either admits one
// item, re-arms the timer, or (if the connection limit is saturated)
// leaves no timer armed and waits for the next RequestEnd.
func (s *RequestScheduler) evaluate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	available := s.connectionLimit - s.connectionsInUse
	if available <= 0 {
		s.stopTimerLocked()
		s.blockedConn = true
		return
	}
	s.blockedConn = false

	now := s.now()
	if !s.lastRequestTime.IsZero() {
		nextAllowed := s.lastRequestTime.Add(s.delay)
		if nextAllowed.After(now) {
			s.armTimerLocked(nextAllowed.Sub(now))
			return
		}
	}

	if s.awaitingRequestsCount == 0 {
		s.stopTimerLocked()
		return
	}

	var selectedHost string
	var selected *hostQueue
	var nextWakeUp time.Duration
	haveNextWakeUp := false

	for _, host := range s.order {
		q, ok := s.queues[host]
		if !ok || len(q.items) == 0 {
			continue
		}
		ttw := q.session.TimeToWait()
		if ttw <= 0 {
			if selected == nil {
				selectedHost = host
				selected = q
			}
			continue
		}
		if !haveNextWakeUp || ttw < nextWakeUp {
			nextWakeUp = ttw
			haveNextWakeUp = true
		}
	}

	if selected == nil {
		if haveNextWakeUp {
			s.armTimerLocked(nextWakeUp)
		} else {
			s.stopTimerLocked()
		}
		return
	}

	item := selected.items[0]
	selected.items = selected.items[1:]
	if len(selected.items) == 0 {
		delete(s.queues, selectedHost)
		s.removeOrderLocked(selectedHost)
	}

	selected.session.RequestBegin(now)
	s.activeRequestsCount++
	s.connectionsInUse++
	s.awaitingRequestsCount--
	s.lastRequestTime = now

	elapsed := now.Sub(item.enqueueTime)
	select {
	case item.admitted <- elapsed:
	default:
	}

	if s.connectionLimit-s.connectionsInUse <= 0 {
		s.stopTimerLocked()
		s.blockedConn = true
		return
	}

	wait := s.delay
	if haveNextWakeUp && nextWakeUp > wait {
		wait = nextWakeUp
	}
	s.armTimerLocked(wait)
}
