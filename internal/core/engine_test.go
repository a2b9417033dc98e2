package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/internal/canonurl"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, behaviors BehaviorSet, opts EngineOptions) *Engine {
	t.Helper()
	behaviors.FillDefaults()
	return NewEngine(behaviors, canonurl.New(), testLogger(), opts)
}

func TestEngineCrawlSingleURLSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	e := newTestEngine(t, BehaviorSet{}, EngineOptions{})
	batch, err := e.Crawl(context.Background(), []string{srv.URL}, CrawlOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	seq := batch.Results[0].Sequence
	require.Len(t, seq, 1)
	tr := seq[0]
	assert.False(t, tr.Failed(), "errors: %v", tr.Errors)
	require.NotNil(t, tr.Response)
	assert.Equal(t, http.StatusOK, tr.Response.Status)
}

func TestEngineDedupesIdenticalURLsWithinABatch(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(t, BehaviorSet{}, EngineOptions{})
	batch, err := e.Crawl(context.Background(), []string{srv.URL, srv.URL}, CrawlOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 2)

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "identical URLs in one batch must fetch only once")
	assert.Same(t, batch.Results[0].Sequence[0], batch.Results[1].Sequence[0], "both inputs should resolve to the shared in-flight trace")
}

func TestEngineFollowsSameHostRedirectAndReusesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/target" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("landed"))
			return
		}
		w.Header().Set("Location", "/target")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	var sessionsCreated int32
	behaviors := BehaviorSet{
		CreateHostSession: func(ctx context.Context, t *Trace) (*HostSession, error) {
			atomic.AddInt32(&sessionsCreated, 1)
			return NewHostSession(0, nil), nil
		},
	}
	e := newTestEngine(t, behaviors, EngineOptions{})

	batch, err := e.Crawl(context.Background(), []string{srv.URL}, CrawlOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	seq := batch.Results[0].Sequence
	require.Len(t, seq, 2, "expected the original request plus one redirect hop")
	assert.NotNil(t, seq[0].RedirectLocation)
	assert.Equal(t, http.StatusOK, seq[1].Response.Status)

	assert.Equal(t, int32(1), atomic.LoadInt32(&sessionsCreated), "a same-host redirect should inherit the parent's session rather than building a new one")
}

func TestEngineSelfRedirectIsDetectedAsACycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	e := newTestEngine(t, BehaviorSet{}, EngineOptions{MaxRedirects: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	batch, err := e.Crawl(ctx, []string{srv.URL}, CrawlOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	seq := batch.Results[0].Sequence
	require.Len(t, seq, 2, "the original request plus the cycle-detecting child trace")

	last := seq[len(seq)-1]
	require.True(t, last.Failed())
	found := false
	for _, walkErr := range last.Errors {
		if strings.Contains(walkErr.Error(), "redirect cycle") {
			found = true
		}
	}
	assert.True(t, found, "expected a redirect cycle error, got: %v", last.Errors)
}

func TestEngineRedirectLimitExceeded(t *testing.T) {
	// Each hop redirects to a fresh, never-before-seen path, so the limit
	// trips on MaxRedirects rather than on cycle detection.
	var hop int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hop, 1)
		w.Header().Set("Location", fmt.Sprintf("/hop-%d", n))
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	e := newTestEngine(t, BehaviorSet{}, EngineOptions{MaxRedirects: 2})
	batch, err := e.Crawl(context.Background(), []string{srv.URL}, CrawlOptions{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)

	seq := batch.Results[0].Sequence
	require.Len(t, seq, 3, "original plus two followed redirects before the limit trips")

	last := seq[len(seq)-1]
	require.True(t, last.Failed())
	found := false
	for _, walkErr := range last.Errors {
		if strings.Contains(walkErr.Error(), "redirect limit") {
			found = true
		}
	}
	assert.True(t, found, "expected a redirect limit error, got: %v", last.Errors)
}

func TestEngineNoIPAvailableRecordsWorkflowError(t *testing.T) {
	behaviors := BehaviorSet{
		ResolveHost: func(ctx context.Context, t *Trace) ([]string, error) {
			return nil, nil
		},
	}
	e := newTestEngine(t, behaviors, EngineOptions{})

	batch, err := e.Crawl(context.Background(), []string{"https://example.invalid/"}, CrawlOptions{})
	require.NoError(t, err)
	seq := batch.Results[0].Sequence
	require.Len(t, seq, 1)
	require.True(t, seq[0].Failed())

	var wfErr *WorkflowError
	require.ErrorAs(t, seq[0].Errors[0], &wfErr)
	assert.Equal(t, ErrNoIPAvailable, wfErr.Code)
}
