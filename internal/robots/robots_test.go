package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedRespectsDisallowRule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	agent := NewAgent(Options{Respect: true, CacheTTL: 0}, srv.Client())

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	allowed, err := url.Parse(base.String() + "/public")
	require.NoError(t, err)
	blocked, err := url.Parse(base.String() + "/private/x")
	require.NoError(t, err)

	assert.True(t, agent.Allowed(context.Background(), "crawlcore", allowed))
	assert.False(t, agent.Allowed(context.Background(), "crawlcore", blocked))
}

func TestAllowedFailsOpenOnFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := NewAgent(Options{Respect: true}, srv.Client())
	u, err := url.Parse(srv.URL + "/anything")
	require.NoError(t, err)

	assert.True(t, agent.Allowed(context.Background(), "crawlcore", u), "a broken robots.txt must fail open")
}

func TestAllowedIgnoresRulesWhenNotRespecting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	agent := NewAgent(Options{Respect: false}, srv.Client())
	u, err := url.Parse(srv.URL + "/anything")
	require.NoError(t, err)

	assert.True(t, agent.Allowed(context.Background(), "crawlcore", u))
}

func TestAllowedHonorsOverrideHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/anything")
	require.NoError(t, err)

	agent := NewAgent(Options{Respect: true, Overrides: []string{u.Hostname()}}, srv.Client())
	assert.True(t, agent.Allowed(context.Background(), "crawlcore", u))
}

func TestPurgeForcesRefetch(t *testing.T) {
	var served int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	agent := NewAgent(Options{Respect: true, CacheTTL: 0}, srv.Client())
	u, err := url.Parse(srv.URL + "/x")
	require.NoError(t, err)

	agent.Allowed(context.Background(), "crawlcore", u)
	agent.Allowed(context.Background(), "crawlcore", u)
	assert.Equal(t, 1, served, "second call within TTL should hit the cache")

	agent.Purge(u.Hostname())
	agent.Allowed(context.Background(), "crawlcore", u)
	assert.Equal(t, 2, served, "purge should force a refetch")
}
