// Package fetcher implements the HTTP collaborator behind the core
// engine's fetchPageContent behavior: a decoding, size-capped GET that
// reports HAR-style timings.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"crawlcore/internal/core"
)

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string

	// MaxRequestsPerSecond caps the fetcher's total outbound request rate
	// across every host and IP, independent of the per-host/per-IP pacing
	// the core scheduler already enforces. Zero disables the cap.
	MaxRequestsPerSecond float64
}

// HTTPFetcher implements core.BehaviorSet's FetchPageContent via the Go
// http.Client, decoding gzip/br/deflate bodies and capping capture at
// either the trace's FetchLimit or its own configured ceiling, whichever
// is smaller.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
	limiter      *rate.Limiter
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		// 301/302 come back to the engine, which follows them as redirect
		// traces; other redirects are followed here, up to 10 hops.
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if s := r.Response.StatusCode; s == http.StatusMovedPermanently || s == http.StatusFound || len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	var limiter *rate.Limiter
	if opts.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxRequestsPerSecond), 1)
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
		limiter:      limiter,
	}, nil
}

// Fetch performs the request described by t (method is always GET; the
// core pipeline does not currently model other verbs) and returns a
// core.FetchResult. It satisfies the core.BehaviorSet.FetchPageContent
// shape directly.
func (f *HTTPFetcher) Fetch(ctx context.Context, t *core.Trace) (*core.FetchResult, error) {
	if t.URL == nil {
		return nil, errors.New("fetcher: trace has no URL")
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range t.Request {
		httpReq.Header.Set(k, v)
	}
	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	if session := t.Session; session != nil {
		if jar := session.CookieJar(); jar != nil {
			for _, c := range jar.Cookies(t.URL) {
				httpReq.AddCookie(c)
			}
		}
	}

	limit := f.maxBodyBytes
	if t.FetchLimit > 0 && t.FetchLimit < limit {
		limit = t.FetchLimit
	}

	connectStart := time.Now()
	resp, err := f.client.Do(httpReq)
	connectWait := time.Since(connectStart)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}
	defer resp.Body.Close()

	receiveStart := time.Now()
	body, wireBytes, err := f.readBody(resp, limit)
	receiveWait := time.Since(receiveStart)
	if err != nil {
		return nil, err
	}

	if session := t.Session; session != nil {
		if jar := session.CookieJar(); jar != nil {
			jar.SetCookies(t.URL, resp.Cookies())
		}
	}

	return &core.FetchResult{
		Version:      resp.Proto,
		Status:       resp.StatusCode,
		StatusText:   resp.Status,
		Headers:      resp.Header.Clone(),
		ReceivedSize: wireBytes,
		LogicalSize:  int64(len(body)),
		Content:      [][]byte{body},
		Processed:    map[string]any{},
		Timings: core.FetchTimings{
			Connect: connectWait,
			Receive: receiveWait,
		},
	}, nil
}

// countingReader tallies bytes as they come off the wire, ahead of any
// content-decoding, so callers can report on-wire size independently of
// the decoded logical size.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// readBody decodes resp's body according to its Content-Encoding and
// returns the decoded bytes (capped at limit) alongside the number of
// bytes actually read off the wire, pre-decoding.
func (f *HTTPFetcher) readBody(resp *http.Response, limit int64) ([]byte, int64, error) {
	if resp == nil || resp.Body == nil {
		return nil, 0, errors.New("empty response body")
	}
	if limit <= 0 {
		limit = f.maxBodyBytes
	}

	counter := &countingReader{r: resp.Body}
	reader := io.Reader(counter)
	closers := []io.Closer{}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(counter)
		if err != nil {
			return nil, 0, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(counter)
	case "deflate":
		fl := flate.NewReader(counter)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		body = body[:limit]
	}
	return body, counter.n, nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}
