// Package canonurl canonicalizes crawl input into the stable URL form the
// core engine's Trace identity is built from: lower-cased scheme/host,
// punycode-encoded host, a default port stripped, no fragment.
package canonurl

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// Canonicalizer produces a canonical *url.URL from raw crawl input. It
// satisfies core.Canonicalizer.
type Canonicalizer struct {
	// SortQuery reorders query parameters alphabetically so that
	// equivalent queries in different orders canonicalize identically.
	SortQuery bool
}

// New constructs a Canonicalizer with query sorting enabled, the spec's
// default.
func New() *Canonicalizer {
	return &Canonicalizer{SortQuery: true}
}

// Canonicalize parses raw and rewrites it into canonical form.
func (c *Canonicalizer) Canonicalize(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("canonurl: empty input")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("canonurl: parse %q: %w", raw, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("canonurl: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("canonurl: missing host in %q", raw)
	}

	host, err := asciiHost(u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("canonurl: host %q: %w", u.Hostname(), err)
	}
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""

	if c.SortQuery && u.RawQuery != "" {
		u.RawQuery = sortedQuery(u.RawQuery)
	}

	return u, nil
}

func asciiHost(host string) (string, error) {
	lower := strings.ToLower(host)
	if isASCII(lower) {
		return lower, nil
	}
	return idna.Lookup.ToASCII(lower)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

func sortedQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
