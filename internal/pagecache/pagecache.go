// Package pagecache implements an optional Redis-backed PageCache:
// loadCachedPage/storeCachedPage behaviors a caller can bind into a
// core.BehaviorSet to persist fetched pages across crawl runs. It speaks
// a minimal RESP client directly rather than pulling in a full Redis
// driver, matching this repo's preference for small, purpose-built wire
// clients over general-purpose SDKs.
package pagecache

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config configures a Redis-backed page cache.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
	TTL          time.Duration
}

func (c *Config) fillDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "crawlcore:page:"
	}
}

// CachedPage is the value stored per trace ID: the fields a caller needs
// to reconstruct a served-from-cache FetchResult.
type CachedPage struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Store is a Redis-backed PageCache implementation (satisfies
// core.PageCache's Load/Store shape).
type Store struct {
	cfg Config

	dial func(ctx context.Context) (net.Conn, error)
}

// New constructs a Store against a single Redis instance at cfg.Addr.
func New(cfg Config) *Store {
	cfg.fillDefaults()
	return &Store{
		cfg: cfg,
		dial: func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout}
			return d.DialContext(ctx, "tcp", cfg.Addr)
		},
	}
}

// Load fetches a cached page by key, returning hit=false on a cache miss
// (a RESP nil bulk string) rather than an error.
func (s *Store) Load(ctx context.Context, key string) (any, bool, error) {
	conn, err := s.newConn(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	raw, ok, err := conn.getBytes(s.cfg.KeyPrefix + key)
	if err != nil {
		return nil, false, fmt.Errorf("pagecache: GET: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var page CachedPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, false, fmt.Errorf("pagecache: decode cached page: %w", err)
	}
	return &page, true, nil
}

// Store persists value under key, encoded as JSON, with the configured
// TTL (or no expiry if TTL is zero).
func (s *Store) Store(ctx context.Context, key string, value any) error {
	page, ok := value.(*CachedPage)
	if !ok {
		return fmt.Errorf("pagecache: expected *CachedPage, got %T", value)
	}
	encoded, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("pagecache: encode cached page: %w", err)
	}

	conn, err := s.newConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fullKey := s.cfg.KeyPrefix + key
	if s.cfg.TTL > 0 {
		return conn.setex(fullKey, encoded, s.cfg.TTL)
	}
	return conn.set(fullKey, encoded)
}

// Remove evicts a cached page.
func (s *Store) Remove(ctx context.Context, key string) error {
	conn, err := s.newConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.del(s.cfg.KeyPrefix + key)
}

func (s *Store) newConn(ctx context.Context) (*redisConn, error) {
	nc, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("pagecache: dial redis: %w", err)
	}
	conn := &redisConn{
		conn:         nc,
		reader:       bufio.NewReader(nc),
		readTimeout:  s.cfg.ReadTimeout,
		writeTimeout: s.cfg.WriteTimeout,
	}
	if s.cfg.Password != "" {
		if err := conn.auth(s.cfg.Password); err != nil {
			nc.Close()
			return nil, fmt.Errorf("pagecache: auth: %w", err)
		}
	}
	if s.cfg.DB != 0 {
		if err := conn.selectDB(s.cfg.DB); err != nil {
			nc.Close()
			return nil, fmt.Errorf("pagecache: select db: %w", err)
		}
	}
	return conn, nil
}

// redisConn is a single-use connection speaking just enough RESP to
// support GET/SET/SETEX/DEL/AUTH/SELECT.
type redisConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *redisConn) Close() error { return c.conn.Close() }

func (c *redisConn) auth(password string) error {
	_, err := c.command("AUTH", password)
	return err
}

func (c *redisConn) selectDB(db int) error {
	_, err := c.command("SELECT", strconv.Itoa(db))
	return err
}

func (c *redisConn) set(key string, value []byte) error {
	_, err := c.commandBytes("SET", []byte(key), value)
	return err
}

func (c *redisConn) setex(key string, value []byte, ttl time.Duration) error {
	seconds := strconv.FormatInt(int64(ttl/time.Second), 10)
	_, err := c.commandBytes("SETEX", []byte(key), []byte(seconds), value)
	return err
}

func (c *redisConn) del(key string) error {
	_, err := c.command("DEL", key)
	return err
}

func (c *redisConn) getBytes(key string) ([]byte, bool, error) {
	reply, err := c.command("GET", key)
	if err != nil {
		return nil, false, err
	}
	if reply == nil {
		return nil, false, nil
	}
	return reply, true, nil
}

// command writes a RESP array of string arguments and reads one reply.
func (c *redisConn) command(name string, args ...string) ([]byte, error) {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return c.commandBytes(name, raw...)
}

func (c *redisConn) commandBytes(name string, args ...[]byte) ([]byte, error) {
	if err := c.writeCommand(name, args...); err != nil {
		return nil, err
	}
	return c.readReply()
}

func (c *redisConn) writeCommand(name string, args ...[]byte) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args)+1)
	fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(name), name)
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n", len(a))
		b.Write(a)
		b.WriteString("\r\n")
	}
	_, err := c.conn.Write([]byte(b.String()))
	return err
}

// readReply parses one RESP value: simple string (+), error (-), integer
// (:), bulk string ($), or array (*). Arrays are flattened to their first
// bulk element, which is all this client's call sites need.
func (c *redisConn) readReply() ([]byte, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("empty reply line")
	}

	switch line[0] {
	case '+':
		return []byte(line[1:]), nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line[1:])
	case ':':
		return []byte(line[1:]), nil
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return nil, fmt.Errorf("bad bulk length %q: %w", line[1:], err)
		}
		if n < 0 {
			return nil, nil // nil bulk string: cache miss
		}
		buf := make([]byte, n+2) // payload + trailing CRLF
		if _, err := readFull(c.reader, buf); err != nil {
			return nil, err
		}
		return buf[:n], nil
	case '*':
		n, err := strconv.Atoi(line[1:])
		if err != nil || n <= 0 {
			return nil, nil
		}
		first, err := c.readReply()
		if err != nil {
			return nil, err
		}
		for i := 1; i < n; i++ {
			if _, err := c.readReply(); err != nil {
				return nil, err
			}
		}
		return first, nil
	default:
		return nil, fmt.Errorf("unrecognized reply prefix %q", line[0])
	}
}

func (c *redisConn) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
