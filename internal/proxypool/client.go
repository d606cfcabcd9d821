// Package proxypool consumes a remote proxy-pool service that issues and
// revokes outbound proxy addresses. The client holds no handle state; the
// pool service is the sole source of truth for which proxies are alive.
package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrPoolUnavailable is returned when the pool service cannot hand out a
// proxy after the client's internal retries.
var ErrPoolUnavailable = errors.New("proxy pool unavailable")

// Handle is an opaque proxy address in host:port form. The zero value means
// a direct connection.
type Handle string

// URL returns the proxy URL usable by an HTTP transport, or "" for direct.
func (h Handle) URL() string {
	if h == "" {
		return ""
	}
	return "http://" + string(h)
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	if h == "" {
		return "direct"
	}
	return string(h)
}

// Pool acquires and invalidates proxy handles.
type Pool interface {
	Acquire(ctx context.Context) (Handle, error)
	Invalidate(ctx context.Context, h Handle) error
}

// Config controls the HTTP pool client.
type Config struct {
	// Address is the pool service base, e.g. "localhost:26888" or
	// "http://pool.internal:26888".
	Address string
	// Timeout bounds each round-trip (default 5s).
	Timeout time.Duration
	// Attempts is the internal retry budget for Acquire (default 3).
	Attempts int
	// Backoff is multiplied by the attempt number between tries (default 200ms).
	Backoff time.Duration
	// Transport allows injecting a custom round tripper (tests).
	Transport http.RoundTripper
}

// Client talks to the pool service over short independent GET round-trips.
// It is safe for concurrent use.
type Client struct {
	base     *url.URL
	http     *http.Client
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

type getResponse struct {
	Proxy string `json:"proxy"`
}

// New builds a Client for the configured pool address.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("proxy pool address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse proxy pool address: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		logger:   logger,
	}, nil
}

// Acquire asks the pool for a live proxy. Transient pool errors are retried
// a few times before ErrPoolUnavailable is returned; callers retry further
// with their own backoff.
func (c *Client) Acquire(ctx context.Context) (Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		h, err := c.acquireOnce(ctx)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("acquire proxy: %w", ctx.Err())
		}
		lastErr = err
		c.logger.Debug("proxy acquire failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("acquire proxy: %w", ctx.Err())
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return "", fmt.Errorf("%w: %v", ErrPoolUnavailable, lastErr)
}

func (c *Client) acquireOnce(ctx context.Context) (Handle, error) {
	body, err := c.get(ctx, "/get/", nil)
	if err != nil {
		return "", err
	}
	var payload getResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode pool response: %w", err)
	}
	proxy := stripScheme(strings.TrimSpace(payload.Proxy))
	if proxy == "" {
		return "", errors.New("pool returned no proxy")
	}
	return Handle(proxy), nil
}

// Invalidate tells the pool to drop h. Invalidating the direct handle is a
// no-op.
func (c *Client) Invalidate(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	query := url.Values{"proxy": {stripScheme(string(h))}}
	if _, err := c.get(ctx, "/delete/", query); err != nil {
		return fmt.Errorf("invalidate proxy %s: %w", h, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build pool request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pool request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read pool response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("pool responded %d", resp.StatusCode)
	}
	return body, nil
}

func stripScheme(p string) string {
	p = strings.TrimPrefix(p, "http://")
	return strings.TrimPrefix(p, "https://")
}
