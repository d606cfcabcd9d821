// Package collyfetcher implements crawler.Fetcher using gocolly, routing each
// request through the proxy handed out for the current attempt.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/metrics"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 64 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds one physical request (default 15s).
	Timeout time.Duration
	// MaxBodyBytes rejects larger bodies as corrupt payloads (default 64MiB).
	MaxBodyBytes int
}

// Throttle delays requests per host.
type Throttle interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using a fresh Colly collector per
// request, so concurrent fetches through different proxies never share a
// transport.
type Fetcher struct {
	cfg      Config
	throttle Throttle
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. throttle may be nil.
func New(cfg Config, throttle Throttle) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Fetcher{cfg: cfg, throttle: throttle}
}

// Fetch issues req, through proxy when it is non-empty. Non-2xx responses are
// returned as-is; only transport failures produce an error.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.Request, proxy string) (crawler.Response, error) {
	if f.throttle != nil {
		if err := f.throttle.Wait(ctx, req.URL); err != nil {
			return crawler.Response{}, err
		}
	}

	transport, err := newHTTPTransport(proxy)
	if err != nil {
		return crawler.Response{}, err
	}
	defer transport.CloseIdleConnections()

	var (
		result   crawler.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(transport)
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return crawler.Response{}, err
	}
	if len(result.Body) > f.cfg.MaxBodyBytes {
		return crawler.Response{}, crawler.Corrupt("body of %s exceeds %d bytes", req.URL, f.cfg.MaxBodyBytes)
	}
	metrics.ObserveFetch(req.URL, len(result.Body))
	return result, nil
}

func (f *Fetcher) buildCollector(transport http.RoundTripper) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	// One byte over the limit lets Fetch tell truncation from an exact fit.
	collector.MaxBodySize = f.cfg.MaxBodyBytes + 1
	collector.WithTransport(transport)
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = toResponse(r, start)
	})

	// ParseHTTPErrorResponse keeps statuses out of OnError; only transport
	// failures land here.
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func toResponse(r *colly.Response, start time.Time) crawler.Response {
	var header http.Header
	if r.Headers != nil {
		header = r.Headers.Clone()
	}
	reqURL := ""
	if r.Request != nil && r.Request.URL != nil {
		reqURL = r.Request.URL.String()
	}
	return crawler.Response{
		URL:        reqURL,
		StatusCode: r.StatusCode,
		Header:     header,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req crawler.Request, fetchErr *error) error {
	// Colly mutates headers in place; the adapter's request stays untouched.
	req = req.Clone()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, req.URL, body, nil, req.Header)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport(proxy string) (*http.Transport, error) {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("%w: parse proxy url %q: %v", crawler.ErrProxy, proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
		// net/http reports a refused CONNECT as a bare status-text error.
		t.OnProxyConnectResponse = func(_ context.Context, _ *url.URL, _ *http.Request, resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%w: CONNECT rejected with %s", crawler.ErrProxy, resp.Status)
			}
			return nil
		}
	}
	return t, nil
}
