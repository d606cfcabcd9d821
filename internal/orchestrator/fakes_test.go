package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/proxypool"
	"github.com/JakeFAU/tspider/internal/retry"
	"github.com/JakeFAU/tspider/internal/storage/memory"
)

// listAdapter is a single-stage adapter whose listing pages are JSON arrays
// of items served by routeFetcher.
type listAdapter struct {
	name  string
	blobs *memory.BlobStore
}

func (a *listAdapter) Name() string { return a.name }

func (a *listAdapter) BuildListRequest(page int) (crawler.Request, error) {
	return crawler.Request{Method: http.MethodGet, URL: fmt.Sprintf("http://list/%d", page)}, nil
}

func (a *listAdapter) ParseListPage(_ int, resp crawler.Response) ([]crawler.Item, error) {
	var items []crawler.Item
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return nil, crawler.Corrupt("decode list: %v", err)
	}
	return items, nil
}

func (a *listAdapter) BuildItemRequest(item crawler.Item) (crawler.Request, error) {
	return crawler.Request{Method: http.MethodGet, URL: "http://item/" + item.ID}, nil
}

func (a *listAdapter) PersistArtifact(ctx context.Context, item crawler.Item, resp crawler.Response) (crawler.StoredLocation, error) {
	path := a.name + "/" + item.ID + ".bin"
	uri, err := a.blobs.PutObject(ctx, path, "application/octet-stream", bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.StoredLocation{}, err
	}
	return crawler.StoredLocation{Filename: item.ID + ".bin", URI: uri, Size: int64(len(resp.Body))}, nil
}

// resolvingAdapter adds a resolve round-trip: http://resolve/<id> returns the
// token used in http://download/<token>.
type resolvingAdapter struct {
	listAdapter
}

func (a *resolvingAdapter) BuildResolveRequest(item crawler.Item) (crawler.Request, error) {
	return crawler.Request{Method: http.MethodPost, URL: "http://resolve/" + item.ID}, nil
}

func (a *resolvingAdapter) ParseResolution(_ crawler.Item, resp crawler.Response) (crawler.Resolution, error) {
	token := strings.TrimSpace(string(resp.Body))
	if token == "" {
		return crawler.Resolution{}, crawler.Corrupt("empty token")
	}
	return crawler.Resolution{Token: token}, nil
}

func (a *resolvingAdapter) BuildDownloadRequest(_ crawler.Item, res crawler.Resolution) (crawler.Request, error) {
	return crawler.Request{Method: http.MethodGet, URL: "http://download/" + res.Token}, nil
}

// routeFetcher serves canned responses by URL and tracks concurrency.
type routeFetcher struct {
	mu       sync.Mutex
	pages    map[int][]crawler.Item
	override func(req crawler.Request, proxy string, call int) (crawler.Response, bool, error)
	calls    map[string]int
	proxies  []string
	delay    time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
	onFetch     func(req crawler.Request)
}

func newRouteFetcher(pages map[int][]crawler.Item) *routeFetcher {
	return &routeFetcher{pages: pages, calls: map[string]int{}}
}

func (f *routeFetcher) Fetch(ctx context.Context, req crawler.Request, proxy string) (crawler.Response, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.onFetch != nil {
		f.onFetch(req)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return crawler.Response{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[req.URL]++
	call := f.calls[req.URL]
	f.proxies = append(f.proxies, proxy)
	f.mu.Unlock()

	if f.override != nil {
		if resp, handled, err := f.override(req, proxy, call); handled {
			return resp, err
		}
	}
	return f.serve(req)
}

func (f *routeFetcher) serve(req crawler.Request) (crawler.Response, error) {
	switch {
	case strings.HasPrefix(req.URL, "http://list/"):
		var page int
		if _, err := fmt.Sscanf(req.URL, "http://list/%d", &page); err != nil {
			return crawler.Response{}, err
		}
		body, err := json.Marshal(f.pages[page])
		if err != nil {
			return crawler.Response{}, err
		}
		return ok(req.URL, body), nil
	case strings.HasPrefix(req.URL, "http://resolve/"):
		return ok(req.URL, []byte("tok-"+strings.TrimPrefix(req.URL, "http://resolve/"))), nil
	case strings.HasPrefix(req.URL, "http://item/"), strings.HasPrefix(req.URL, "http://download/"):
		return ok(req.URL, []byte("artifact "+req.URL)), nil
	default:
		return crawler.Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
}

func (f *routeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func ok(url string, body []byte) crawler.Response {
	return crawler.Response{URL: url, StatusCode: http.StatusOK, Body: body}
}

// countingPool hands out fresh handles and records invalidations.
type countingPool struct {
	mu          sync.Mutex
	next        int
	invalidated []proxypool.Handle
}

func (p *countingPool) Acquire(context.Context) (proxypool.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return proxypool.Handle(fmt.Sprintf("127.0.0.%d:3128", p.next)), nil
}

func (p *countingPool) Invalidate(_ context.Context, h proxypool.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, h)
	return nil
}

func (p *countingPool) invalidations() []proxypool.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proxypool.Handle(nil), p.invalidated...)
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

var errReset = errors.New("read tcp: connection reset by peer")

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func noJitter(time.Duration) time.Duration { return 0 }

func testConfig(pages int) Config {
	cfg := DefaultConfig()
	cfg.Name = "testsite"
	cfg.StartPage = 1
	cfg.TotalPages = pages
	cfg.PreDelayBase = 0
	cfg.PreDelayJitter = 0
	cfg.Policy = retry.Policy{MaxAttempts: 3, AcquireAttempts: 2}
	return cfg
}

func items(ids ...string) []crawler.Item {
	out := make([]crawler.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, crawler.Item{ID: id, Title: "title " + id})
	}
	return out
}
