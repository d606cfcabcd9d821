package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tspider/internal/crawler"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "nested", "records.db"), &stepClock{t: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordLifecycle(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()
	item := crawler.Item{ID: "d-1", Title: "招标文件", Meta: map[string]string{"k": "v"}}

	created, err := store.UpsertDiscovered(ctx, "cebpubservice", item)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.UpsertDiscovered(ctx, "cebpubservice", crawler.Item{ID: "d-1", Title: "changed"})
	require.NoError(t, err)
	assert.False(t, created)

	rec, err := store.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "招标文件", rec.Title, "duplicate upsert leaves the record untouched")
	assert.Equal(t, "v", rec.Meta["k"])
	assert.Equal(t, crawler.StateDiscovered, rec.State())
	assert.Equal(t, time.Unix(1700000001, 0).UTC(), rec.DiscoveredAt)

	require.NoError(t, store.MarkResolved(ctx, "d-1", crawler.Resolution{Token: "guid-9"}))
	rec, err = store.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateResolved, rec.State())
	assert.Equal(t, "guid-9", rec.Resolution.Token)

	loc := crawler.StoredLocation{Filename: "a.pdf", URI: "file:///out/a.pdf", ContentHash: "abc", Size: 3}
	require.NoError(t, store.MarkDownloaded(ctx, "d-1", loc))
	rec, err = store.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.StateDownloaded, rec.State())
	assert.Equal(t, loc, *rec.Download)
	require.NotNil(t, rec.DownloadedAt)
	assert.True(t, rec.DownloadedAt.After(*rec.ResolvedAt))
}

func TestUnknownIDs(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, crawler.ErrRecordNotFound)
	assert.ErrorIs(t, store.MarkResolved(ctx, "nope", crawler.Resolution{}), crawler.ErrRecordNotFound)
	assert.ErrorIs(t, store.MarkDownloaded(ctx, "nope", crawler.StoredLocation{}), crawler.ErrRecordNotFound)

	_, err = store.UpsertDiscovered(ctx, "cninfo", crawler.Item{})
	assert.Error(t, err)
}

func TestPendingOrderAndLimit(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := store.UpsertDiscovered(ctx, "cninfo", crawler.Item{ID: id})
		require.NoError(t, err)
	}
	_, err := store.UpsertDiscovered(ctx, "hebeieb", crawler.Item{ID: "other"})
	require.NoError(t, err)
	require.NoError(t, store.MarkDownloaded(ctx, "a", crawler.StoredLocation{}))

	items, err := store.Pending(ctx, "cninfo", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
	assert.Nil(t, items[0].Meta)

	items, err = store.Pending(ctx, "cninfo", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].ID)
}

type seqClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *seqClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

func TestPendingOrdersSubSecondTimestamps(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 1, 8, 0, 5, 0, time.UTC)
	clock := &seqClock{times: []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(120 * time.Millisecond),
		base.Add(500 * time.Millisecond),
	}}
	store, err := New(filepath.Join(t.TempDir(), "records.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for _, id := range []string{"s0", "s1", "s2", "s3"} {
		_, err := store.UpsertDiscovered(ctx, "cninfo", crawler.Item{ID: id})
		require.NoError(t, err)
	}

	items, err := store.Pending(ctx, "cninfo", 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"s0", "s1", "s2", "s3"}, ids)

	rec, err := store.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, base.Add(120*time.Millisecond), rec.DiscoveredAt)
}

func TestConcurrentUpsertsCreateOnce(t *testing.T) {
	t.Parallel()
	store := newStore(t)

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.UpsertDiscovered(context.Background(), "cninfo", crawler.Item{ID: fmt.Sprintf("id-%d", i%5)})
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), created.Load())
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := New("", nil)
	assert.Error(t, err)
}
