package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/tspider/internal/crawler"
)

// RecordStore is an in-memory crawler.Sink. Discovery order is preserved so
// Pending returns items in the order they were first seen.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]crawler.CrawlRecord
	order   []string
	now     func() time.Time
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]crawler.CrawlRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UpsertDiscovered stores a discovery record unless the ID already exists.
func (s *RecordStore) UpsertDiscovered(_ context.Context, site string, item crawler.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("upsert discovered: empty item id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[item.ID]; exists {
		return false, nil
	}
	s.records[item.ID] = crawler.NewRecord(site, item, s.now())
	s.order = append(s.order, item.ID)
	return true, nil
}

// MarkResolved records the resolution fields for id.
func (s *RecordStore) MarkResolved(_ context.Context, id string, res crawler.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("mark resolved %s: %w", id, crawler.ErrRecordNotFound)
	}
	at := s.now()
	res.Fields = maps.Clone(res.Fields)
	rec.Resolution = &res
	rec.ResolvedAt = &at
	s.records[id] = rec
	return nil
}

// MarkDownloaded records where the artifact for id was stored.
func (s *RecordStore) MarkDownloaded(_ context.Context, id string, loc crawler.StoredLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("mark downloaded %s: %w", id, crawler.ErrRecordNotFound)
	}
	at := s.now()
	rec.Download = &loc
	rec.DownloadedAt = &at
	s.records[id] = rec
	return nil
}

// Get returns the record for id.
func (s *RecordStore) Get(_ context.Context, id string) (crawler.CrawlRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return crawler.CrawlRecord{}, crawler.ErrRecordNotFound
	}
	return rec.Copy(), nil
}

// Pending lists undownloaded items of site in discovery order.
func (s *RecordStore) Pending(_ context.Context, site string, limit int) ([]crawler.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []crawler.Item
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Site != site || rec.DownloadedAt != nil {
			continue
		}
		items = append(items, rec.Item())
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return items, nil
}

// Records returns all records sorted by item ID.
func (s *RecordStore) Records() []crawler.CrawlRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Close is a no-op.
func (s *RecordStore) Close() error {
	return nil
}
