// Package elastic stores crawl records as Elasticsearch documents keyed by
// item ID.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"

	"github.com/JakeFAU/tspider/internal/clock/system"
	"github.com/JakeFAU/tspider/internal/crawler"
)

// maxPending caps Pending when no limit is given; it matches the default
// index.max_result_window.
const maxPending = 10000

// Config controls the Elasticsearch connection and index.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	// Refresh is passed to write requests ("", "true", "false", "wait_for").
	Refresh string
}

// RecordStore implements crawler.Sink on an Elasticsearch index. Uniqueness
// comes from the _create endpoint rejecting existing IDs.
type RecordStore struct {
	es      *elasticsearch.Client
	index   string
	refresh string
	clock   crawler.Clock
}

// New builds a client from cfg and ensures the index exists.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*RecordStore, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("sink.elastic_addresses is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init elasticsearch client: %w", err)
	}
	return NewWithClient(ctx, client, cfg.Index, cfg.Refresh, clock)
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(ctx context.Context, client *elasticsearch.Client, index, refresh string, clock crawler.Clock) (*RecordStore, error) {
	if client == nil {
		return nil, fmt.Errorf("elasticsearch client is required")
	}
	if index == "" {
		index = "crawl_records"
	}
	if clock == nil {
		clock = system.New()
	}
	s := &RecordStore{es: client, index: strings.ToLower(index), refresh: refresh, clock: clock}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const mapping = `{
  "mappings": {
    "properties": {
      "item_id":       {"type": "keyword"},
      "site":          {"type": "keyword"},
      "title":         {"type": "text", "fields": {"raw": {"type": "keyword", "ignore_above": 512}}},
      "url":           {"type": "keyword", "index": false},
      "token":         {"type": "keyword", "index": false},
      "meta":          {"type": "object", "enabled": false},
      "discovered_at": {"type": "date"},
      "resolution":    {"type": "object", "enabled": false},
      "resolved_at":   {"type": "date"},
      "download":      {"type": "object", "enabled": false},
      "downloaded_at": {"type": "date"}
    }
  }
}`

func (s *RecordStore) ensureIndex(ctx context.Context) error {
	res, err := s.es.Indices.Create(
		s.index,
		s.es.Indices.Create.WithBody(strings.NewReader(mapping)),
		s.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.index, err)
	}
	defer drain(res)
	if !res.IsError() {
		return nil
	}
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("create index %s: %s: %s", s.index, res.Status(), body)
}

// Close is a no-op; the client holds no resources beyond its transport.
func (s *RecordStore) Close() error { return nil }

// UpsertDiscovered implements crawler.Sink. A version conflict on _create
// means the record already exists.
func (s *RecordStore) UpsertDiscovered(ctx context.Context, site string, item crawler.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("item id is required")
	}
	doc, err := json.Marshal(crawler.NewRecord(site, item, s.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	opts := []func(*esapi.CreateRequest){s.es.Create.WithContext(ctx)}
	if s.refresh != "" {
		opts = append(opts, s.es.Create.WithRefresh(s.refresh))
	}
	res, err := s.es.Create(s.index, item.ID, bytes.NewReader(doc), opts...)
	if err != nil {
		return false, fmt.Errorf("create record %s: %w", item.ID, err)
	}
	defer drain(res)
	switch {
	case res.StatusCode == http.StatusConflict:
		return false, nil
	case res.IsError():
		return false, responseError("create record "+item.ID, res)
	default:
		return true, nil
	}
}

// MarkResolved implements crawler.Sink.
func (s *RecordStore) MarkResolved(ctx context.Context, id string, res crawler.Resolution) error {
	return s.update(ctx, id, map[string]any{
		"resolution":  res,
		"resolved_at": s.clock.Now(),
	})
}

// MarkDownloaded implements crawler.Sink.
func (s *RecordStore) MarkDownloaded(ctx context.Context, id string, loc crawler.StoredLocation) error {
	return s.update(ctx, id, map[string]any{
		"download":      loc,
		"downloaded_at": s.clock.Now(),
	})
}

func (s *RecordStore) update(ctx context.Context, id string, fields map[string]any) error {
	body, err := json.Marshal(map[string]any{"doc": fields})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	opts := []func(*esapi.UpdateRequest){s.es.Update.WithContext(ctx)}
	if s.refresh != "" {
		opts = append(opts, s.es.Update.WithRefresh(s.refresh))
	}
	res, err := s.es.Update(s.index, id, bytes.NewReader(body), opts...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("update record %s: %w", id, crawler.ErrRecordNotFound)
	}
	if res.IsError() {
		return responseError("update record "+id, res)
	}
	return nil
}

type getResponse struct {
	Found  bool                `json:"found"`
	Source crawler.CrawlRecord `json:"_source"`
}

// Get implements crawler.Sink.
func (s *RecordStore) Get(ctx context.Context, id string) (crawler.CrawlRecord, error) {
	res, err := s.es.Get(s.index, id, s.es.Get.WithContext(ctx))
	if err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("get record %s: %w", id, err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return crawler.CrawlRecord{}, fmt.Errorf("get record %s: %w", id, crawler.ErrRecordNotFound)
	}
	if res.IsError() {
		return crawler.CrawlRecord{}, responseError("get record "+id, res)
	}
	var body getResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	if !body.Found {
		return crawler.CrawlRecord{}, fmt.Errorf("get record %s: %w", id, crawler.ErrRecordNotFound)
	}
	return body.Source, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source crawler.CrawlRecord `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Pending implements crawler.Sink in discovery order. Without a limit at
// most maxPending items are returned.
func (s *RecordStore) Pending(ctx context.Context, site string, limit int) ([]crawler.Item, error) {
	if limit <= 0 || limit > maxPending {
		limit = maxPending
	}
	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter":   []any{map[string]any{"term": map[string]any{"site": site}}},
				"must_not": []any{map[string]any{"exists": map[string]any{"field": "downloaded_at"}}},
			},
		},
		"sort": []any{
			map[string]any{"discovered_at": "asc"},
			map[string]any{"item_id": "asc"},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal pending query: %w", err)
	}
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(bytes.NewReader(body)),
		s.es.Search.WithSize(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("search pending %s records: %w", site, err)
	}
	defer drain(res)
	if res.IsError() {
		return nil, responseError("search pending "+site+" records", res)
	}
	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode pending %s records: %w", site, err)
	}
	items := make([]crawler.Item, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source.Item())
	}
	return items, nil
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("%s: %s: %s", op, res.Status(), strings.TrimSpace(string(body)))
}

func drain(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
