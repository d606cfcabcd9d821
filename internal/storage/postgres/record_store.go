// Package postgres provides the Postgres-backed crawl record sink.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tspider/internal/clock/system"
	"github.com/JakeFAU/tspider/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_records"

// Config controls the Postgres connection pool used for crawl records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore implements crawler.Sink on a single table keyed by item_id.
type RecordStore struct {
	pool  dbPool
	table string
	clock crawler.Clock
}

// NewRecordStore connects to Postgres and bootstraps the schema.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &RecordStore{pool: pool, table: table, clock: system.New()}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool dbPool, table string, clock crawler.Clock) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = system.New()
	}
	return &RecordStore{pool: pool, table: name, clock: clock}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the records table and its pending-items index.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	item_id       TEXT PRIMARY KEY,
	site          TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	token         TEXT NOT NULL DEFAULT '',
	meta          JSONB NOT NULL DEFAULT '{}'::jsonb,
	discovered_at TIMESTAMPTZ NOT NULL,
	resolution    JSONB,
	resolved_at   TIMESTAMPTZ,
	download      JSONB,
	downloaded_at TIMESTAMPTZ
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_pending_idx ON %[1]s (site, discovered_at) WHERE downloaded_at IS NULL`, s.table),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s schema: %w", s.table, err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertDiscovered implements crawler.Sink. Conflicts on item_id leave the
// existing row untouched.
func (s *RecordStore) UpsertDiscovered(ctx context.Context, site string, item crawler.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("item id is required")
	}
	meta, err := json.Marshal(nonNilMeta(item.Meta))
	if err != nil {
		return false, fmt.Errorf("marshal meta: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (item_id, site, title, url, token, meta, discovered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (item_id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, item.ID, site, item.Title, item.URL, item.Token, meta, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", item.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkResolved implements crawler.Sink.
func (s *RecordStore) MarkResolved(ctx context.Context, id string, res crawler.Resolution) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET resolution = $2, resolved_at = $3 WHERE item_id = $1`, s.table)
	return s.update(ctx, "resolve", id, query, payload)
}

// MarkDownloaded implements crawler.Sink.
func (s *RecordStore) MarkDownloaded(ctx context.Context, id string, loc crawler.StoredLocation) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal download: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET download = $2, downloaded_at = $3 WHERE item_id = $1`, s.table)
	return s.update(ctx, "download", id, query, payload)
}

func (s *RecordStore) update(ctx context.Context, op, id, query string, payload []byte) error {
	tag, err := s.pool.Exec(ctx, query, id, payload, s.clock.Now())
	if err != nil {
		return fmt.Errorf("%s record %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s record %s: %w", op, id, crawler.ErrRecordNotFound)
	}
	return nil
}

// Get implements crawler.Sink.
func (s *RecordStore) Get(ctx context.Context, id string) (crawler.CrawlRecord, error) {
	query := fmt.Sprintf(`
SELECT item_id, site, title, url, token, meta, discovered_at, resolution, resolved_at, download, downloaded_at
FROM %s
WHERE item_id = $1`, s.table)

	var (
		rec                 crawler.CrawlRecord
		meta, res, download []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ItemID,
		&rec.Site,
		&rec.Title,
		&rec.URL,
		&rec.Token,
		&meta,
		&rec.DiscoveredAt,
		&res,
		&rec.ResolvedAt,
		&download,
		&rec.DownloadedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlRecord{}, fmt.Errorf("get record %s: %w", id, crawler.ErrRecordNotFound)
		}
		return crawler.CrawlRecord{}, fmt.Errorf("get record %s: %w", id, err)
	}
	if err := decodeJSON(meta, &rec.Meta); err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("decode meta of %s: %w", id, err)
	}
	if len(res) > 0 {
		rec.Resolution = &crawler.Resolution{}
		if err := json.Unmarshal(res, rec.Resolution); err != nil {
			return crawler.CrawlRecord{}, fmt.Errorf("decode resolution of %s: %w", id, err)
		}
	}
	if len(download) > 0 {
		rec.Download = &crawler.StoredLocation{}
		if err := json.Unmarshal(download, rec.Download); err != nil {
			return crawler.CrawlRecord{}, fmt.Errorf("decode download of %s: %w", id, err)
		}
	}
	return rec, nil
}

// Pending implements crawler.Sink in discovery order. A non-positive limit
// returns every pending item.
func (s *RecordStore) Pending(ctx context.Context, site string, limit int) ([]crawler.Item, error) {
	query := fmt.Sprintf(`
SELECT item_id, title, url, token, meta
FROM %s
WHERE site = $1 AND downloaded_at IS NULL
ORDER BY discovered_at, item_id
LIMIT $2`, s.table)

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, site, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list pending %s records: %w", site, err)
	}
	defer rows.Close()

	var items []crawler.Item
	for rows.Next() {
		var (
			item crawler.Item
			meta []byte
		)
		if err := rows.Scan(&item.ID, &item.Title, &item.URL, &item.Token, &meta); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		if err := decodeJSON(meta, &item.Meta); err != nil {
			return nil, fmt.Errorf("decode meta of %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return items, nil
}

func decodeJSON(raw []byte, out *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}
	if len(*out) == 0 {
		*out = nil
	}
	return nil
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
