// Package sqlite provides a single-file crawl record sink on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/tspider/internal/clock/system"
	"github.com/JakeFAU/tspider/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawl_records (
    item_id       TEXT PRIMARY KEY,
    site          TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL DEFAULT '',
    token         TEXT NOT NULL DEFAULT '',
    meta          TEXT NOT NULL DEFAULT '{}',
    discovered_at TEXT NOT NULL,
    resolution    TEXT,
    resolved_at   TEXT,
    download      TEXT,
    downloaded_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_crawl_records_pending ON crawl_records(site, discovered_at) WHERE downloaded_at IS NULL;
`

// timeLayout is fixed width so TEXT comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RecordStore implements crawler.Sink on a SQLite database file.
type RecordStore struct {
	db    *sql.DB
	clock crawler.Clock
}

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string, clock crawler.Clock) (*RecordStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sink.sqlite_path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; concurrent item jobs queue on the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if clock == nil {
		clock = system.New()
	}
	return &RecordStore{db: db, clock: clock}, nil
}

// Close closes the database connection.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// UpsertDiscovered implements crawler.Sink.
func (s *RecordStore) UpsertDiscovered(ctx context.Context, site string, item crawler.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("item id is required")
	}
	meta := []byte("{}")
	if len(item.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(item.Meta); err != nil {
			return false, fmt.Errorf("marshal meta: %w", err)
		}
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO crawl_records (item_id, site, title, url, token, meta, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, site, item.Title, item.URL, item.Token, string(meta), s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", item.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", item.ID, err)
	}
	return affected == 1, nil
}

// MarkResolved implements crawler.Sink.
func (s *RecordStore) MarkResolved(ctx context.Context, id string, res crawler.Resolution) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	return s.update(ctx, "resolve", id,
		`UPDATE crawl_records SET resolution = ?, resolved_at = ? WHERE item_id = ?`, string(payload))
}

// MarkDownloaded implements crawler.Sink.
func (s *RecordStore) MarkDownloaded(ctx context.Context, id string, loc crawler.StoredLocation) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal download: %w", err)
	}
	return s.update(ctx, "download", id,
		`UPDATE crawl_records SET download = ?, downloaded_at = ? WHERE item_id = ?`, string(payload))
}

func (s *RecordStore) update(ctx context.Context, op, id, query, payload string) error {
	result, err := s.db.ExecContext(ctx, query, payload, s.now(), id)
	if err != nil {
		return fmt.Errorf("%s record %s: %w", op, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s record %s: %w", op, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s record %s: %w", op, id, crawler.ErrRecordNotFound)
	}
	return nil
}

// Get implements crawler.Sink.
func (s *RecordStore) Get(ctx context.Context, id string) (crawler.CrawlRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, site, title, url, token, meta, discovered_at, resolution, resolved_at, download, downloaded_at
		 FROM crawl_records WHERE item_id = ?`, id)

	var (
		rec                    crawler.CrawlRecord
		meta, discoveredAt     string
		res, resolvedAt        sql.NullString
		download, downloadedAt sql.NullString
	)
	err := row.Scan(&rec.ItemID, &rec.Site, &rec.Title, &rec.URL, &rec.Token, &meta,
		&discoveredAt, &res, &resolvedAt, &download, &downloadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CrawlRecord{}, fmt.Errorf("get record %s: %w", id, crawler.ErrRecordNotFound)
	}
	if err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("get record %s: %w", id, err)
	}

	if rec.Meta, err = decodeMeta(meta); err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("decode meta of %s: %w", id, err)
	}
	if rec.DiscoveredAt, err = time.Parse(timeLayout, discoveredAt); err != nil {
		return crawler.CrawlRecord{}, fmt.Errorf("parse discovered_at of %s: %w", id, err)
	}
	if res.Valid {
		rec.Resolution = &crawler.Resolution{}
		if err := json.Unmarshal([]byte(res.String), rec.Resolution); err != nil {
			return crawler.CrawlRecord{}, fmt.Errorf("decode resolution of %s: %w", id, err)
		}
		if rec.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
			return crawler.CrawlRecord{}, fmt.Errorf("parse resolved_at of %s: %w", id, err)
		}
	}
	if download.Valid {
		rec.Download = &crawler.StoredLocation{}
		if err := json.Unmarshal([]byte(download.String), rec.Download); err != nil {
			return crawler.CrawlRecord{}, fmt.Errorf("decode download of %s: %w", id, err)
		}
		if rec.DownloadedAt, err = parseNullTime(downloadedAt); err != nil {
			return crawler.CrawlRecord{}, fmt.Errorf("parse downloaded_at of %s: %w", id, err)
		}
	}
	return rec, nil
}

// Pending implements crawler.Sink in discovery order.
func (s *RecordStore) Pending(ctx context.Context, site string, limit int) ([]crawler.Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, title, url, token, meta
		 FROM crawl_records WHERE site = ? AND downloaded_at IS NULL
		 ORDER BY discovered_at ASC, rowid ASC LIMIT ?`,
		site, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending %s records: %w", site, err)
	}
	defer rows.Close()

	var items []crawler.Item
	for rows.Next() {
		var (
			item crawler.Item
			meta string
		)
		if err := rows.Scan(&item.ID, &item.Title, &item.URL, &item.Token, &meta); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		if item.Meta, err = decodeMeta(meta); err != nil {
			return nil, fmt.Errorf("decode meta of %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *RecordStore) now() string {
	return s.clock.Now().UTC().Format(timeLayout)
}

func decodeMeta(raw string) (map[string]string, error) {
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
