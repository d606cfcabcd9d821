package crawler

import (
	"maps"
	"net/http"
	"time"
)

// Request captures everything needed to issue one physical HTTP request.
// Adapters build Requests; the engine treats them as immutable.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy so callers can mutate headers safely.
func (r Request) Clone() Request {
	cp := r
	if r.Header != nil {
		cp.Header = r.Header.Clone()
	}
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	return cp
}

// ListPageRequest pairs a page index with the adapter-built request for it.
// It is built once per page and reused by every attempt.
type ListPageRequest struct {
	Page    int
	Request Request
}

// Response is the raw result of a physical request.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Item is a discovered unit of work. ID must be stable across reruns.
type Item struct {
	ID    string            `json:"id"`
	Title string            `json:"title"`
	URL   string            `json:"url,omitempty"`
	Token string            `json:"token,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Resolution carries the result of the optional indirect lookup that
// precedes an artifact download (e.g. a download GUID).
type Resolution struct {
	Token  string            `json:"token"`
	Fields map[string]string `json:"fields,omitempty"`
}

// StoredLocation describes where a persisted artifact ended up.
type StoredLocation struct {
	Filename    string `json:"filename"`
	URI         string `json:"uri"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
}

// RecordState is the lifecycle stage of a CrawlRecord.
type RecordState string

// Record lifecycle stages.
const (
	StateDiscovered RecordState = "discovered"
	StateResolved   RecordState = "resolved"
	StateDownloaded RecordState = "downloaded"
)

// CrawlRecord is the persisted state for one item. Resolution and download
// fields stay nil until the corresponding transition happens.
type CrawlRecord struct {
	ItemID       string            `json:"item_id"`
	Site         string            `json:"site"`
	Title        string            `json:"title"`
	URL          string            `json:"url,omitempty"`
	Token        string            `json:"token,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	DiscoveredAt time.Time         `json:"discovered_at"`

	Resolution *Resolution `json:"resolution,omitempty"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`

	Download     *StoredLocation `json:"download,omitempty"`
	DownloadedAt *time.Time      `json:"downloaded_at,omitempty"`
}

// State derives the lifecycle stage from the populated fields.
func (r CrawlRecord) State() RecordState {
	switch {
	case r.DownloadedAt != nil:
		return StateDownloaded
	case r.ResolvedAt != nil:
		return StateResolved
	default:
		return StateDiscovered
	}
}

// Item reconstructs the discovery item stored in the record.
func (r CrawlRecord) Item() Item {
	return Item{
		ID:    r.ItemID,
		Title: r.Title,
		URL:   r.URL,
		Token: r.Token,
		Meta:  maps.Clone(r.Meta),
	}
}

// Copy returns a deep copy that shares no maps or pointers with r.
func (r CrawlRecord) Copy() CrawlRecord {
	cp := r
	cp.Meta = maps.Clone(r.Meta)
	if r.Resolution != nil {
		res := *r.Resolution
		res.Fields = maps.Clone(res.Fields)
		cp.Resolution = &res
	}
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	if r.Download != nil {
		loc := *r.Download
		cp.Download = &loc
	}
	if r.DownloadedAt != nil {
		at := *r.DownloadedAt
		cp.DownloadedAt = &at
	}
	return cp
}

// NewRecord builds the discovery-stage record for an item.
func NewRecord(site string, item Item, at time.Time) CrawlRecord {
	return CrawlRecord{
		ItemID:       item.ID,
		Site:         site,
		Title:        item.Title,
		URL:          item.URL,
		Token:        item.Token,
		Meta:         maps.Clone(item.Meta),
		DiscoveredAt: at,
	}
}

// Mode selects which phases a run executes.
type Mode string

// Supported run modes.
const (
	ModeFull     Mode = "full"
	ModeDiscover Mode = "discover"
	ModeDownload Mode = "download"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFull, ModeDiscover, ModeDownload:
		return true
	default:
		return false
	}
}

// Summary aggregates the counters of one orchestrator run.
type Summary struct {
	RunID           string    `json:"run_id"`
	Site            string    `json:"site"`
	Mode            Mode      `json:"mode"`
	PagesRequested  int       `json:"pages_requested"`
	PagesSucceeded  int       `json:"pages_succeeded"`
	PagesFailed     int       `json:"pages_failed"`
	ItemsDiscovered int       `json:"items_discovered"`
	RecordsCreated  int       `json:"records_created"`
	UpsertErrors    int       `json:"upsert_errors"`
	ItemsScheduled  int       `json:"items_scheduled"`
	ItemsDownloaded int       `json:"items_downloaded"`
	ItemsFailed     int       `json:"items_failed"`
	ItemsSkipped    int       `json:"items_skipped"`
	PoolUnavailable int       `json:"pool_unavailable"`
	Stopped         bool      `json:"stopped"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// DownloadEvent is published after an artifact is persisted.
type DownloadEvent struct {
	RunID        string    `json:"run_id"`
	Site         string    `json:"site"`
	ItemID       string    `json:"item_id"`
	Title        string    `json:"title"`
	URI          string    `json:"uri"`
	ContentHash  string    `json:"content_hash"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}
