package crawler

import (
	"context"
	"io"
	"time"
)

// SiteAdapter supplies the site-owned request construction and parsing.
// The engine is polymorphic over this capability set and never branches on
// site identity.
type SiteAdapter interface {
	Name() string
	BuildListRequest(page int) (Request, error)
	// ParseListPage extracts items from a listing response. An empty slice is
	// a valid page; errors wrapping ErrPayloadCorrupt are retried.
	ParseListPage(page int, resp Response) ([]Item, error)
	BuildItemRequest(item Item) (Request, error)
	PersistArtifact(ctx context.Context, item Item, resp Response) (StoredLocation, error)
}

// Resolver is implemented by adapters whose artifacts need an indirect
// lookup before the download request can be built.
type Resolver interface {
	BuildResolveRequest(item Item) (Request, error)
	ParseResolution(item Item, resp Response) (Resolution, error)
	BuildDownloadRequest(item Item, res Resolution) (Request, error)
}

// Sink persists discovery and download state. Uniqueness on the item ID is
// enforced by the implementation.
type Sink interface {
	// UpsertDiscovered creates the record for item; a duplicate ID is a no-op
	// that reports created=false and a nil error.
	UpsertDiscovered(ctx context.Context, site string, item Item) (bool, error)
	MarkResolved(ctx context.Context, id string, res Resolution) error
	MarkDownloaded(ctx context.Context, id string, loc StoredLocation) error
	// Get returns ErrRecordNotFound for unknown IDs.
	Get(ctx context.Context, id string) (CrawlRecord, error)
	// Pending lists items of site that are not yet downloaded.
	Pending(ctx context.Context, site string, limit int) ([]Item, error)
	Close() error
}

// Fetcher issues one physical request, optionally through a proxy URL.
// An empty proxy means a direct connection.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, proxy string) (Response, error)
}

// BlobStore writes artifact bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes download events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs and fallback names.
type IDGenerator interface {
	NewID() (string, error)
}
