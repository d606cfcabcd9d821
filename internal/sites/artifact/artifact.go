// Package artifact stores downloaded documents for site adapters and derives
// their on-disk names.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/JakeFAU/tspider/internal/crawler"
)

// MaxNameBytes is the byte length above which titles are shortened.
const MaxNameBytes = 30

// Writer hashes artifact bytes and writes them to a blob store.
type Writer struct {
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
}

// NewWriter builds a Writer that stores objects under prefix.
func NewWriter(blobs crawler.BlobStore, hasher crawler.Hasher, prefix string) *Writer {
	return &Writer{blobs: blobs, hasher: hasher, prefix: strings.Trim(prefix, "/")}
}

// Write stores body as filename. An empty body is reported as a corrupt
// payload so the download is retried.
func (w *Writer) Write(ctx context.Context, filename, contentType string, body []byte) (crawler.StoredLocation, error) {
	if len(body) == 0 {
		return crawler.StoredLocation{}, crawler.Corrupt("empty artifact %s", filename)
	}
	hash, err := w.hasher.Hash(body)
	if err != nil {
		return crawler.StoredLocation{}, fmt.Errorf("hash artifact: %w", err)
	}
	objectPath := filename
	if w.prefix != "" {
		objectPath = path.Join(w.prefix, filename)
	}
	uri, err := w.blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		return crawler.StoredLocation{}, fmt.Errorf("put object: %w", err)
	}
	return crawler.StoredLocation{
		Filename:    filename,
		URI:         uri,
		ContentHash: hash,
		Size:        int64(len(body)),
	}, nil
}

// ShortName keeps the last maxBytes characters of name when its UTF-8
// encoding is longer than maxBytes, so file extensions survive.
func ShortName(name string, maxBytes int) string {
	if len(name) <= maxBytes {
		return name
	}
	runes := []rune(name)
	if len(runes) <= maxBytes {
		return name
	}
	return string(runes[len(runes)-maxBytes:])
}

// SafeName strips path separators and control characters from a
// site-supplied title.
func SafeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// ContentType returns the response content type or fallback.
func ContentType(resp crawler.Response, fallback string) string {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return fallback
}

// BrowserUserAgent is sent when a site config does not set one.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.81 Safari/537.36"
