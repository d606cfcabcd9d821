package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPayloadCorrupt marks a truncated or malformed response body.
	ErrPayloadCorrupt = errors.New("payload corrupt")
	// ErrProxy marks a failure attributable to the proxy rather than the origin.
	ErrProxy = errors.New("proxy failure")
	// ErrRecordNotFound is returned by Sink.Get for unknown IDs.
	ErrRecordNotFound = errors.New("crawl record not found")
)

// StatusError reports a non-2xx response from the upstream site.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// CheckStatus returns a *StatusError for non-2xx responses.
func CheckStatus(resp Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	return &StatusError{URL: resp.URL, Code: resp.StatusCode}
}

// Corrupt wraps err (or msg) so it classifies as payload corruption.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPayloadCorrupt, fmt.Sprintf(format, args...))
}
