package retry

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/proxypool"
)

// Failure is the classified cause of a failed attempt.
type Failure int

// Failure classes.
const (
	FailureNone Failure = iota
	FailureProxy
	FailureTransient
	FailurePayload
	FailureUpstream
	FailurePoolUnavailable
	FailureFatal
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "success"
	case FailureProxy:
		return "proxy_failure"
	case FailureTransient:
		return "transient_network_fault"
	case FailurePayload:
		return "payload_corruption"
	case FailureUpstream:
		return "upstream_soft_failure"
	case FailurePoolUnavailable:
		return "pool_unavailable"
	case FailureFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify maps an attempt error onto the failure taxonomy. Unknown errors
// are treated as transient network faults.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}
	var perm *permanentError
	if errors.As(err, &perm) || errors.Is(err, context.Canceled) {
		return FailureFatal
	}
	if errors.Is(err, proxypool.ErrPoolUnavailable) {
		return FailurePoolUnavailable
	}
	if isProxyError(err) {
		return FailureProxy
	}
	if errors.Is(err, crawler.ErrPayloadCorrupt) {
		return FailurePayload
	}
	var statusErr *crawler.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusProxyAuthRequired {
			return FailureProxy
		}
		return FailureUpstream
	}
	return FailureTransient
}

func isProxyError(err error) bool {
	if errors.Is(err, crawler.ErrProxy) {
		return true
	}
	// net/http reports proxy dial failures as an OpError with Op "proxyconnect".
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "proxyconnect"
}
