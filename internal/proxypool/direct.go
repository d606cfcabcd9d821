package proxypool

import "context"

// Direct is a Pool that always hands out the direct-connection handle. It is
// used when no proxy pool service is configured.
type Direct struct{}

// Acquire returns the empty handle.
func (Direct) Acquire(context.Context) (Handle, error) {
	return "", nil
}

// Invalidate is a no-op.
func (Direct) Invalidate(context.Context, Handle) error {
	return nil
}
