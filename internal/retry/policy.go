package retry

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Policy bounds the attempts and delays of one Execute call.
type Policy struct {
	// MaxAttempts is the attempt budget per operation (default 3).
	MaxAttempts int
	// BaseDelay is slept before retrying a transient fault.
	BaseDelay time.Duration
	// Jitter is the exclusive upper bound of the uniform jitter added to
	// BaseDelay (default 1s).
	Jitter time.Duration
	// AcquireAttempts bounds caller-level proxy acquisition rounds (default 5).
	AcquireAttempts int
	// AcquireBackoff scales the uniform sleep between acquisition rounds
	// (default 5s).
	AcquireBackoff time.Duration
}

// DefaultPolicy mirrors the defaults used by the CLI.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		Jitter:          time.Second,
		AcquireAttempts: 5,
		AcquireBackoff:  5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.AcquireAttempts <= 0 {
		p.AcquireAttempts = 5
	}
	if p.AcquireBackoff < 0 {
		p.AcquireBackoff = 0
	}
	return p
}

// randomJitter returns a uniform duration in [0, limit).
func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// sleepContext blocks for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
