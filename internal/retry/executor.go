package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/tspider/internal/metrics"
	"github.com/JakeFAU/tspider/internal/proxypool"
)

var tracer = otel.Tracer("github.com/JakeFAU/tspider/internal/retry")

// Kind tags the result of an Execute call.
type Kind int

// Outcome kinds.
const (
	KindSuccess Kind = iota
	KindRetryable
	KindProxyFailure
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindProxyFailure:
		return "proxy_failure"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one Execute call.
type Outcome[T any] struct {
	Kind     Kind
	Value    T
	Attempts int
	// Err is the error of the last failed attempt (nil on success).
	Err error
	// LastFailure is the classification of Err.
	LastFailure Failure
}

// OK reports whether the operation succeeded.
func (o Outcome[T]) OK() bool {
	return o.Kind == KindSuccess
}

// Operation is one logical network operation attempted through proxy.
type Operation[T any] func(ctx context.Context, proxy proxypool.Handle) (T, error)

// Executor runs Operations under a Policy, rotating proxies from pool.
// It is safe for concurrent use.
type Executor struct {
	pool   proxypool.Pool
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the context-aware sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithJitter replaces the uniform jitter source (tests).
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// New builds an Executor. A nil pool means direct connections.
func New(pool proxypool.Pool, policy Policy, logger *zap.Logger, opts ...Option) *Executor {
	if pool == nil {
		pool = proxypool.Direct{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		pool:   pool,
		policy: policy.withDefaults(),
		logger: logger,
		sleep:  sleepContext,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Warmup sleeps base plus a uniform share of spread. It desynchronizes bursts
// of jobs scheduled against the same host.
func (e *Executor) Warmup(ctx context.Context, base, spread time.Duration) error {
	d := base + e.jitter(spread)
	if d <= 0 {
		return nil
	}
	if err := e.sleep(ctx, d); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	return nil
}

// Execute runs op until it succeeds, fails fatally, or the attempt budget is
// spent. It never panics on op errors and never returns an error; the
// terminal state is carried by the Outcome.
func Execute[T any](ctx context.Context, e *Executor, label string, op Operation[T]) Outcome[T] {
	logger := e.logger.With(zap.String("op", label))
	var out Outcome[T]

	ctx, span := tracer.Start(ctx, label)
	defer func() {
		span.SetAttributes(
			attribute.Int("retry.attempts", out.Attempts),
			attribute.String("retry.outcome", out.Kind.String()),
			attribute.String("retry.last_failure", out.LastFailure.String()),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Kind.String())
		}
		span.End()
	}()

	handle, err := e.acquire(ctx, logger)
	if err != nil {
		out.Err = err
		out.LastFailure = Classify(err)
		if ctx.Err() != nil {
			out.LastFailure = FailureFatal
		}
		out.Kind = kindFor(out.LastFailure)
		logger.Warn("no proxy available; giving up", zap.Error(err))
		return out
	}

	maxAttempts := e.policy.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		value, opErr := op(ctx, handle)
		if opErr == nil {
			metrics.ObserveAttempt(FailureNone.String())
			out.Kind = KindSuccess
			out.Value = value
			out.Err = nil
			out.LastFailure = FailureNone
			return out
		}

		failure := Classify(opErr)
		if ctx.Err() != nil {
			failure = FailureFatal
		}
		metrics.ObserveAttempt(failure.String())
		out.Err = opErr
		out.LastFailure = failure
		out.Kind = kindFor(failure)

		fields := []zap.Field{
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Stringer("proxy", handle),
			zap.Stringer("failure", failure),
			zap.Error(opErr),
		}

		switch failure {
		case FailureFatal:
			logger.Warn("attempt failed fatally", fields...)
			return out
		case FailureProxy:
			logger.Warn("proxy invalid; rotating", fields...)
			e.invalidate(ctx, logger, handle)
			if attempt == maxAttempts {
				continue
			}
			next, acqErr := e.acquire(ctx, logger)
			if acqErr != nil {
				out.Err = acqErr
				out.LastFailure = Classify(acqErr)
				if ctx.Err() != nil {
					out.LastFailure = FailureFatal
				}
				out.Kind = kindFor(out.LastFailure)
				logger.Warn("no replacement proxy; giving up", zap.Error(acqErr))
				return out
			}
			handle = next
			continue
		case FailurePayload:
			logger.Error("corrupt payload; possible block", fields...)
		default:
			logger.Warn("attempt failed", fields...)
		}

		if attempt == maxAttempts {
			continue
		}
		if sleepErr := e.backoff(ctx); sleepErr != nil {
			out.Err = fmt.Errorf("backoff interrupted: %w", sleepErr)
			out.LastFailure = FailureFatal
			out.Kind = KindFatal
			return out
		}
	}

	level := zapcore.WarnLevel
	if out.LastFailure == FailurePayload {
		level = zapcore.ErrorLevel
	}
	if ce := logger.Check(level, "attempts exhausted"); ce != nil {
		ce.Write(zap.Int("attempts", out.Attempts), zap.Stringer("failure", out.LastFailure), zap.Error(out.Err))
	}
	return out
}

func (e *Executor) backoff(ctx context.Context) error {
	d := e.policy.BaseDelay + e.jitter(e.policy.Jitter)
	metrics.ObserveBackoff(d)
	return e.sleep(ctx, d)
}

// acquire retries pool acquisition with uniform backoff; a single pool
// failure is never treated as fatal.
func (e *Executor) acquire(ctx context.Context, logger *zap.Logger) (proxypool.Handle, error) {
	rounds := e.policy.AcquireAttempts
	var lastErr error
	for round := 1; round <= rounds; round++ {
		h, err := e.pool.Acquire(ctx)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("acquire proxy: %w", ctx.Err())
		}
		lastErr = err
		metrics.ObservePoolUnavailable()
		logger.Warn("proxy acquisition failed", zap.Int("round", round), zap.Error(err))
		if round == rounds {
			break
		}
		if err := e.sleep(ctx, e.jitter(e.policy.AcquireBackoff)); err != nil {
			return "", fmt.Errorf("acquire proxy: %w", err)
		}
	}
	if !errors.Is(lastErr, proxypool.ErrPoolUnavailable) {
		lastErr = fmt.Errorf("%w: %v", proxypool.ErrPoolUnavailable, lastErr)
	}
	return "", fmt.Errorf("acquire proxy after %d rounds: %w", rounds, lastErr)
}

func (e *Executor) invalidate(ctx context.Context, logger *zap.Logger, h proxypool.Handle) {
	metrics.ObserveProxyInvalidation()
	if err := e.pool.Invalidate(ctx, h); err != nil {
		logger.Warn("proxy invalidation failed", zap.Stringer("proxy", h), zap.Error(err))
	}
}

func kindFor(f Failure) Kind {
	switch f {
	case FailureNone:
		return KindSuccess
	case FailureProxy:
		return KindProxyFailure
	case FailureFatal:
		return KindFatal
	default:
		return KindRetryable
	}
}
