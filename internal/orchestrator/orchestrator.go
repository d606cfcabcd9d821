// Package orchestrator drives the two-phase crawl pipeline: listing pages are
// fetched and parsed into items (discovery), then every item is resolved and
// downloaded (download). Both phases run bounded worker fan-out through the
// retry executor and record progress in a crawler.Sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/tspider/internal/clock/system"
	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/id/uuid"
	"github.com/JakeFAU/tspider/internal/proxypool"
	"github.com/JakeFAU/tspider/internal/retry"
)

// ErrRunning is returned when Run is called while a run is in progress.
var ErrRunning = errors.New("orchestrator already running")

// Orchestrator runs one site adapter against one sink.
type Orchestrator struct {
	adapter   crawler.SiteAdapter
	sink      crawler.Sink
	fetcher   crawler.Fetcher
	exec      *retry.Executor
	publisher crawler.Publisher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	cfg       Config
	logger    *zap.Logger

	execOpts []retry.Option
	pool     proxypool.Pool

	stopped atomic.Bool
	running atomic.Bool

	mu      sync.Mutex
	summary crawler.Summary
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPublisher publishes a DownloadEvent for every stored artifact.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithExecutorOptions passes options through to the retry executor.
func WithExecutorOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.execOpts = append(o.execOpts, opts...) }
}

// New wires an Orchestrator. A nil pool means direct connections.
func New(
	adapter crawler.SiteAdapter,
	sink crawler.Sink,
	fetcher crawler.Fetcher,
	pool proxypool.Pool,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		adapter: adapter,
		sink:    sink,
		fetcher: fetcher,
		pool:    pool,
		cfg:     cfg,
		clock:   system.New(),
		ids:     uuid.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator").With(zap.String("site", cfg.Name))
	o.exec = retry.New(pool, cfg.Policy, o.logger.Named("retry"), o.execOpts...)
	return o
}

// Stop raises the cancellation fence. Jobs already submitted run to
// completion; no new phase or job is started afterwards.
func (o *Orchestrator) Stop() {
	if o.stopped.CompareAndSwap(false, true) {
		o.logger.Info("stop requested")
	}
}

// Stopped reports whether Stop has been called.
func (o *Orchestrator) Stopped() bool {
	return o.stopped.Load()
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Snapshot returns a copy of the current run counters.
func (o *Orchestrator) Snapshot() crawler.Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}

func (o *Orchestrator) update(fn func(s *crawler.Summary)) {
	o.mu.Lock()
	fn(&o.summary)
	o.mu.Unlock()
}

// fenced reports whether new work must not be submitted.
func (o *Orchestrator) fenced(ctx context.Context) bool {
	return o.stopped.Load() || ctx.Err() != nil
}

// acquire blocks until one of sem's slots is free and reports whether a job
// may take it. The fence is checked after the slot is held, so a Stop raised
// while waiting submits nothing.
func (o *Orchestrator) acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	if o.fenced(ctx) {
		<-sem
		return false
	}
	return true
}

// Run executes the phases selected by the configured mode and returns the
// run summary. Per-job failures are logged and counted; an error is returned
// only when the run cannot start.
func (o *Orchestrator) Run(ctx context.Context) (crawler.Summary, error) {
	if err := o.cfg.Validate(); err != nil {
		return crawler.Summary{}, fmt.Errorf("invalid config: %w", err)
	}
	if o.adapter == nil || o.sink == nil || o.fetcher == nil {
		return crawler.Summary{}, errors.New("adapter, sink and fetcher are required")
	}
	if !o.running.CompareAndSwap(false, true) {
		return crawler.Summary{}, ErrRunning
	}
	defer o.running.Store(false)

	runID, err := o.ids.NewID()
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("run id: %w", err)
	}
	o.mu.Lock()
	o.summary = crawler.Summary{
		RunID:     runID,
		Site:      o.cfg.Name,
		Mode:      o.cfg.Mode,
		StartedAt: o.clock.Now(),
	}
	o.mu.Unlock()

	logger := o.logger.With(zap.String("run_id", runID), zap.String("mode", string(o.cfg.Mode)))
	logger.Info("crawl started",
		zap.Int("start_page", o.cfg.StartPage),
		zap.Int("total_pages", o.cfg.TotalPages),
		zap.Int("pages", o.cfg.pages()),
		zap.Int("list_concurrency", o.cfg.ListConcurrency),
		zap.Int("item_concurrency", o.cfg.ItemConcurrency),
	)

	runErr := o.run(ctx, logger, runID)

	o.update(func(s *crawler.Summary) {
		s.Stopped = o.fenced(ctx)
		s.FinishedAt = o.clock.Now()
	})
	summary := o.Snapshot()
	logger.Info("crawl finished",
		zap.Int("pages_succeeded", summary.PagesSucceeded),
		zap.Int("pages_failed", summary.PagesFailed),
		zap.Int("records_created", summary.RecordsCreated),
		zap.Int("items_downloaded", summary.ItemsDownloaded),
		zap.Int("items_failed", summary.ItemsFailed),
		zap.Int("items_skipped", summary.ItemsSkipped),
		zap.Bool("stopped", summary.Stopped),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, runErr
}

func (o *Orchestrator) run(ctx context.Context, logger *zap.Logger, runID string) error {
	var items []crawler.Item
	switch o.cfg.Mode {
	case crawler.ModeDownload:
		pending, err := o.sink.Pending(ctx, o.cfg.Name, o.cfg.PendingLimit)
		if err != nil {
			return fmt.Errorf("load pending items: %w", err)
		}
		logger.Info("loaded pending items", zap.Int("count", len(pending)))
		items = pending
	default:
		if o.fenced(ctx) {
			logger.Info("stopped before discovery")
			return nil
		}
		discovered := o.discover(ctx, logger)
		items = o.register(ctx, logger, discovered)
	}

	if o.cfg.Mode == crawler.ModeDiscover {
		return nil
	}
	if o.fenced(ctx) {
		logger.Info("stopped before download")
		return nil
	}
	o.download(ctx, logger, runID, items)
	return nil
}
