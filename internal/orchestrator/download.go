package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/metrics"
	"github.com/JakeFAU/tspider/internal/proxypool"
	"github.com/JakeFAU/tspider/internal/retry"
)

func (o *Orchestrator) download(ctx context.Context, logger *zap.Logger, runID string, items []crawler.Item) {
	var g errgroup.Group
	sem := make(chan struct{}, o.cfg.ItemConcurrency)

	for _, item := range items {
		if !o.acquire(ctx, sem) {
			logger.Info("download stopped", zap.String("next_item", item.ID))
			break
		}
		if o.cfg.SkipDownloaded && o.alreadyDownloaded(ctx, logger, item.ID) {
			<-sem
			o.update(func(s *crawler.Summary) { s.ItemsSkipped++ })
			continue
		}
		o.update(func(s *crawler.Summary) { s.ItemsScheduled++ })
		g.Go(func() error {
			defer func() { <-sem }()
			o.processItem(ctx, logger, runID, item)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) alreadyDownloaded(ctx context.Context, logger *zap.Logger, id string) bool {
	rec, err := o.sink.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, crawler.ErrRecordNotFound) {
			logger.Warn("record lookup failed", zap.String("item_id", id), zap.Error(err))
		}
		return false
	}
	return rec.State() == crawler.StateDownloaded
}

func (o *Orchestrator) processItem(ctx context.Context, logger *zap.Logger, runID string, item crawler.Item) {
	metrics.IncInflight(metrics.PhaseDownload)
	defer metrics.DecInflight(metrics.PhaseDownload)
	logger = logger.With(zap.String("item_id", item.ID))

	if err := o.exec.Warmup(ctx, o.cfg.PreDelayBase, o.cfg.PreDelayJitter); err != nil {
		o.itemFailed(logger, 0, retry.FailureFatal, err)
		return
	}

	// The resolution survives retries of the download step within this job.
	var resolved *crawler.Resolution
	out := retry.Execute(ctx, o.exec, "item", func(ctx context.Context, proxy proxypool.Handle) (crawler.StoredLocation, error) {
		req, err := o.itemRequest(ctx, item, proxy, &resolved)
		if err != nil {
			return crawler.StoredLocation{}, err
		}
		resp, err := o.fetcher.Fetch(ctx, req, proxy.URL())
		if err != nil {
			return crawler.StoredLocation{}, err
		}
		if err := crawler.CheckStatus(resp); err != nil {
			return crawler.StoredLocation{}, err
		}
		loc, err := o.adapter.PersistArtifact(ctx, item, resp)
		if err != nil {
			return crawler.StoredLocation{}, fmt.Errorf("persist artifact: %w", err)
		}
		if err := o.sink.MarkDownloaded(ctx, item.ID, loc); err != nil {
			return crawler.StoredLocation{}, fmt.Errorf("mark downloaded: %w", err)
		}
		return loc, nil
	})

	if !out.OK() {
		o.itemFailed(logger, out.Attempts, out.LastFailure, out.Err)
		return
	}

	metrics.ObserveJob(metrics.PhaseDownload, "succeeded")
	metrics.ObserveRecord(string(crawler.StateDownloaded))
	o.update(func(s *crawler.Summary) { s.ItemsDownloaded++ })
	logger.Info("artifact stored",
		zap.String("uri", out.Value.URI),
		zap.String("filename", out.Value.Filename),
		zap.Int64("size", out.Value.Size),
		zap.Int("attempts", out.Attempts),
	)
	o.publish(ctx, logger, runID, item, out.Value)
}

// itemRequest returns the download request for item, running the resolution
// round-trip first for two-stage adapters.
func (o *Orchestrator) itemRequest(
	ctx context.Context,
	item crawler.Item,
	proxy proxypool.Handle,
	resolved **crawler.Resolution,
) (crawler.Request, error) {
	resolver, twoStage := o.adapter.(crawler.Resolver)
	if !twoStage {
		req, err := o.adapter.BuildItemRequest(item)
		if err != nil {
			return crawler.Request{}, retry.Permanent(fmt.Errorf("build item request: %w", err))
		}
		return req, nil
	}

	if *resolved == nil {
		req, err := resolver.BuildResolveRequest(item)
		if err != nil {
			return crawler.Request{}, retry.Permanent(fmt.Errorf("build resolve request: %w", err))
		}
		resp, err := o.fetcher.Fetch(ctx, req, proxy.URL())
		if err != nil {
			return crawler.Request{}, err
		}
		if err := crawler.CheckStatus(resp); err != nil {
			return crawler.Request{}, err
		}
		res, err := resolver.ParseResolution(item, resp)
		if err != nil {
			return crawler.Request{}, err
		}
		if err := o.sink.MarkResolved(ctx, item.ID, res); err != nil {
			return crawler.Request{}, fmt.Errorf("mark resolved: %w", err)
		}
		metrics.ObserveRecord(string(crawler.StateResolved))
		*resolved = &res
	}

	req, err := resolver.BuildDownloadRequest(item, **resolved)
	if err != nil {
		return crawler.Request{}, retry.Permanent(fmt.Errorf("build download request: %w", err))
	}
	return req, nil
}

func (o *Orchestrator) itemFailed(logger *zap.Logger, attempts int, failure retry.Failure, err error) {
	metrics.ObserveJob(metrics.PhaseDownload, "failed")
	o.update(func(s *crawler.Summary) {
		s.ItemsFailed++
		if failure == retry.FailurePoolUnavailable {
			s.PoolUnavailable++
		}
	})
	logger.Error("item skipped after terminal failure",
		zap.Int("attempts", attempts),
		zap.Stringer("failure", failure),
		zap.Error(err),
	)
}

func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, runID string, item crawler.Item, loc crawler.StoredLocation) {
	if o.publisher == nil || o.cfg.PublishTopic == "" {
		return
	}
	event := crawler.DownloadEvent{
		RunID:        runID,
		Site:         o.cfg.Name,
		ItemID:       item.ID,
		Title:        item.Title,
		URI:          loc.URI,
		ContentHash:  loc.ContentHash,
		Size:         loc.Size,
		DownloadedAt: o.clock.Now(),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.PublishTopic, event); err != nil {
		logger.Warn("publish download event failed", zap.Error(err))
	}
}
