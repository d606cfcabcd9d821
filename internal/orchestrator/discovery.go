package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/metrics"
	"github.com/JakeFAU/tspider/internal/proxypool"
	"github.com/JakeFAU/tspider/internal/retry"
)

// discover fetches every listing page under the list concurrency limit and
// returns the items in completion order. Pages whose retries are exhausted
// contribute nothing.
func (o *Orchestrator) discover(ctx context.Context, logger *zap.Logger) []crawler.Item {
	var (
		mu    sync.Mutex
		items = make([]crawler.Item, 0, o.cfg.pages())
	)
	var g errgroup.Group
	sem := make(chan struct{}, o.cfg.ListConcurrency)

	for page := o.cfg.StartPage; page <= o.cfg.TotalPages; page++ {
		if !o.acquire(ctx, sem) {
			logger.Info("discovery stopped", zap.Int("next_page", page))
			break
		}
		o.update(func(s *crawler.Summary) { s.PagesRequested++ })
		g.Go(func() error {
			defer func() { <-sem }()
			found := o.listPage(ctx, logger, page)
			mu.Lock()
			items = append(items, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func (o *Orchestrator) listPage(ctx context.Context, logger *zap.Logger, page int) []crawler.Item {
	metrics.IncInflight(metrics.PhaseDiscovery)
	defer metrics.DecInflight(metrics.PhaseDiscovery)

	req, err := o.adapter.BuildListRequest(page)
	if err != nil {
		o.pageFailed(logger, page, 0, retry.FailureFatal, fmt.Errorf("build list request: %w", err))
		return nil
	}
	lp := crawler.ListPageRequest{Page: page, Request: req}

	out := retry.Execute(ctx, o.exec, "list", func(ctx context.Context, proxy proxypool.Handle) ([]crawler.Item, error) {
		resp, err := o.fetcher.Fetch(ctx, lp.Request, proxy.URL())
		if err != nil {
			return nil, err
		}
		if err := crawler.CheckStatus(resp); err != nil {
			return nil, err
		}
		return o.adapter.ParseListPage(lp.Page, resp)
	})

	if !out.OK() {
		o.pageFailed(logger.With(zap.String("url", lp.Request.URL)), page, out.Attempts, out.LastFailure, out.Err)
		return nil
	}

	metrics.ObserveJob(metrics.PhaseDiscovery, "succeeded")
	o.update(func(s *crawler.Summary) {
		s.PagesSucceeded++
		s.ItemsDiscovered += len(out.Value)
	})
	logger.Debug("list page parsed", zap.Int("page", page), zap.Int("items", len(out.Value)))
	return out.Value
}

func (o *Orchestrator) pageFailed(logger *zap.Logger, page, attempts int, failure retry.Failure, err error) {
	metrics.ObserveJob(metrics.PhaseDiscovery, "failed")
	o.update(func(s *crawler.Summary) {
		s.PagesFailed++
		if failure == retry.FailurePoolUnavailable {
			s.PoolUnavailable++
		}
	})
	logger.Warn("list page failed",
		zap.Int("page", page),
		zap.Int("attempts", attempts),
		zap.Stringer("failure", failure),
		zap.Error(err),
	)
}

// register upserts every discovered item and returns the distinct items
// eligible for download. Duplicates are absorbed by the sink; an item whose
// upsert failed is left out so no download is attempted without a record.
func (o *Orchestrator) register(ctx context.Context, logger *zap.Logger, items []crawler.Item) []crawler.Item {
	seen := make(map[string]struct{}, len(items))
	eligible := make([]crawler.Item, 0, len(items))
	for _, item := range items {
		created, err := o.sink.UpsertDiscovered(ctx, o.cfg.Name, item)
		if err != nil {
			o.update(func(s *crawler.Summary) { s.UpsertErrors++ })
			logger.Error("upsert discovered record failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if created {
			metrics.ObserveRecord(string(crawler.StateDiscovered))
			o.update(func(s *crawler.Summary) { s.RecordsCreated++ })
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		eligible = append(eligible, item)
	}
	logger.Info("discovery complete", zap.Int("items", len(items)), zap.Int("distinct", len(eligible)))
	return eligible
}
