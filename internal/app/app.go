// Package app builds the long-lived services of one crawl run from
// configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/tspider/internal/api"
	"github.com/JakeFAU/tspider/internal/clock/system"
	"github.com/JakeFAU/tspider/internal/config"
	"github.com/JakeFAU/tspider/internal/crawler"
	collyfetcher "github.com/JakeFAU/tspider/internal/fetcher/colly"
	"github.com/JakeFAU/tspider/internal/hash/sha256"
	"github.com/JakeFAU/tspider/internal/id/uuid"
	"github.com/JakeFAU/tspider/internal/metrics"
	"github.com/JakeFAU/tspider/internal/orchestrator"
	"github.com/JakeFAU/tspider/internal/policy/ratelimit"
	"github.com/JakeFAU/tspider/internal/proxypool"
	pubsubpublisher "github.com/JakeFAU/tspider/internal/publisher/pubsub"
	"github.com/JakeFAU/tspider/internal/sites"
	"github.com/JakeFAU/tspider/internal/sites/artifact"
	"github.com/JakeFAU/tspider/internal/storage/elastic"
	"github.com/JakeFAU/tspider/internal/storage/gcs"
	"github.com/JakeFAU/tspider/internal/storage/local"
	"github.com/JakeFAU/tspider/internal/storage/memory"
	"github.com/JakeFAU/tspider/internal/storage/postgres"
	"github.com/JakeFAU/tspider/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// App holds the services of one crawl run. It is built once at startup and
// closed when the command finishes.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	sink         crawler.Sink
	blobs        crawler.BlobStore
	orchestrator *orchestrator.Orchestrator
	server       *http.Server

	closers []func() error
}

// New builds every service named by cfg. Partially built services are
// released when a later step fails.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clock := system.New()
	ids := uuid.New()

	if a.sink, err = newSink(ctx, cfg, clock, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.sink.Close)

	if a.blobs, err = a.newBlobStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	writer := artifact.NewWriter(a.blobs, sha256.New(), path.Join(cfg.Storage.Prefix, cfg.App.Site))
	adapter, err := sites.New(cfg.App.Site, cfg.SiteSettings(cfg.App.Site), sites.Deps{Writer: writer, IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("build site adapter: %w", err)
	}

	pool, err := newPool(cfg, logger)
	if err != nil {
		return nil, err
	}
	fetcher := collyfetcher.New(cfg.Fetcher(), ratelimit.New(cfg.RateLimit()))

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithClock(clock),
		orchestrator.WithIDGenerator(ids),
	}
	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		publisher := pubsubpublisher.New(client)
		a.closers = append(a.closers, publisher.Close)
		opts = append(opts, orchestrator.WithPublisher(publisher))
		logger.Info("publishing download events", zap.String("topic", cfg.PubSub.Topic))
	}

	a.orchestrator = orchestrator.New(adapter, a.sink, fetcher, pool, cfg.Orchestrator(), opts...)

	if cfg.Server.Enabled {
		srv := api.NewServer(a.orchestrator, a.sink, api.Config{
			APIKey:         cfg.Server.APIKey,
			RequestTimeout: cfg.Server.RequestTimeout,
		}, logger)
		a.server = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info("application services initialized",
		zap.String("site", cfg.App.Site),
		zap.String("sink", cfg.Sink.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("proxy", cfg.Proxy.Enabled),
	)
	return a, nil
}

func newSink(ctx context.Context, cfg *config.Config, clock crawler.Clock, logger *zap.Logger) (crawler.Sink, error) {
	switch cfg.Sink.Backend {
	case config.SinkMemory:
		logger.Info("using in-memory record sink; records are lost on exit")
		return memory.NewRecordStore(), nil
	case config.SinkPostgres:
		s, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:      cfg.Sink.DSN,
			Table:    cfg.Sink.Table,
			MaxConns: cfg.Sink.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres sink: %w", err)
		}
		return s, nil
	case config.SinkSQLite:
		s, err := sqlite.New(cfg.Sink.SQLitePath, clock)
		if err != nil {
			return nil, fmt.Errorf("init sqlite sink: %w", err)
		}
		return s, nil
	case config.SinkElastic:
		refresh := ""
		if cfg.Sink.ElasticRefresh {
			refresh = "true"
		}
		s, err := elastic.New(ctx, elastic.Config{
			Addresses: cfg.Sink.ElasticAddresses,
			Username:  cfg.Sink.ElasticUsername,
			Password:  cfg.Sink.ElasticPassword,
			Index:     cfg.Sink.ElasticIndex,
			Refresh:   refresh,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("init elastic sink: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink backend: %s", cfg.Sink.Backend)
	}
}

func (a *App) newBlobStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (crawler.BlobStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		logger.Info("using in-memory blob store; artifacts are discarded on exit")
		return memory.NewBlobStore(), nil
	case config.StorageLocal:
		s, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		logger.Info("writing artifacts to disk", zap.String("dir", s.BaseDir()))
		return s, nil
	case config.StorageGCS:
		s, err := gcs.New(ctx, gcs.Config{
			Bucket:       cfg.Storage.GCSBucket,
			ChunkSize:    cfg.Storage.GCSChunkSize,
			VerifyBucket: true,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		logger.Info("writing artifacts to GCS", zap.String("bucket", cfg.Storage.GCSBucket))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func newPool(cfg *config.Config, logger *zap.Logger) (proxypool.Pool, error) {
	if !cfg.Proxy.Enabled {
		return proxypool.Direct{}, nil
	}
	client, err := proxypool.New(cfg.ProxyPool(), logger.Named("proxypool"))
	if err != nil {
		return nil, fmt.Errorf("init proxy pool: %w", err)
	}
	return client, nil
}

// Sink returns the record sink of the run.
func (a *App) Sink() crawler.Sink {
	return a.sink
}

// Orchestrator returns the run orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Stop raises the orchestrator's cancellation fence.
func (a *App) Stop() {
	if a.orchestrator != nil {
		a.orchestrator.Stop()
	}
}

// Run starts the status API when enabled, runs the crawl to completion and
// shuts the API down again.
func (a *App) Run(ctx context.Context) (crawler.Summary, error) {
	if a.server != nil {
		go func() {
			a.logger.Info("http server started", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}
	summary, err := a.orchestrator.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("run crawl: %w", err)
	}
	return summary, nil
}

// Close releases every service in reverse order of construction.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
