package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tspider/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.App.Mode)
	assert.True(t, cfg.App.SkipDownloaded)
	assert.Equal(t, 1, cfg.Crawl.StartPage)
	assert.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 3, cfg.HTTP.MaxAttempts)
	assert.Equal(t, SinkSQLite, cfg.Sink.Backend)
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Proxy.Enabled)

	// Only the site is missing.
	err = cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "app.site is required", err.Error())
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
app:
  site: cninfo
  mode: discover
  skip_downloaded: false
crawl:
  start_page: 2
  total_pages: 9
  list_concurrency: 3
  item_concurrency: 6
http:
  timeout: 20s
  max_attempts: 5
  base_delay: 250ms
  jitter: 2s
  pre_delay_base: 100ms
  pre_delay_jitter: 1s
  user_agent: test-agent
  rate_per_host: 2.5
  rate_burst: 4
  host_rates:
    - host: www.cninfo.com.cn
      rps: 1
proxy:
  enabled: true
  address: pool.internal:26888
  acquire_attempts: 7
  acquire_backoff: 3s
sink:
  backend: postgres
  dsn: postgres://localhost/tspider
storage:
  backend: gcs
  gcs_bucket: filings
  gcs_chunk_size: 262144
pubsub:
  enabled: true
  project_id: demo
  topic: downloads
sites:
  cninfo:
    category: category_ndbg_szsh
    page_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	oc := cfg.Orchestrator()
	assert.Equal(t, "cninfo", oc.Name)
	assert.Equal(t, crawler.ModeDiscover, oc.Mode)
	assert.Equal(t, 2, oc.StartPage)
	assert.Equal(t, 9, oc.TotalPages)
	assert.Equal(t, 3, oc.ListConcurrency)
	assert.Equal(t, 6, oc.ItemConcurrency)
	assert.False(t, oc.SkipDownloaded)
	assert.Equal(t, 100*time.Millisecond, oc.PreDelayBase)
	assert.Equal(t, time.Second, oc.PreDelayJitter)
	assert.Equal(t, "downloads", oc.PublishTopic)
	assert.Equal(t, 5, oc.Policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, oc.Policy.BaseDelay)
	assert.Equal(t, 2*time.Second, oc.Policy.Jitter)
	assert.Equal(t, 7, oc.Policy.AcquireAttempts)
	assert.Equal(t, 3*time.Second, oc.Policy.AcquireBackoff)
	require.NoError(t, oc.Validate())

	fc := cfg.Fetcher()
	assert.Equal(t, "test-agent", fc.UserAgent)
	assert.Equal(t, 20*time.Second, fc.Timeout)

	rl := cfg.RateLimit()
	assert.InDelta(t, 2.5, rl.DefaultRPS, 1e-9)
	assert.Equal(t, 4, rl.DefaultBurst)
	assert.Equal(t, map[string]float64{"www.cninfo.com.cn": 1}, rl.Hosts)

	assert.Equal(t, "filings", cfg.Storage.GCSBucket)
	assert.Equal(t, 262144, cfg.Storage.GCSChunkSize)

	pc := cfg.ProxyPool()
	assert.Equal(t, "pool.internal:26888", pc.Address)
	assert.Equal(t, 5*time.Second, pc.Timeout)

	settings := cfg.SiteSettings("CNINFO")
	require.NotNil(t, settings)
	assert.Equal(t, "category_ndbg_szsh", settings["category"])
	assert.Nil(t, cfg.SiteSettings("hebeieb"))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TSPIDER_APP_SITE", "hebeieb")
	t.Setenv("TSPIDER_APP_MODE", "download")
	t.Setenv("TSPIDER_CRAWL_PENDING_LIMIT", "25")
	t.Setenv("TSPIDER_SINK_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "hebeieb", cfg.App.Site)
	assert.Equal(t, crawler.ModeDownload, cfg.Orchestrator().Mode)
	assert.Equal(t, 25, cfg.Orchestrator().PendingLimit)
	assert.Empty(t, cfg.Orchestrator().PublishTopic)
	assert.Equal(t, SinkMemory, cfg.Sink.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		App:     AppConfig{Site: "cninfo", Mode: "full"},
		Crawl:   CrawlConfig{ListConcurrency: 1, ItemConcurrency: 1},
		HTTP:    HTTPConfig{Timeout: time.Second, MaxAttempts: 1},
		Sink:    SinkConfig{Backend: SinkMemory},
		Storage: StorageConfig{Backend: StorageMemory},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "unknown mode", mutate: func(c *Config) { c.App.Mode = "mirror" }, want: "app.mode"},
		{name: "list concurrency", mutate: func(c *Config) { c.Crawl.ListConcurrency = 0 }, want: "crawl.list_concurrency"},
		{name: "item concurrency", mutate: func(c *Config) { c.Crawl.ItemConcurrency = 0 }, want: "crawl.item_concurrency"},
		{name: "timeout", mutate: func(c *Config) { c.HTTP.Timeout = 0 }, want: "http.timeout"},
		{name: "attempts", mutate: func(c *Config) { c.HTTP.MaxAttempts = 0 }, want: "http.max_attempts"},
		{name: "proxy address", mutate: func(c *Config) { c.Proxy.Enabled = true }, want: "proxy.address"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Sink.Backend = SinkPostgres }, want: "sink.dsn"},
		{name: "sqlite path", mutate: func(c *Config) { c.Sink.Backend = SinkSQLite }, want: "sink.sqlite_path"},
		{name: "elastic addresses", mutate: func(c *Config) { c.Sink.Backend = SinkElastic }, want: "sink.elastic_addresses"},
		{name: "unknown sink", mutate: func(c *Config) { c.Sink.Backend = "redis" }, want: "sink.backend"},
		{name: "local base dir", mutate: func(c *Config) { c.Storage.Backend = StorageLocal }, want: "storage.base_dir"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = StorageGCS }, want: "storage.gcs_bucket"},
		{name: "gcs chunk size", mutate: func(c *Config) {
			c.Storage = StorageConfig{Backend: StorageGCS, GCSBucket: "b", GCSChunkSize: -1}
		}, want: "storage.gcs_chunk_size"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "pubsub project", mutate: func(c *Config) { c.PubSub.Enabled = true }, want: "pubsub.project_id"},
		{name: "server port", mutate: func(c *Config) { c.Server.Enabled = true }, want: "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
