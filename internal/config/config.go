// Package config loads tspider configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/tspider/internal/crawler"
	collyfetcher "github.com/JakeFAU/tspider/internal/fetcher/colly"
	"github.com/JakeFAU/tspider/internal/orchestrator"
	"github.com/JakeFAU/tspider/internal/policy/ratelimit"
	"github.com/JakeFAU/tspider/internal/proxypool"
	"github.com/JakeFAU/tspider/internal/retry"
)

// Sink backends.
const (
	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
	SinkElastic  = "elastic"
)

// Storage backends.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Config is the root configuration.
type Config struct {
	App     AppConfig                 `mapstructure:"app"`
	Crawl   CrawlConfig               `mapstructure:"crawl"`
	HTTP    HTTPConfig                `mapstructure:"http"`
	Proxy   ProxyConfig               `mapstructure:"proxy"`
	Sink    SinkConfig                `mapstructure:"sink"`
	Storage StorageConfig             `mapstructure:"storage"`
	PubSub  PubSubConfig              `mapstructure:"pubsub"`
	Server  ServerConfig              `mapstructure:"server"`
	Logging LoggingConfig             `mapstructure:"logging"`
	Sites   map[string]map[string]any `mapstructure:"sites"`
}

// AppConfig selects the site and run mode.
type AppConfig struct {
	Site           string `mapstructure:"site"`
	Mode           string `mapstructure:"mode"`
	SkipDownloaded bool   `mapstructure:"skip_downloaded"`
}

// CrawlConfig bounds the two crawl phases.
type CrawlConfig struct {
	StartPage       int `mapstructure:"start_page"`
	TotalPages      int `mapstructure:"total_pages"`
	ListConcurrency int `mapstructure:"list_concurrency"`
	ItemConcurrency int `mapstructure:"item_concurrency"`
	PendingLimit    int `mapstructure:"pending_limit"`
}

// HostRate overrides the request rate for one host.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HTTPConfig tunes outbound requests and the retry policy.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Jitter         time.Duration `mapstructure:"jitter"`
	PreDelayBase   time.Duration `mapstructure:"pre_delay_base"`
	PreDelayJitter time.Duration `mapstructure:"pre_delay_jitter"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	RatePerHost    float64       `mapstructure:"rate_per_host"`
	RateBurst      int           `mapstructure:"rate_burst"`
	HostRates      []HostRate    `mapstructure:"host_rates"`
}

// ProxyConfig points at the proxy pool service.
type ProxyConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address"`
	Timeout         time.Duration `mapstructure:"timeout"`
	AcquireAttempts int           `mapstructure:"acquire_attempts"`
	AcquireBackoff  time.Duration `mapstructure:"acquire_backoff"`
}

// SinkConfig selects where crawl records are kept.
type SinkConfig struct {
	Backend          string   `mapstructure:"backend"`
	DSN              string   `mapstructure:"dsn"`
	Table            string   `mapstructure:"table"`
	MaxConns         int32    `mapstructure:"max_conns"`
	SQLitePath       string   `mapstructure:"sqlite_path"`
	ElasticAddresses []string `mapstructure:"elastic_addresses"`
	ElasticIndex     string   `mapstructure:"elastic_index"`
	ElasticUsername  string   `mapstructure:"elastic_username"`
	ElasticPassword  string   `mapstructure:"elastic_password"`
	ElasticRefresh   bool     `mapstructure:"elastic_refresh"`
}

// StorageConfig selects where artifacts are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	// GCSChunkSize is the resumable upload chunk in bytes; 0 keeps the client default.
	GCSChunkSize int    `mapstructure:"gcs_chunk_size"`
	Prefix       string `mapstructure:"prefix"`
}

// PubSubConfig enables download notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load reads configuration from the optional file path and TSPIDER_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TSPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := orchestrator.DefaultConfig()
	policy := retry.DefaultPolicy()

	v.SetDefault("app.mode", string(crawler.ModeFull))
	v.SetDefault("app.skip_downloaded", def.SkipDownloaded)

	v.SetDefault("crawl.start_page", def.StartPage)
	v.SetDefault("crawl.total_pages", def.TotalPages)
	v.SetDefault("crawl.list_concurrency", def.ListConcurrency)
	v.SetDefault("crawl.item_concurrency", def.ItemConcurrency)
	v.SetDefault("crawl.pending_limit", 0)

	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.max_attempts", policy.MaxAttempts)
	v.SetDefault("http.base_delay", policy.BaseDelay)
	v.SetDefault("http.jitter", policy.Jitter)
	v.SetDefault("http.pre_delay_base", def.PreDelayBase)
	v.SetDefault("http.pre_delay_jitter", def.PreDelayJitter)
	v.SetDefault("http.user_agent", "tspider/1.0")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("http.rate_per_host", 0)
	v.SetDefault("http.rate_burst", 1)

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.address", "localhost:26888")
	v.SetDefault("proxy.timeout", 5*time.Second)
	v.SetDefault("proxy.acquire_attempts", policy.AcquireAttempts)
	v.SetDefault("proxy.acquire_backoff", policy.AcquireBackoff)

	v.SetDefault("sink.backend", SinkSQLite)
	v.SetDefault("sink.table", "crawl_records")
	v.SetDefault("sink.max_conns", 8)
	v.SetDefault("sink.sqlite_path", "./output/tspider.db")
	v.SetDefault("sink.elastic_addresses", []string{"http://localhost:9200"})
	v.SetDefault("sink.elastic_index", "crawl_records")

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.base_dir", "./output")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "tspider-downloads")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate ensures configuration values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Site == "" {
		errs = append(errs, errors.New("app.site is required"))
	}
	if !crawler.Mode(c.App.Mode).Valid() {
		errs = append(errs, fmt.Errorf("app.mode %q must be full, discover or download", c.App.Mode))
	}
	if c.Crawl.ListConcurrency <= 0 {
		errs = append(errs, errors.New("crawl.list_concurrency must be > 0"))
	}
	if c.Crawl.ItemConcurrency <= 0 {
		errs = append(errs, errors.New("crawl.item_concurrency must be > 0"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	if c.HTTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("http.max_attempts must be > 0"))
	}
	if c.Proxy.Enabled && c.Proxy.Address == "" {
		errs = append(errs, errors.New("proxy.address is required when proxy is enabled"))
	}

	switch c.Sink.Backend {
	case SinkMemory:
	case SinkPostgres:
		if c.Sink.DSN == "" {
			errs = append(errs, errors.New("sink.dsn is required for postgres"))
		}
	case SinkSQLite:
		if c.Sink.SQLitePath == "" {
			errs = append(errs, errors.New("sink.sqlite_path is required for sqlite"))
		}
	case SinkElastic:
		if len(c.Sink.ElasticAddresses) == 0 {
			errs = append(errs, errors.New("sink.elastic_addresses is required for elastic"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.backend %q is not supported", c.Sink.Backend))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			errs = append(errs, errors.New("storage.base_dir is required for local storage"))
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for gcs"))
		}
		if c.Storage.GCSChunkSize < 0 {
			errs = append(errs, errors.New("storage.gcs_chunk_size must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic are required when pubsub is enabled"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	return errors.Join(errs...)
}

// Orchestrator converts the crawl settings into an orchestrator configuration.
func (c *Config) Orchestrator() orchestrator.Config {
	topic := ""
	if c.PubSub.Enabled {
		topic = c.PubSub.Topic
	}
	return orchestrator.Config{
		Name:            c.App.Site,
		Mode:            crawler.Mode(c.App.Mode),
		StartPage:       c.Crawl.StartPage,
		TotalPages:      c.Crawl.TotalPages,
		ListConcurrency: c.Crawl.ListConcurrency,
		ItemConcurrency: c.Crawl.ItemConcurrency,
		PreDelayBase:    c.HTTP.PreDelayBase,
		PreDelayJitter:  c.HTTP.PreDelayJitter,
		SkipDownloaded:  c.App.SkipDownloaded,
		PendingLimit:    c.Crawl.PendingLimit,
		PublishTopic:    topic,
		Policy: retry.Policy{
			MaxAttempts:     c.HTTP.MaxAttempts,
			BaseDelay:       c.HTTP.BaseDelay,
			Jitter:          c.HTTP.Jitter,
			AcquireAttempts: c.Proxy.AcquireAttempts,
			AcquireBackoff:  c.Proxy.AcquireBackoff,
		},
	}
}

// Fetcher returns the HTTP fetcher settings.
func (c *Config) Fetcher() collyfetcher.Config {
	return collyfetcher.Config{
		UserAgent:     c.HTTP.UserAgent,
		RespectRobots: c.HTTP.RespectRobots,
		Timeout:       c.HTTP.Timeout,
		MaxBodyBytes:  c.HTTP.MaxBodyBytes,
	}
}

// RateLimit returns the per-host throttle settings.
func (c *Config) RateLimit() ratelimit.Config {
	hosts := make(map[string]float64, len(c.HTTP.HostRates))
	for _, hr := range c.HTTP.HostRates {
		if hr.Host != "" {
			hosts[strings.ToLower(hr.Host)] = hr.RPS
		}
	}
	return ratelimit.Config{
		DefaultRPS:   c.HTTP.RatePerHost,
		DefaultBurst: c.HTTP.RateBurst,
		Hosts:        hosts,
	}
}

// ProxyPool returns the proxy pool client settings.
func (c *Config) ProxyPool() proxypool.Config {
	return proxypool.Config{
		Address: c.Proxy.Address,
		Timeout: c.Proxy.Timeout,
	}
}

// SiteSettings returns the raw settings block for a site, or nil.
func (c *Config) SiteSettings(name string) map[string]any {
	return c.Sites[strings.ToLower(name)]
}
