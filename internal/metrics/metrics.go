// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Phase labels used by the orchestrator.
const (
	PhaseDiscovery = "discovery"
	PhaseDownload  = "download"
)

var (
	attemptsTotal           *prometheus.CounterVec
	proxyInvalidationsTotal prometheus.Counter
	poolUnavailableTotal    prometheus.Counter
	jobsTotal               *prometheus.CounterVec
	inflightJobs            *prometheus.GaugeVec
	backoffDelaySeconds     prometheus.Histogram
	fetchBytesTotal         *prometheus.CounterVec
	rateLimitDelaysSeconds  *prometheus.HistogramVec
	recordsTotal            *prometheus.CounterVec
	apiRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tspider_attempts_total",
				Help: "Total network attempts, labeled by classified result.",
			},
			[]string{"result"},
		)

		proxyInvalidationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tspider_proxy_invalidations_total",
				Help: "Total proxies reported invalid to the pool service.",
			},
		)

		poolUnavailableTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tspider_proxy_pool_unavailable_total",
				Help: "Total times no proxy could be acquired from the pool service.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tspider_jobs_total",
				Help: "Total jobs finished, labeled by phase and status.",
			},
			[]string{"phase", "status"},
		)

		inflightJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tspider_inflight_jobs",
				Help: "Jobs currently running, labeled by phase.",
			},
			[]string{"phase"},
		)

		backoffDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tspider_backoff_delay_seconds",
				Help:    "Histogram of retry backoff sleeps.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tspider_fetch_bytes_total",
				Help: "Total response bytes fetched, labeled by site host.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tspider_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tspider_records_total",
				Help: "Crawl record transitions, labeled by state.",
			},
			[]string{"state"},
		)

		apiRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tspider_api_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method, route and code.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt counts one classified attempt result.
func ObserveAttempt(result string) {
	Init()
	attemptsTotal.WithLabelValues(result).Inc()
}

// ObserveProxyInvalidation counts a proxy handed back to the pool as dead.
func ObserveProxyInvalidation() {
	Init()
	proxyInvalidationsTotal.Inc()
}

// ObservePoolUnavailable counts a failed proxy acquisition round.
func ObservePoolUnavailable() {
	Init()
	poolUnavailableTotal.Inc()
}

// ObserveJob counts a finished job.
func ObserveJob(phase, status string) {
	Init()
	jobsTotal.WithLabelValues(phase, status).Inc()
}

// IncInflight increments the in-flight gauge for phase.
func IncInflight(phase string) {
	Init()
	inflightJobs.WithLabelValues(phase).Inc()
}

// DecInflight decrements the in-flight gauge for phase.
func DecInflight(phase string) {
	Init()
	inflightJobs.WithLabelValues(phase).Dec()
}

// ObserveBackoff records one backoff sleep.
func ObserveBackoff(d time.Duration) {
	Init()
	backoffDelaySeconds.Observe(d.Seconds())
}

// ObserveFetch records response bytes for the URL's host.
func ObserveFetch(rawURL string, bytesFetched int) {
	Init()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRecord counts a record transition into state.
func ObserveRecord(state string) {
	Init()
	recordsTotal.WithLabelValues(state).Inc()
}

// ObserveAPIRequest records one status API request.
func ObserveAPIRequest(method, route string, code int, d time.Duration) {
	Init()
	apiRequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}
