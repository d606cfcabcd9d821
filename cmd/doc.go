// Package cmd defines the tspider command line.
//
// Architecture overview:
//   - Orchestrator: internal/orchestrator runs a listing phase and a download phase, each bounded by its own
//     concurrency limit. A Stop fence prevents new phases and jobs while letting in-flight jobs finish.
//   - Fetch pipeline: every network operation goes through the retry executor, which acquires a proxy from the
//     pool service, classifies failures, rotates proxies on connection faults and backs off on transient ones.
//     Requests go out through the Colly-based fetcher behind a per-host token bucket.
//   - Sites: internal/sites maps a site name to an adapter that builds listing and item requests, parses
//     listings and writes artifacts.
//   - Persistence & fanout: crawl records go to the configured sink (memory/sqlite/postgres/elastic), artifacts to
//     the configured blob store (memory/local/GCS), and a Pub/Sub message is published per download when enabled.
//   - Configuration & plumbing: Viper populates config from file and TSPIDER_* env vars; zap provides structured
//     logging; Prometheus metrics and the run status API are served when server.enabled is set.
//
// Quick checklist:
//   - List adapters: tspider sites
//   - Discover only: tspider crawl --config config.yaml --site cninfo --mode discover --total-pages 20
//   - Drain pending downloads later: tspider crawl --config config.yaml --site cninfo --mode download
package cmd
