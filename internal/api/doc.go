// Package api hosts the operator HTTP surface of a crawl process. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live run summary.
//   - POST /v1/run/stop to raise the stop fence.
//   - GET /v1/records/{item_id} to inspect one crawl record.
package api
