// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/analyses to submit a URL for auditing.
//   - GET /v1/analyses/{id}/status, /result, and /report for polling.
//   - DELETE /v1/analyses/{id}/cache to drop cached results.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
