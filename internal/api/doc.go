// Package api hosts the operator HTTP server that runs next to the workers.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for per-worker state and buffer depth.
//   - GET /v1/summaries?url= to look up a stored summary.
package api
