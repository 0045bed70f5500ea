// Package api hosts the HTTP server, middleware, and REST handlers that
// trigger and observe crawl runs. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a run, GET /v1/runs and /v1/runs/{run_id} to
//     poll, POST /v1/runs/{run_id}/cancel to stop one.
package api
