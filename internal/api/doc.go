// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs for job submission, GET /v1/jobs/{id} and /result for
//     status and results.
//   - GET /v1/workers for fleet liveness, including heartbeat age.
package api
