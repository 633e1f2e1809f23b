// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tasks and GET /v1/dashboard for the live view.
//   - POST /v1/checks and POST /v1/targets/{target_id}/check to request
//     immediate checks.
package api
