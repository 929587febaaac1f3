// Package api hosts the HTTP server and handlers for operator access to a
// running fleet. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status and /status/{category} for the fleet status board.
package api
