// Package server exposes the scrape endpoint and the probe status API.
//
// Routes:
//
//   - GET /metrics: Prometheus exposition of the gauge registry
//   - GET /api/status: JSON snapshot of the last outcome of every probe
//   - GET /api/sse: Server-Sent Events stream of probe outcomes
//   - GET /healthz: liveness check
//   - GET /: status page, when assets are provided
//
// The server shuts down gracefully when its context is cancelled, with a
// 5-second timeout for in-flight requests.
package server
