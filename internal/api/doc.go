// Package api hosts the HTTP server, middleware, and handlers of the render
// admission service. Routes:
//   - POST /render admits a URL: cached HTML, or a job to poll.
//   - GET /status/{jobId} reports a render job.
//   - GET /usage reports the caller's rate-limit window without consuming it.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
