// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /v1/search for synchronous lookups (POST accepts a JSON body).
//   - POST /v1/search/async to queue a job, GET /v1/jobs/{batch_id} to poll it.
//   - GET /v1/events streams lifecycle events as server-sent events.
//   - GET /healthz, /readyz for Kubernetes probes and /metrics for Prometheus.
package api
