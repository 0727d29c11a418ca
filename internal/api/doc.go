// Package api hosts the HTTP server, middleware, and REST handlers of the
// progress service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/jobs, PUT /api/jobs/{job_id}/progress and
//     POST /api/jobs/{job_id}/end for workers reporting progress.
//   - GET /api/jobs/{job_id}, /metrics and /events for readers; events is a
//     server-sent event stream.
//   - GET /api/orgs/{org_id}/jobs/active for dashboards.
package api
