// Package api is the operator-facing HTTP surface of the scheduler.
//
// Probes and metrics sit at the root and never require a key:
// /healthz always answers 200, /readyz answers 503 once shutdown begins, and
// /metrics serves the Prometheus registry. Job routes live under /v1 and
// accept X-API-Key (or ?api_key=) when auth is enabled. POST /v1/jobs with
// "force": false only enqueues when the stored data is stale. GET /v1/jobs
// filters by status and kind, and accepts a limit. GET /v1/jobs/{job_id},
// POST /v1/jobs/{job_id}/cancel and POST /v1/jobs/{job_id}/retry address one
// job. Retry only accepts a failed job and answers with the new job's id.
package api
