// Package api hosts the gateway's HTTP surface. Notable routes:
//   - POST /v1/jobs takes a tagged command: list_user_agents, queue_status or submit_job.
//   - GET /v1/artifacts/{key} serves artifacts from local stores behind an HMAC capability.
//   - GET /healthz for probes and /metrics for Prometheus scraping.
//
// Client is the caller-side counterpart used by the CLI.
package api
