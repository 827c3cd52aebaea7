// Package main hosts the fleet worker entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job submission
//     and inspection, and a fleet view with per-worker heartbeat age. Every
//     worker process serves the API; they all read the same shared store.
//   - Queue store: internal/queue/redis holds the pending queue, claimed
//     set, job records, and worker heartbeats. Claim and every owner-guarded
//     mutation run as single Redis scripts, so two workers can never hold
//     the same job. An in-memory store backs single-process development.
//   - Claim loop: internal/worker polls for work with exponential backoff on
//     empty queues, then hands each job to the engine. On SIGTERM an
//     in-flight job is failed recoverably so another worker picks it up
//     without waiting for the lease sweep.
//   - Scrape engine: internal/engine pages through the target via the
//     upstream client, renewing the lease and recording progress per page.
//     Rate limiting rotates the session, unreachable backends rotate the
//     identity, both within per-job budgets.
//   - Liveness: internal/liveness emits heartbeats on a cadence of a third
//     of the TTL and sweeps expired leases back to pending. The sweep runs
//     in every process; the owner guard makes overlapping sweeps safe.
//   - Persistence & fanout: raw page payloads go to the configured blob
//     store (GCS or local disk), finished jobs are archived to Postgres,
//     and a compact Pub/Sub completion event is published when a topic is
//     configured.
//   - Configuration & plumbing: Viper populates config from env/files with
//     the FLEET_ prefix; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Run locally: go run ./cmd/fleetworker -config config.yaml (or rely solely
// on env overrides). Without redis.addr the process runs self-contained on
// the in-memory store.
package main
