// Package main hosts the research coordinator service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, claim, job,
//     intervention, and breaker endpoints. Operator tooling and research
//     workers both speak to the same surface.
//   - Resource ledger: internal/ledger arbitrates which worker owns an
//     external identifier (DOI, PMID, arXiv ID, URL). Exclusivity rests on a
//     conflict-ignoring insert plus read-back, never on read-then-write.
//   - Health tracker: internal/health keeps EMA-smoothed success, challenge,
//     and latency rates per search engine and per domain, and drives the
//     closed/open/half-open circuit breaker for each. State is persisted
//     write-through and reloaded at startup.
//   - Job state machine: internal/jobs applies guarded conditional
//     transitions across queued/running/awaiting_auth/completed/failed/
//     cancelled. A failed guard is a no-op, which is what makes concurrent
//     schedulers and the dispatcher's at-least-once signals safe.
//   - Intervention queue: internal/intervention parks challenges that need a
//     human (captchas, logins, Cloudflare walls). Resolving a domain requeues
//     every blocked job for it and force-closes its breaker. Session payloads
//     captured during resolution are reused for later items on the same
//     domain and archived to the configured blob store.
//   - Notifications: internal/notify coalesces a burst of new intervention
//     items into a single operator notification, delivered via zap logging or
//     Pub/Sub.
//   - Dispatcher & queue: job signals flow through a bounded in-memory queue
//     sized by dispatcher.queue_depth and fan out to a runner pool sized by
//     dispatcher.concurrency. Context cancellation stops the pool cleanly.
//
// Operational notes:
//   - Persistence: db.provider selects Postgres (pgx pool shared by all four
//     stores) or in-memory stores for development.
//   - Observability: zap logs carry item/job/domain IDs at every transition;
//     Prometheus counters and gauges cover claims, breaker state, job
//     transitions, interventions, and notifications at /metrics.
//   - Shutdown: SIGINT/SIGTERM drains the HTTP server, closes the dispatch
//     queue, and flushes the notification coalescer.
//
// Run locally: go run ./cmd/coordinator -config config.yaml, or rely on
// COORDINATOR_* env overrides alone.
package main
