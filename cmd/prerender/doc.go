// Package main hosts the prerender service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /render, GET /status/{jobId}, GET /usage, health, and metrics.
//     Every render request is authenticated, normalized, SSRF-checked, and rate limited before the cache is consulted.
//   - Admission: internal/admission answers from the two-tier cache when it can, otherwise points the caller at the
//     in-flight job for the same normalized URL or creates a queued job and enqueues a task. It never waits on a render.
//   - Dispatch: internal/dispatcher pulls tasks from the queue (in-memory or Pub/Sub) into a fixed worker pool gated by
//     a start-rate limiter. Failed attempts are re-enqueued with exponential backoff until the retry budget runs out.
//   - Rendering: internal/worker drives a pooled headless Chrome (internal/renderer/headless), re-validates the final
//     URL, strips scripts and tracking from the DOM while keeping JSON-LD, writes the snapshot to the hot tier
//     synchronously and the cold tier in the background, and completes the job.
//   - Persistence: jobs, artifact metadata, the access log, and API keys live in memory or Postgres; the hot tier is an
//     LRU or Redis; the cold tier is memory, local disk, LevelDB, GCS, or any S3-compatible bucket.
//
// Run modes:
//   - prerender all: API and workers in one process; the only mode that accepts in-memory backends.
//   - prerender serve / prerender worker: split deployment over shared Postgres, Redis, Pub/Sub, and object storage.
//   - prerender migrate: applies the Postgres schema and exits.
//
// Quick checklist:
//   - Configure env vars with the PRERENDER_ prefix (PRERENDER_SERVER_PORT, PRERENDER_DATABASE_DSN,
//     PRERENDER_QUEUE_BACKEND, ...) or pass --config config.yaml. A local .env file is loaded first when present.
//   - Run locally: go run ./cmd/prerender all --config config.yaml
package main
