// Package oddstream is a market-data tick pipeline with metadata
// lifecycle management.
//
// # Architecture
//
// Ticks arrive over WebSocket, pass through dedup and a worker pool,
// and fan out to subscribers:
//
//	┌──────────┐   ┌────────┐   ┌──────────┐   ┌─────────────┐
//	│ Gateway  │ → │ Dedup  │ → │ Dispatch │ → │ Broadcaster │
//	│ (ws in)  │   │ cache  │   │  pool    │   │  (ws out)   │
//	└──────────┘   └────────┘   └──────────┘   └─────────────┘
//
// Alongside the pipeline, a lifecycle engine tracks metadata records
// (event and market descriptors) through a state machine, with a
// scheduler applying time-based transitions and pluggable persistence
// (in-memory, NATS JetStream KV, or Redis).
//
// # Packages
//
// Pipeline:
//   - gateway: WebSocket ingest server and tick processor
//   - dedup: TTL fingerprint cache
//   - dispatch: bounded worker pool
//   - broadcast: channel fan-out to subscribers
//   - registry: per-connection outbound queues with backpressure
//   - tick: the wire-level tick type
//   - message: the WebSocket envelope protocol
//
// Lifecycle:
//   - lifecycle: state machine, scheduler, statistics
//   - store: in-memory store
//   - store/natskv: NATS JetStream KV store
//   - store/redis: Redis store
//
// Infrastructure:
//   - engine: composition root
//   - config: YAML configuration with env overrides
//   - natsclient: NATS connection management
//   - metric: Prometheus metrics
//   - errors: classified error handling
//   - health: component health reporting
//   - retry: backoff policies for transient failures
//
// # Binary
//
//	./bin/oddstream --config configs/oddstream.yaml
package oddstream
