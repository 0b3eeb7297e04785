// Package dispatch provides the fixed worker pool that processes ticks
// asynchronously between ingest and broadcast.
//
// Routing is round-robin across per-worker queues, so a slow tick delays only
// the ticks behind it on the same worker. Per-entity ordering is NOT
// guaranteed; consumers needing it should key on the tick timestamp.
//
// A pool of size zero degrades to synchronous inline processing on the
// caller's goroutine, which tests use for determinism.
//
// Failures are isolated per tick: an error or panic inside the processor is
// counted and logged, the tick is dropped with no redelivery, and the worker
// keeps consuming.
package dispatch
