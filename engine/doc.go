// Package engine is the composition root. It assembles the tick pipeline
// (gateway, dedup cache, dispatch pool, broadcaster, connection registry)
// and the lifecycle engine (state machine, scheduler, persistence) from a
// single configuration, and runs them as one unit.
//
// Startup order is storage first, then the lifecycle engine, then the
// pipeline, so the gateway never accepts a tick before its downstream is
// ready. Shutdown runs the same order in reverse: ingest stops, the
// scheduler stops, the pool drains within its timeout, and finally the
// state machine index is flushed to the store.
package engine
