// Package lifecycle implements the metadata lifecycle engine: a validated
// state machine over lifecycle records, a periodic transition scheduler, and
// an on-demand stats aggregator.
//
// Records live in an in-memory index owned by the StateMachine and are
// persisted through a pluggable Store. Every mutation flows through
// TransitionState under a per-record lock, so a scheduler-driven transition
// and an external request on the same record can never interleave; distinct
// records mutate fully in parallel. Business-rule rejections (a disallowed
// transition, deleting a non-archived record) are returned as structured
// Results, never as errors: callers branch on Result.Success.
package lifecycle
