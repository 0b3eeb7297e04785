// Package health tracks component health for the service.
//
// Each long-running piece of the pipeline (gateway, scheduler, store,
// NATS connection) reports a Status into a shared Monitor. The Monitor
// aggregates them into a single system status served over HTTP for
// liveness and readiness probes.
//
// Error text placed in a Status is sanitized first: URLs, file paths,
// addresses, and credential-looking fragments are masked so health
// output can be exposed without leaking connection details.
package health
