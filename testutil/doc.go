// Package testutil holds shared helpers for integration tests: container
// startup for NATS and Redis, and the gate that keeps container-backed
// suites out of plain test runs.
//
// Suites call SkipUnlessIntegration first; the container helpers assume
// Docker is available once that gate passes.
package testutil
