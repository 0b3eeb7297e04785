// Package store provides lifecycle.Store implementations. The in-memory
// store here backs tests and stateless deployments; durable backends live in
// the natskv and redis subpackages.
package store
