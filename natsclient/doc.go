// Package natsclient wraps the NATS connection used for durable lifecycle
// persistence and the optional tick mirror. It exposes JetStream Key-Value
// buckets through a thin KVStore wrapper that normalizes not-found and
// conflict errors, so callers branch on sentinels instead of matching server
// error strings.
package natsclient
