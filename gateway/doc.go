// Package gateway runs the WebSocket ingest server: the single entry point
// for exchange tick feeds and subscriber connections.
//
// Every connection speaks the message envelope protocol. Market-data frames
// are validated, fingerprinted against the dedup cache, and handed to the
// dispatch pool; subscribe/unsubscribe frames manage channel membership in
// the connection registry. A malformed frame earns the sender an error
// envelope, never a disconnect. Outbound delivery always goes through the
// registry's per-connection writer queue, so gateway replies and broadcast
// fan-out share one FIFO per connection.
package gateway
