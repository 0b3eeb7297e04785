// Package registry tracks subscriber connections, their channel
// subscriptions, and per-connection backpressure and latency counters.
//
// The registry owns every Conn exclusively: the gateway registers and removes
// connections, the broadcaster enqueues payloads, and nothing else touches
// connection state. Subscriptions are kept both per-connection and in an
// inverted channel index, so publishing to a channel touches only that
// channel's subscribers.
//
// Delivery to a connection is a bounded queue drained by a single writer
// goroutine, which preserves per-connection FIFO order. When the queue
// overflows, the payload is dropped, the connection's backpressure counter is
// incremented, and a cool-down gate suppresses further send attempts for a
// configured interval. Connections are only closed for backpressure when a
// consecutive-overflow streak exceeds the configured limit, and that
// behavior is opt-in.
package registry
