package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// latencyRingSize bounds the per-connection latency sample window
const latencyRingSize = 32

// Transport abstracts the wire a connection writes to. The gateway adapts a
// websocket connection to this; tests use in-memory fakes.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Conn is the registry's view of one subscriber connection. All fields are
// owned by the registry; external packages interact through methods only.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	transport Transport

	// Subscription set, guarded by the registry's lock (subscriptions are
	// only mutated through Registry.Subscribe/Unsubscribe).
	channels map[string]struct{}

	// Outbound delivery. The queue is never closed; done signals the
	// writer to exit so a concurrent Enqueue can never hit a closed channel.
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Backpressure state
	backpressureCount atomic.Int64
	overflowStreak    atomic.Int64
	cooldown          *rate.Limiter

	// Activity counters
	messageCount atomic.Int64
	lastActivity atomic.Value // stores time.Time

	// Latency ring buffer (write-side samples)
	latMu     sync.Mutex
	latencies [latencyRingSize]time.Duration
	latCount  int
	latNext   int
}

// newConn wires a connection with its outbound queue and cool-down gate
func newConn(id string, transport Transport, queueSize int, cooldownEvery time.Duration) *Conn {
	c := &Conn{
		ID:          id,
		ConnectedAt: time.Now(),
		transport:   transport,
		channels:    make(map[string]struct{}),
		queue:       make(chan []byte, queueSize),
		done:        make(chan struct{}),
		cooldown:    rate.NewLimiter(rate.Every(cooldownEvery), 1),
	}
	c.lastActivity.Store(c.ConnectedAt)
	return c
}

// Enqueue offers a payload to the connection's outbound queue without
// blocking. It returns false when the payload was dropped: either the queue
// overflowed or the connection is inside a backpressure cool-down.
func (c *Conn) Enqueue(payload []byte) bool {
	if c.closed.Load() {
		return false
	}

	// While in a backpressure episode, attempts are gated by the cool-down
	// limiter rather than hammering a queue that just overflowed.
	if c.overflowStreak.Load() > 0 && !c.cooldown.Allow() {
		return false
	}

	select {
	case c.queue <- payload:
		c.overflowStreak.Store(0)
		return true
	default:
		c.backpressureCount.Add(1)
		c.overflowStreak.Add(1)
		return false
	}
}

// writer drains the outbound queue, preserving FIFO order per connection.
// It exits when the connection is closed; payloads still queued at that
// point are abandoned.
func (c *Conn) writer(onError func(*Conn, error)) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			start := time.Now()
			err := c.transport.Send(payload)
			if err != nil {
				if onError != nil {
					onError(c, err)
				}
				continue
			}
			c.messageCount.Add(1)
			c.lastActivity.Store(time.Now())
			c.recordLatency(time.Since(start))
		}
	}
}

// close signals the writer and shuts the transport exactly once
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.transport.Close()
	})
}

// Closed reports whether the connection has been closed
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Touch refreshes the connection's last-activity timestamp
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now())
}

// recordLatency stores a send latency sample in the bounded ring
func (c *Conn) recordLatency(d time.Duration) {
	c.latMu.Lock()
	c.latencies[c.latNext] = d
	c.latNext = (c.latNext + 1) % latencyRingSize
	if c.latCount < latencyRingSize {
		c.latCount++
	}
	c.latMu.Unlock()
}

// RecentLatencies returns the buffered latency samples, oldest first
func (c *Conn) RecentLatencies() []time.Duration {
	c.latMu.Lock()
	defer c.latMu.Unlock()

	out := make([]time.Duration, 0, c.latCount)
	start := c.latNext - c.latCount
	if start < 0 {
		start += latencyRingSize
	}
	for i := 0; i < c.latCount; i++ {
		out = append(out, c.latencies[(start+i)%latencyRingSize])
	}
	return out
}

// ConnStats is a point-in-time snapshot of one connection
type ConnStats struct {
	ID                string          `json:"id"`
	ConnectedAt       time.Time       `json:"connected_at"`
	Channels          []string        `json:"channels"`
	BackpressureCount int64           `json:"backpressure_count"`
	MessageCount      int64           `json:"message_count"`
	LastActivity      time.Time       `json:"last_activity"`
	RecentLatencies   []time.Duration `json:"recent_latencies"`
}

// BackpressureCount returns the number of dropped payloads for this connection
func (c *Conn) BackpressureCount() int64 {
	return c.backpressureCount.Load()
}

// MessageCount returns the number of payloads delivered to this connection
func (c *Conn) MessageCount() int64 {
	return c.messageCount.Load()
}

// LastActivity returns the timestamp of the last delivery or touch
func (c *Conn) LastActivity() time.Time {
	v, _ := c.lastActivity.Load().(time.Time)
	return v
}
