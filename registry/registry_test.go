package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport collects sent payloads in memory
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	closed   bool
	sendWait time.Duration
}

func (f *fakeTransport) Send(payload []byte) error {
	if f.sendWait > 0 {
		time.Sleep(f.sendWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestRegistry() *Registry {
	return NewRegistry(DefaultConfig(), nil, nil)
}

func TestRegistry_RegisterRemove(t *testing.T) {
	r := newTestRegistry()

	transport := &fakeTransport{}
	c := r.Register(transport)
	require.NotEmpty(t, c.ID)
	assert.Equal(t, 1, r.Count())

	r.Remove(c.ID)
	assert.Equal(t, 0, r.Count())
	assert.True(t, c.Closed())

	// Remove is idempotent
	r.Remove(c.ID)
}

func TestRegistry_SubscribeAllowList(t *testing.T) {
	r := newTestRegistry()
	c := r.Register(&fakeTransport{})

	assert.True(t, r.Subscribe(c.ID, "odds-ticks"))
	assert.True(t, r.Subscribe(c.ID, "risk-alerts"))

	// Unknown channels are silently ignored, not errors
	assert.False(t, r.Subscribe(c.ID, "definitely-not-a-channel"))

	channels := r.Channels(c.ID)
	assert.ElementsMatch(t, []string{"odds-ticks", "risk-alerts"}, channels)
}

func TestRegistry_SubscribeUnknownConnection(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Subscribe("no-such-conn", "odds-ticks"))
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := newTestRegistry()
	c := r.Register(&fakeTransport{})

	require.True(t, r.Subscribe(c.ID, "odds-ticks"))
	assert.Len(t, r.Subscribers("odds-ticks"), 1)

	r.Unsubscribe(c.ID, "odds-ticks")
	assert.Empty(t, r.Subscribers("odds-ticks"))

	// Unsubscribing twice or from unknown channels is harmless
	r.Unsubscribe(c.ID, "odds-ticks")
	r.Unsubscribe(c.ID, "nope")
}

func TestRegistry_SubscribersExcludeOtherChannels(t *testing.T) {
	r := newTestRegistry()

	a := r.Register(&fakeTransport{})
	b := r.Register(&fakeTransport{})
	require.True(t, r.Subscribe(a.ID, "odds-ticks"))
	require.True(t, r.Subscribe(b.ID, "risk-alerts"))

	subs := r.Subscribers("odds-ticks")
	require.Len(t, subs, 1)
	assert.Equal(t, a.ID, subs[0].ID)
}

func TestRegistry_RemoveClearsChannelIndex(t *testing.T) {
	r := newTestRegistry()
	c := r.Register(&fakeTransport{})
	require.True(t, r.Subscribe(c.ID, "odds-ticks"))

	r.Remove(c.ID)
	assert.Empty(t, r.Subscribers("odds-ticks"))
}

func TestConn_FIFODelivery(t *testing.T) {
	r := newTestRegistry()
	transport := &fakeTransport{}
	c := r.Register(transport)

	payloads := [][]byte{[]byte("1"), []byte("2"), []byte("3")}
	for _, p := range payloads {
		require.True(t, r.Offer(c, p))
	}

	require.Eventually(t, func() bool {
		return transport.sentCount() == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, payloads, transport.sentPayloads())
}

func TestConn_BackpressureCountsAndKeepsConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	cfg.Cooldown = time.Hour // no retries inside the test window
	r := NewRegistry(cfg, nil, nil)

	// Transport that never completes a send, so the queue stays full
	transport := &fakeTransport{sendWait: time.Hour}
	c := r.Register(transport)

	// Fill the writer (one in-flight) and the queue (one buffered)
	deadline := time.Now().Add(time.Second)
	queued := 0
	for queued < 2 && time.Now().Before(deadline) {
		if r.Offer(c, []byte("x")) {
			queued++
		}
	}
	require.Equal(t, 2, queued)

	// Everything further is dropped, counted, and the connection survives
	for i := 0; i < 5; i++ {
		assert.False(t, r.Offer(c, []byte("y")))
	}
	assert.Positive(t, c.BackpressureCount())
	assert.False(t, c.Closed(), "default policy must not close on backpressure")
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_BackpressureClosureOptIn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	cfg.Cooldown = time.Nanosecond // effectively no cool-down gating
	cfg.CloseOnBackpressureLimit = true
	cfg.CloseStreak = 3
	r := NewRegistry(cfg, nil, nil)

	transport := &fakeTransport{sendWait: time.Hour}
	c := r.Register(transport)

	// Saturate, then overflow past the streak limit
	deadline := time.Now().Add(time.Second)
	queued := 0
	for queued < 2 && time.Now().Before(deadline) {
		if r.Offer(c, []byte("x")) {
			queued++
		}
	}
	require.Equal(t, 2, queued)

	for i := 0; i < 10 && !c.Closed(); i++ {
		r.Offer(c, []byte("y"))
		time.Sleep(time.Millisecond)
	}

	assert.True(t, c.Closed(), "sustained overflow past streak should close when opted in")
	assert.Equal(t, 0, r.Count())
}

func TestConn_RecentLatencies(t *testing.T) {
	r := newTestRegistry()
	transport := &fakeTransport{}
	c := r.Register(transport)

	for i := 0; i < 5; i++ {
		require.True(t, r.Offer(c, []byte("p")))
	}
	require.Eventually(t, func() bool {
		return transport.sentCount() == 5
	}, time.Second, 5*time.Millisecond)

	lats := c.RecentLatencies()
	assert.Len(t, lats, 5)
}

func TestConn_LatencyRingBounded(t *testing.T) {
	c := newConn("test", &fakeTransport{}, 1, time.Second)
	for i := 0; i < latencyRingSize*2; i++ {
		c.recordLatency(time.Duration(i))
	}
	lats := c.RecentLatencies()
	assert.Len(t, lats, latencyRingSize)
	// Oldest retained sample is the first of the second pass
	assert.Equal(t, time.Duration(latencyRingSize), lats[0])
}

func TestRegistry_CloseAll(t *testing.T) {
	r := newTestRegistry()
	c1 := r.Register(&fakeTransport{})
	c2 := r.Register(&fakeTransport{})
	require.True(t, r.Subscribe(c1.ID, "odds-ticks"))

	r.CloseAll()
	assert.Equal(t, 0, r.Count())
	assert.True(t, c1.Closed())
	assert.True(t, c2.Closed())
	assert.Empty(t, r.Subscribers("odds-ticks"))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := newTestRegistry()
	c := r.Register(&fakeTransport{})
	require.True(t, r.Subscribe(c.ID, "portfolio-updates"))

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, c.ID, snaps[0].ID)
	assert.Equal(t, []string{"portfolio-updates"}, snaps[0].Channels)
}
