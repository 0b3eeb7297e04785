package broadcast

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linesport/oddstream/message"
	"github.com/linesport/oddstream/registry"
)

type captureTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransport) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureTransport) first() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[0]
}

func TestBroadcaster_FanOut(t *testing.T) {
	reg := registry.NewRegistry(registry.DefaultConfig(), nil, nil)
	b := NewBroadcaster(reg, nil, nil)

	// 50 subscribers on the target channel
	transports := make([]*captureTransport, 50)
	for i := range transports {
		transports[i] = &captureTransport{}
		c := reg.Register(transports[i])
		require.True(t, reg.Subscribe(c.ID, "odds-ticks"))
	}

	// One bystander on a different channel
	bystander := &captureTransport{}
	bc := reg.Register(bystander)
	require.True(t, reg.Subscribe(bc.ID, "risk-alerts"))

	delivered := b.Publish("odds-ticks", map[string]any{"gameId": "G1", "line": 1.5})
	assert.Equal(t, 50, delivered)

	require.Eventually(t, func() bool {
		for _, tr := range transports {
			if tr.count() != 1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	// Identical serialized payload to all 50
	reference := transports[0].first()
	for _, tr := range transports[1:] {
		assert.Equal(t, reference, tr.first())
	}

	// Bystander receives nothing
	assert.Equal(t, 0, bystander.count())
}

func TestBroadcaster_EnvelopeShape(t *testing.T) {
	reg := registry.NewRegistry(registry.DefaultConfig(), nil, nil)
	b := NewBroadcaster(reg, nil, nil)

	tr := &captureTransport{}
	c := reg.Register(tr)
	require.True(t, reg.Subscribe(c.ID, "odds-ticks"))

	b.Publish("odds-ticks", map[string]string{"k": "v"})

	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 5*time.Millisecond)

	env, err := message.Parse(tr.first())
	require.NoError(t, err)
	assert.Equal(t, "odds-ticks", env.Type)

	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "v", data["k"])
}

func TestBroadcaster_UnknownChannelIgnored(t *testing.T) {
	reg := registry.NewRegistry(registry.DefaultConfig(), nil, nil)
	b := NewBroadcaster(reg, nil, nil)

	assert.Equal(t, 0, b.Publish("not-a-channel", "data"))
}

func TestBroadcaster_NoSubscribers(t *testing.T) {
	reg := registry.NewRegistry(registry.DefaultConfig(), nil, nil)
	b := NewBroadcaster(reg, nil, nil)

	assert.Equal(t, 0, b.Publish("odds-ticks", "data"))
}
