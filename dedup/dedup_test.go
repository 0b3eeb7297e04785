package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linesport/oddstream/metric"
	"github.com/linesport/oddstream/tick"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := NewCache(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCache_CheckAndInsert(t *testing.T) {
	c := newTestCache(t, DefaultConfig())

	tk := tick.Tick{
		Exchange:  "A",
		GameID:    "G1",
		Line:      1.5,
		Timestamp: time.Now(),
	}
	fp := tk.Fingerprint()

	assert.True(t, c.CheckAndInsert(fp), "first submission should be new")
	assert.False(t, c.CheckAndInsert(fp), "second submission should be a duplicate")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.New)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, 1, stats.Size)
}

func TestCache_ExpiryAllowsReinsert(t *testing.T) {
	c := newTestCache(t, Config{TTL: 20 * time.Millisecond, CleanupInterval: time.Hour})

	assert.True(t, c.CheckAndInsert(42))
	assert.False(t, c.CheckAndInsert(42))

	time.Sleep(40 * time.Millisecond)

	// Expired entry is reclaimed lazily on the next check
	assert.True(t, c.CheckAndInsert(42), "expired fingerprint should read as new")
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_BackgroundSweep(t *testing.T) {
	c := newTestCache(t, Config{TTL: 10 * time.Millisecond, CleanupInterval: 20 * time.Millisecond})

	for fp := uint64(0); fp < 100; fp++ {
		c.CheckAndInsert(fp)
	}
	assert.Equal(t, 100, c.Size())

	assert.Eventually(t, func() bool {
		return c.Size() == 0
	}, time.Second, 10*time.Millisecond, "sweep should drain expired fingerprints")
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(t, DefaultConfig())

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				c.CheckAndInsert(uint64(i))
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	// Each distinct fingerprint is new exactly once
	assert.Equal(t, int64(perGoroutine), stats.New)
	assert.Equal(t, int64((goroutines-1)*perGoroutine), stats.Duplicates)
	assert.Equal(t, perGoroutine, stats.Size)
}

func TestCache_ContextCancelStopsSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewCache(ctx, DefaultConfig(), nil)
	require.NoError(t, err)

	cancel()

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("sweep goroutine did not exit on context cancellation")
	}
}

func TestCache_MetricsRegistration(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewCache(context.Background(), DefaultConfig(), registry)
	require.NoError(t, err)
	defer c.Close()

	c.CheckAndInsert(7)
	c.CheckAndInsert(7)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	assert.True(t, names["oddstream_dedup_checks_total"])
}
