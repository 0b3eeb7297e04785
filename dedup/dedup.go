// Package dedup provides a TTL-bounded fingerprint cache for tick deduplication.
//
// The cache answers one question: has this fingerprint been seen inside the
// dedup horizon? Entries expire after a configurable TTL; a background sweep
// removes expired entries so memory is bounded by arrival rate rather than
// total history. Lookups are sharded to stay cheap under concurrent dispatch.
package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linesport/oddstream/metric"
)

const shardCount = 16

// Config holds dedup cache configuration
type Config struct {
	// TTL is the dedup horizon. A fingerprint re-submitted inside this
	// window is reported as a duplicate.
	TTL time.Duration
	// CleanupInterval controls the background expiry sweep.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for the dedup cache
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		CleanupInterval: 1 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of cache activity
type Stats struct {
	New        int64 `json:"new"`
	Duplicates int64 `json:"duplicates"`
	Evictions  int64 `json:"evictions"`
	Size       int   `json:"size"`
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]time.Time // fingerprint -> expiry deadline
}

// Cache is a thread-safe TTL fingerprint cache
type Cache struct {
	ttl             time.Duration
	cleanupInterval time.Duration
	shards          [shardCount]*shard

	newCount   atomic.Int64
	dupCount   atomic.Int64
	evictCount atomic.Int64

	metrics *cacheMetrics

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type cacheMetrics struct {
	checks    *prometheus.CounterVec
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry) (*cacheMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &cacheMetrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "dedup",
			Name:      "checks_total",
			Help:      "Fingerprint checks by outcome",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "dedup",
			Name:      "evictions_total",
			Help:      "Expired fingerprints removed from the cache",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oddstream",
			Subsystem: "dedup",
			Name:      "size",
			Help:      "Current number of cached fingerprints",
		}),
	}

	if err := registry.RegisterCounterVec("dedup", "checks_total", m.checks); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dedup", "evictions_total", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("dedup", "size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

// NewCache creates a dedup cache and starts its background expiry sweep.
// The sweep exits when ctx is cancelled or Close is called.
func NewCache(ctx context.Context, cfg Config, registry *metric.MetricsRegistry) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}

	metrics, err := newCacheMetrics(registry)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		metrics:         metrics,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[uint64]time.Time)}
	}

	go c.cleanup(ctx)

	return c, nil
}

// CheckAndInsert reports whether the fingerprint is new inside the dedup
// horizon, inserting it atomically when it is. Safe for concurrent use.
func (c *Cache) CheckAndInsert(fp uint64) bool {
	now := time.Now()
	s := c.shards[fp%shardCount]

	s.mu.Lock()
	deadline, exists := s.entries[fp]
	if exists && now.Before(deadline) {
		s.mu.Unlock()
		c.dupCount.Add(1)
		if c.metrics != nil {
			c.metrics.checks.WithLabelValues("duplicate").Inc()
		}
		return false
	}
	// Either unseen or expired; expired entries are reclaimed lazily here
	// in addition to the background sweep.
	if exists {
		c.evictCount.Add(1)
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
	s.entries[fp] = now.Add(c.ttl)
	s.mu.Unlock()

	c.newCount.Add(1)
	if c.metrics != nil {
		c.metrics.checks.WithLabelValues("new").Inc()
	}
	return true
}

// Size returns the current number of cached fingerprints, including any
// not yet swept.
func (c *Cache) Size() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Stats returns a snapshot of cache activity
func (c *Cache) Stats() Stats {
	return Stats{
		New:        c.newCount.Load(),
		Duplicates: c.dupCount.Load(),
		Evictions:  c.evictCount.Load(),
		Size:       c.Size(),
	}
}

// Close stops the background sweep and waits for it to exit
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
	})
	<-c.done
}

// cleanup periodically removes expired fingerprints
func (c *Cache) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep removes all entries whose deadline has passed
func (c *Cache) sweep(now time.Time) {
	evicted := int64(0)
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, deadline := range s.entries {
			if now.After(deadline) {
				delete(s.entries, fp)
				evicted++
			}
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		c.evictCount.Add(evicted)
		if c.metrics != nil {
			c.metrics.evictions.Add(float64(evicted))
		}
	}
	if c.metrics != nil {
		c.metrics.size.Set(float64(c.Size()))
	}
}
