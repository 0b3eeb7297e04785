package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linesport/oddstream/metric"
)

// DefaultChannels is the fixed allow-list of pub/sub channels. The first two
// carry pipeline output; the rest are published to by external collaborators.
var DefaultChannels = []string{
	"odds-ticks",
	"arbitrage-opportunities",
	"multi-period-opportunities",
	"risk-alerts",
	"portfolio-updates",
	"validation-results",
}

// Config holds connection registry configuration
type Config struct {
	// Channels is the subscription allow-list; empty means DefaultChannels.
	Channels []string
	// QueueSize bounds each connection's outbound queue.
	QueueSize int
	// Cooldown is the minimum interval between send attempts to a
	// connection that is in a backpressure episode.
	Cooldown time.Duration
	// CloseOnBackpressureLimit enables closing connections that overflow
	// CloseStreak times in a row. Off by default: slow consumers are
	// throttled, not disconnected.
	CloseOnBackpressureLimit bool
	// CloseStreak is the consecutive-overflow count that triggers closure
	// when CloseOnBackpressureLimit is set.
	CloseStreak int64
}

// DefaultConfig returns sensible registry defaults
func DefaultConfig() Config {
	return Config{
		Channels:                 DefaultChannels,
		QueueSize:                256,
		Cooldown:                 100 * time.Millisecond,
		CloseOnBackpressureLimit: false,
		CloseStreak:              50,
	}
}

// Registry tracks all live connections and their channel subscriptions
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Conn
	byChannel map[string]map[string]*Conn // channel -> connID -> conn
	allowed   map[string]struct{}

	metrics *registryMetrics
}

type registryMetrics struct {
	connected    prometheus.Gauge
	backpressure prometheus.Counter
	closures     prometheus.Counter
}

// NewRegistry creates a connection registry
func NewRegistry(cfg Config, metricsRegistry *metric.MetricsRegistry, logger *slog.Logger) *Registry {
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.CloseStreak <= 0 {
		cfg.CloseStreak = DefaultConfig().CloseStreak
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]struct{}, len(cfg.Channels))
	byChannel := make(map[string]map[string]*Conn, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		allowed[ch] = struct{}{}
		byChannel[ch] = make(map[string]*Conn)
	}

	r := &Registry{
		cfg:       cfg,
		logger:    logger,
		conns:     make(map[string]*Conn),
		byChannel: byChannel,
		allowed:   allowed,
	}

	if metricsRegistry != nil {
		m := &registryMetrics{
			connected: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "oddstream",
				Subsystem: "registry",
				Name:      "connections",
				Help:      "Currently registered connections",
			}),
			backpressure: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "registry",
				Name:      "backpressure_total",
				Help:      "Payloads dropped due to connection backpressure",
			}),
			closures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "registry",
				Name:      "backpressure_closures_total",
				Help:      "Connections closed after sustained backpressure",
			}),
		}
		_ = metricsRegistry.RegisterGauge("registry", "connections", m.connected)
		_ = metricsRegistry.RegisterCounter("registry", "backpressure_total", m.backpressure)
		_ = metricsRegistry.RegisterCounter("registry", "backpressure_closures_total", m.closures)
		r.metrics = m
	}

	return r
}

// IsAllowedChannel reports whether a channel is on the allow-list
func (r *Registry) IsAllowedChannel(channel string) bool {
	_, ok := r.allowed[channel]
	return ok
}

// Register adds a connection for the given transport and starts its writer.
// The returned Conn is registry-owned; callers hold it only to reference its
// ID and stats.
func (r *Registry) Register(transport Transport) *Conn {
	c := newConn(uuid.NewString(), transport, r.cfg.QueueSize, r.cfg.Cooldown)

	r.mu.Lock()
	r.conns[c.ID] = c
	count := len(r.conns)
	r.mu.Unlock()

	go c.writer(r.onSendError)

	if r.metrics != nil {
		r.metrics.connected.Set(float64(count))
	}
	r.logger.Debug("connection registered", "conn_id", c.ID, "connections", count)
	return c
}

// onSendError removes a connection whose transport failed
func (r *Registry) onSendError(c *Conn, err error) {
	r.logger.Debug("send failed, removing connection", "conn_id", c.ID, "error", err)
	r.Remove(c.ID)
}

// Remove unregisters and closes a connection. Safe to call repeatedly.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		for ch := range c.channels {
			delete(r.byChannel[ch], id)
		}
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.close()

	if r.metrics != nil {
		r.metrics.connected.Set(float64(count))
	}
}

// Subscribe adds the connection to a channel. Unrecognized channels are
// ignored and reported as false; this mirrors upstream behavior rather than
// erroring on unknown channel names. Returns true when the subscription was
// accepted (or already present).
func (r *Registry) Subscribe(id, channel string) bool {
	if !r.IsAllowedChannel(channel) {
		r.logger.Debug("ignoring subscription to unknown channel", "conn_id", id, "channel", channel)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.channels[channel] = struct{}{}
	r.byChannel[channel][id] = c
	return true
}

// Unsubscribe removes the connection from a channel. Unknown channels and
// unknown connections are ignored.
func (r *Registry) Unsubscribe(id, channel string) {
	if !r.IsAllowedChannel(channel) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return
	}
	delete(c.channels, channel)
	delete(r.byChannel[channel], id)
}

// Subscribers returns a snapshot of open connections subscribed to a channel
func (r *Registry) Subscribers(channel string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byChannel[channel]
	out := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// Offer enqueues a payload to a connection, applying the backpressure
// closure policy. Returns true when the payload was queued.
func (r *Registry) Offer(c *Conn, payload []byte) bool {
	if c.Enqueue(payload) {
		return true
	}

	if r.metrics != nil {
		r.metrics.backpressure.Inc()
	}

	if r.cfg.CloseOnBackpressureLimit && c.overflowStreak.Load() >= r.cfg.CloseStreak {
		r.logger.Warn("closing connection after sustained backpressure",
			"conn_id", c.ID, "streak", c.overflowStreak.Load())
		if r.metrics != nil {
			r.metrics.closures.Inc()
		}
		r.Remove(c.ID)
	}
	return false
}

// Get returns a connection by id
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Channels returns the subscriptions of one connection
func (r *Registry) Channels(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Snapshot returns stats for every registered connection
func (r *Registry) Snapshot() []ConnStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnStats, 0, len(r.conns))
	for _, c := range r.conns {
		channels := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			channels = append(channels, ch)
		}
		out = append(out, ConnStats{
			ID:                c.ID,
			ConnectedAt:       c.ConnectedAt,
			Channels:          channels,
			BackpressureCount: c.BackpressureCount(),
			MessageCount:      c.MessageCount(),
			LastActivity:      c.LastActivity(),
			RecentLatencies:   c.RecentLatencies(),
		})
	}
	return out
}

// CloseAll removes and closes every connection
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	for ch := range r.byChannel {
		r.byChannel[ch] = make(map[string]*Conn)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	if r.metrics != nil {
		r.metrics.connected.Set(0)
	}
}
