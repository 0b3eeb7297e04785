// Package broadcast publishes processed payloads to every connection
// subscribed to a channel.
//
// A publish marshals the envelope exactly once and offers the same bytes to
// each subscriber's queue without blocking, so one slow consumer can never
// stall the ingest path or other subscribers. Backpressure policy lives in
// the registry; the broadcaster only reports outcomes.
package broadcast

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linesport/oddstream/message"
	"github.com/linesport/oddstream/metric"
	"github.com/linesport/oddstream/registry"
)

// Broadcaster fans payloads out to channel subscribers
type Broadcaster struct {
	reg    *registry.Registry
	logger *slog.Logger

	metrics *broadcastMetrics
}

type broadcastMetrics struct {
	published *prometheus.CounterVec
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewBroadcaster creates a broadcaster over the given connection registry
func NewBroadcaster(reg *registry.Registry, metricsRegistry *metric.MetricsRegistry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broadcaster{
		reg:    reg,
		logger: logger,
	}

	if metricsRegistry != nil {
		m := &broadcastMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "broadcast",
				Name:      "published_total",
				Help:      "Publish calls by channel",
			}, []string{"channel"}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "broadcast",
				Name:      "delivered_total",
				Help:      "Payloads queued to subscribers by channel",
			}, []string{"channel"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "broadcast",
				Name:      "dropped_total",
				Help:      "Payloads dropped by subscriber backpressure, by channel",
			}, []string{"channel"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "oddstream",
				Subsystem: "broadcast",
				Name:      "fanout_duration_seconds",
				Help:      "Time to offer one payload to all subscribers",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
			}, []string{"channel"}),
		}
		_ = metricsRegistry.RegisterCounterVec("broadcast", "published_total", m.published)
		_ = metricsRegistry.RegisterCounterVec("broadcast", "delivered_total", m.delivered)
		_ = metricsRegistry.RegisterCounterVec("broadcast", "dropped_total", m.dropped)
		_ = metricsRegistry.RegisterHistogramVec("broadcast", "fanout_duration_seconds", m.duration)
		b.metrics = m
	}

	return b
}

// Publish delivers data to all connections subscribed to channel, wrapped in
// an envelope typed by the channel name. Publishing to a channel outside the
// allow-list is a no-op. Returns the number of subscribers the payload was
// queued to.
func (b *Broadcaster) Publish(channel string, data any) int {
	if !b.reg.IsAllowedChannel(channel) {
		b.logger.Debug("publish to unknown channel ignored", "channel", channel)
		return 0
	}

	start := time.Now()
	if b.metrics != nil {
		b.metrics.published.WithLabelValues(channel).Inc()
	}

	env := message.New(channel, data)
	payload, err := env.Encode()
	if err != nil {
		b.logger.Error("broadcast encode failed", "channel", channel, "error", err)
		return 0
	}

	delivered := 0
	dropped := 0
	for _, conn := range b.reg.Subscribers(channel) {
		if b.reg.Offer(conn, payload) {
			delivered++
		} else {
			dropped++
		}
	}

	if b.metrics != nil {
		b.metrics.delivered.WithLabelValues(channel).Add(float64(delivered))
		if dropped > 0 {
			b.metrics.dropped.WithLabelValues(channel).Add(float64(dropped))
		}
		b.metrics.duration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}

	return delivered
}
