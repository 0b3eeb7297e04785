package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared across components.
// Component-specific metrics are registered separately by each component.
type Metrics struct {
	// Pipeline metrics
	TicksReceived   *prometheus.CounterVec
	TicksDropped    *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	// Lifecycle metrics
	TransitionsTotal *prometheus.CounterVec
	RecordsLive      prometheus.Gauge
	SweepDuration    prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TicksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "ingest",
				Name:      "ticks_received_total",
				Help:      "Total number of ticks received",
			},
			[]string{"exchange"},
		),

		TicksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "ingest",
				Name:      "ticks_dropped_total",
				Help:      "Total number of ticks dropped (duplicate, invalid, or overflow)",
			},
			[]string{"reason"},
		),

		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "oddstream",
				Subsystem: "pipeline",
				Name:      "process_duration_seconds",
				Help:      "Tick processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Total number of lifecycle state transitions",
			},
			[]string{"from", "to"},
		),

		RecordsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "oddstream",
				Subsystem: "lifecycle",
				Name:      "records_live",
				Help:      "Number of records in the live lifecycle index",
			},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "oddstream",
				Subsystem: "lifecycle",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of scheduler sweeps in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),
	}
}

// RecordTickReceived increments the received tick counter
func (m *Metrics) RecordTickReceived(exchange string) {
	m.TicksReceived.WithLabelValues(exchange).Inc()
}

// RecordTickDropped increments the dropped tick counter
func (m *Metrics) RecordTickDropped(reason string) {
	m.TicksDropped.WithLabelValues(reason).Inc()
}

// RecordProcessDuration records processing time for one operation
func (m *Metrics) RecordProcessDuration(component, operation string, duration time.Duration) {
	m.ProcessDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordError increments the error counter
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordTransition increments the lifecycle transition counter
func (m *Metrics) RecordTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetRecordsLive sets the live record index gauge
func (m *Metrics) SetRecordsLive(n int) {
	m.RecordsLive.Set(float64(n))
}

// RecordSweepDuration records one scheduler sweep duration
func (m *Metrics) RecordSweepDuration(duration time.Duration) {
	m.SweepDuration.Observe(duration.Seconds())
}
