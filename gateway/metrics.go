package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linesport/oddstream/metric"
)

// Metrics holds Prometheus metrics for the ingest gateway.
type Metrics struct {
	ticksReceived      *prometheus.CounterVec
	ticksRejected      *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		ticksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "gateway",
			Name:      "ticks_received_total",
			Help:      "Ticks accepted from market-data frames",
		}, []string{"exchange"}),

		ticksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "gateway",
			Name:      "ticks_rejected_total",
			Help:      "Ticks rejected before dispatch",
		}, []string{"reason"}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "gateway",
			Name:      "messages_received_total",
			Help:      "Inbound frames by envelope type",
		}, []string{"type"}),

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oddstream",
			Subsystem: "gateway",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "gateway",
			Name:      "client_connections_total",
			Help:      "Total client connections accepted",
		}),

		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "gateway",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oddstream",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Gateway errors",
		}, []string{"error_type"}),
	}

	if err := registry.RegisterCounterVec("gateway", "ticks_received_total", m.ticksReceived); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "ticks_rejected_total", m.ticksRejected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "messages_received_total", m.messagesReceived); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("gateway", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "client_connections_total", m.connectionTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "client_disconnections_total", m.disconnectionTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "errors_total", m.errorsTotal); err != nil {
		return nil, err
	}

	return m, nil
}
