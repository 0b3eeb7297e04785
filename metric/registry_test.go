package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linesport/oddstream/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())

	// Core metrics must be gatherable without error
	_, err := registry.PrometheusRegistry().Gather()
	assert.NoError(t, err)
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("dedup", "test_counter_total", counter)
	require.NoError(t, err)

	// Same key again must be rejected
	err = registry.RegisterCounter("dedup", "test_counter_total", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_DifferentComponentsSameName(t *testing.T) {
	registry := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oddstream", Subsystem: "a", Name: "ops_total", Help: "h",
	})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oddstream", Subsystem: "b", Name: "ops_total", Help: "h",
	})

	require.NoError(t, registry.RegisterCounter("a", "ops_total", c1))
	require.NoError(t, registry.RegisterCounter("b", "ops_total", c2))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test gauge",
	})

	require.NoError(t, registry.RegisterGauge("broadcast", "test_gauge", gauge))
	assert.True(t, registry.Unregister("broadcast", "test_gauge"))
	assert.False(t, registry.Unregister("broadcast", "test_gauge"))

	// Can re-register after unregister
	require.NoError(t, registry.RegisterGauge("broadcast", "test_gauge", gauge))
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordTickReceived("draftkings")
	core.RecordTickDropped("duplicate")
	core.RecordError("gateway", "parse")
	core.RecordTransition("ACTIVE", "ARCHIVING")

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	assert.True(t, found["oddstream_ingest_ticks_received_total"])
	assert.True(t, found["oddstream_ingest_ticks_dropped_total"])
	assert.True(t, found["oddstream_errors_total"])
	assert.True(t, found["oddstream_lifecycle_transitions_total"])
}
