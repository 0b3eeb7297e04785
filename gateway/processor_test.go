package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linesport/oddstream/metric"
	"github.com/linesport/oddstream/tick"
)

type upperEnricher struct{}

func (upperEnricher) Enrich(_ context.Context, t tick.Tick) (tick.Tick, error) {
	t.Size = t.Size * 2
	return t, nil
}

type failingEnricher struct{}

func (failingEnricher) Enrich(_ context.Context, _ tick.Tick) (tick.Tick, error) {
	return tick.Tick{}, errors.New("enrichment backend down")
}

func TestNewTickProcessor_Defaults(t *testing.T) {
	proc := NewTickProcessor(ProcessorConfig{})
	require.NotNil(t, proc)
	assert.NoError(t, proc(context.Background(), validTick()))
}

func TestNewTickProcessor_EnricherError(t *testing.T) {
	proc := NewTickProcessor(ProcessorConfig{Enricher: failingEnricher{}})
	err := proc(context.Background(), validTick())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrich tick")
}

func TestNewTickProcessor_PipelineMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	proc := NewTickProcessor(ProcessorConfig{Registry: reg})
	require.NoError(t, proc(context.Background(), validTick()))

	core := reg.CoreMetrics()
	assert.Equal(t, 1.0, promtestutil.ToFloat64(core.TicksReceived.WithLabelValues("pinnacle")))

	failing := NewTickProcessor(ProcessorConfig{Registry: reg, Enricher: failingEnricher{}})
	require.Error(t, failing(context.Background(), validTick()))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(core.TicksDropped.WithLabelValues("enrich")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(core.ErrorsTotal.WithLabelValues("processor", "enrich")))
}

func TestIdentityEnricher(t *testing.T) {
	in := validTick()
	out, err := IdentityEnricher{}.Enrich(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNewTickProcessor_CustomEnricher(t *testing.T) {
	proc := NewTickProcessor(ProcessorConfig{Enricher: upperEnricher{}})
	in := tick.Tick{
		Exchange: "draftkings", GameID: "g1", Line: 1.5,
		Timestamp: time.Now(), Size: 100,
	}
	// The processor has no broadcaster here; success means the enricher ran
	// without error.
	assert.NoError(t, proc(context.Background(), in))
}
