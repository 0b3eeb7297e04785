package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linesport/oddstream/config"
	"github.com/linesport/oddstream/lifecycle"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Gateway.Port = 19380
	cfg.Metrics.Enabled = false
	cfg.Storage.Mode = config.StorageModeMemory
	cfg.Pool.Workers = 1
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Mode = "cassandra"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	assert.False(t, e.IsRunning())
}

func TestProcessRequest_NotStarted(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)

	result := e.ProcessRequest(context.Background(), lifecycle.Request{
		Action:     "transition",
		MetadataID: "m1",
	})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not started")

	assert.Nil(t, e.Machine())
	assert.Zero(t, e.GetStats().Total)
}

func TestEngine_StartStop(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.IsRunning())

	// idempotent start
	require.NoError(t, e.Start(context.Background()))

	rec, err := e.Machine().CreateLifecycle(context.Background(), "match-42", "tester")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, rec.CurrentState)

	stats := e.GetStats()
	assert.Equal(t, 1, stats.Total)

	require.NotNil(t, e.GetLifecycle("match-42"))
	assert.Nil(t, e.GetLifecycle("ghost"))
	assert.Len(t, e.GetLifecyclesByState(lifecycle.StateActive), 1)

	status := e.Health()
	assert.True(t, status.IsHealthy(), "health: %+v", status)

	require.NoError(t, e.Stop(5*time.Second))
	assert.False(t, e.IsRunning())

	// idempotent stop
	require.NoError(t, e.Stop(time.Second))
}

func TestEngine_LifecycleRequestsEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Port = 19381
	e, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(5 * time.Second) }()

	ctx := context.Background()
	_, err = e.Machine().CreateLifecycle(ctx, "match-7", "tester")
	require.NoError(t, err)

	result := e.ProcessRequest(ctx, lifecycle.Request{
		Action:      "transition",
		MetadataID:  "match-7",
		TargetState: lifecycle.StateDeprecated,
		Reason:      "season over",
		Actor:       "tester",
	})
	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Equal(t, lifecycle.StateDeprecated, result.NewState)
}

func TestEngine_CustomLifecycleDurations(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Port = 19382
	cfg.Lifecycle.ActiveTimeout = config.Duration(time.Hour)
	cfg.Lifecycle.SweepInterval = config.Duration(time.Second)
	e, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(5 * time.Second) }()

	assert.Equal(t, time.Hour, e.Machine().Config().ActiveTimeout)
	assert.Equal(t, time.Second, e.Machine().Config().SweepInterval)
}
