package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStats_Empty(t *testing.T) {
	m, _, _ := newTestMachine(t)

	stats := m.GetStats()
	assert.Zero(t, stats.Total)
	assert.Empty(t, stats.ByState)
	assert.Zero(t, stats.AverageAge)
}

func TestGetStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActiveTimeout = time.Hour
	clk := newFakeClock()
	m := NewStateMachine(cfg, newFakeStore(), WithClock(clk.Now))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.CreateLifecycle(ctx, id, "tester")
		require.NoError(t, err)
		require.True(t, m.ProcessRequest(ctx, Request{Action: "extend", MetadataID: id, Actor: "tester"}).Success)
	}
	require.True(t, m.TransitionState(ctx, "c", StateDeprecated, "", "ops", false).Success)

	clk.Advance(2 * time.Hour)

	stats := m.GetStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByState[StateActive])
	assert.Equal(t, 1, stats.ByState[StateDeprecated])
	assert.Equal(t, 2*time.Hour, stats.AverageAge)
	// All three carry a one-hour expiry that is now two hours in the past.
	assert.Equal(t, 3, stats.ExpiredCount)
}

func TestGetStats_ArchivalCandidates(t *testing.T) {
	cfg := DefaultConfig()
	clk := newFakeClock()
	m := NewStateMachine(cfg, newFakeStore(), WithClock(clk.Now))
	ctx := context.Background()

	_, err := m.CreateLifecycle(ctx, "idle", "tester")
	require.NoError(t, err)
	_, err = m.CreateLifecycle(ctx, "aged", "tester")
	require.NoError(t, err)

	clk.Advance(cfg.ArchivalDelay + time.Hour)
	// Access keeps the idle clock fresh but not the creation age: both old
	// records count. The record created after the cutoff does not.
	require.True(t, m.UpdateAccessTime("aged"))
	_, err = m.CreateLifecycle(ctx, "fresh", "tester")
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 2, stats.ArchivalCandidates)
}

func TestGetStats_TransitionsToday(t *testing.T) {
	m, _, clk := newTestMachine(t)
	ctx := context.Background()

	// Two transitions yesterday (create + activate).
	_, err := m.CreateLifecycle(ctx, "rec-1", "tester")
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	require.True(t, m.TransitionState(ctx, "rec-1", StateUpdating, "", "tester", false).Success)
	require.True(t, m.TransitionState(ctx, "rec-1", StateActive, "", "tester", false).Success)

	stats := m.GetStats()
	assert.Equal(t, 2, stats.TransitionsToday)
}
