package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linesport/oddstream/tick"
)

func testTick(id int) tick.Tick {
	return tick.Tick{
		Exchange:  "A",
		GameID:    fmt.Sprintf("G%d", id),
		Line:      1.5,
		Timestamp: time.Now(),
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic for nil processor")
		}
	}()
	NewPool(5, 100, nil)
}

func TestPool_StartStop(t *testing.T) {
	var processedCount atomic.Int64
	processor := func(_ context.Context, _ tick.Tick) error {
		processedCount.Add(1)
		return nil
	}

	pool := NewPool(2, 10, processor)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	// Can't start twice
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Dispatch(ctx, testTick(i)))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(5), processedCount.Load())

	// Dispatch after stop is rejected
	assert.ErrorIs(t, pool.Dispatch(ctx, testTick(9)), ErrPoolStopped)
}

func TestPool_DispatchBeforeStart(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, tick.Tick) error { return nil })
	err := pool.Dispatch(context.Background(), testTick(1))
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestPool_InlineMode(t *testing.T) {
	// Zero workers processes synchronously on the caller's goroutine
	var order []string
	processor := func(_ context.Context, tk tick.Tick) error {
		order = append(order, tk.GameID)
		return nil
	}

	pool := NewPool(0, 0, processor)
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Dispatch(ctx, testTick(i)))
	}

	// No draining needed: everything already ran inline
	assert.Equal(t, []string{"G0", "G1", "G2"}, order)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_QueueFullDrops(t *testing.T) {
	block := make(chan struct{})
	processor := func(_ context.Context, _ tick.Tick) error {
		<-block
		return nil
	}

	pool := NewPool(1, 1, processor)
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	defer func() {
		close(block)
		_ = pool.Stop(time.Second)
	}()

	// First tick occupies the worker, second fills the queue; eventually
	// a dispatch must report a full queue.
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := pool.Dispatch(ctx, testTick(i)); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull, "expected ErrQueueFull once worker and queue are saturated")
	assert.Positive(t, pool.Stats().Dropped)
}

func TestPool_FailureIsolation(t *testing.T) {
	var processed atomic.Int64
	processor := func(_ context.Context, tk tick.Tick) error {
		processed.Add(1)
		if tk.GameID == "G1" {
			return fmt.Errorf("bad tick")
		}
		if tk.GameID == "G2" {
			panic("exploding tick")
		}
		return nil
	}

	pool := NewPool(1, 16, processor)
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Dispatch(ctx, testTick(i)))
	}

	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Processed, "worker must survive errors and panics")
	assert.Equal(t, int64(2), stats.Failed)
}

func TestPool_ConcurrentDispatch(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(4, 1024, func(_ context.Context, _ tick.Tick) error {
		processed.Add(1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = pool.Dispatch(ctx, testTick(i))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, pool.Stats().Submitted-pool.Stats().Dropped, processed.Load())
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 4, func(_ context.Context, _ tick.Tick) error {
		<-block
		return nil
	})

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Dispatch(ctx, testTick(1)))

	err := pool.Stop(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
	close(block)
}

func TestPool_StopIdempotent(t *testing.T) {
	pool := NewPool(1, 4, func(context.Context, tick.Tick) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}
