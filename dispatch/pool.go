package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linesport/oddstream/metric"
	"github.com/linesport/oddstream/tick"
)

// Processor handles one tick on a worker goroutine. Errors are counted and
// the tick dropped; they never stop the worker.
type Processor func(context.Context, tick.Tick) error

// Pool dispatches ticks round-robin across a fixed set of workers, each with
// its own queue. A pool with zero workers processes inline on the caller.
type Pool struct {
	// Configuration
	workers   int
	queueSize int
	processor Processor
	logger    *slog.Logger

	// Runtime state
	queues []chan tick.Tick
	next   atomic.Uint64 // round-robin cursor
	wg     *sync.WaitGroup

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	// Metrics
	metrics *poolMetrics
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool
type Option func(*Pool)

// WithMetricsRegistry enables Prometheus metrics on the pool
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(p *Pool) {
		if registry == nil {
			return
		}
		m := &poolMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "oddstream",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Total queued ticks across workers",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "dispatch",
				Name:      "submitted_total",
				Help:      "Ticks submitted to the pool",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "dispatch",
				Name:      "processed_total",
				Help:      "Ticks processed by workers",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "dispatch",
				Name:      "failed_total",
				Help:      "Ticks whose processing returned an error or panicked",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oddstream",
				Subsystem: "dispatch",
				Name:      "dropped_total",
				Help:      "Ticks dropped because a worker queue was full",
			}),
			processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "oddstream",
				Subsystem: "dispatch",
				Name:      "processing_duration_seconds",
				Help:      "Time spent processing ticks",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			}, []string{"status"}),
		}

		// Registration errors only occur on duplicate construction; surface
		// them through the registry's keyed checks.
		_ = registry.RegisterGauge("dispatch", "queue_depth", m.queueDepth)
		_ = registry.RegisterCounter("dispatch", "submitted_total", m.submitted)
		_ = registry.RegisterCounter("dispatch", "processed_total", m.processed)
		_ = registry.RegisterCounter("dispatch", "failed_total", m.failed)
		_ = registry.RegisterCounter("dispatch", "dropped_total", m.dropped)
		_ = registry.RegisterHistogramVec("dispatch", "processing_duration_seconds", m.processingTime)

		p.metrics = m
	}
}

// WithLogger sets the pool's logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a dispatch pool. workers == 0 selects inline mode;
// negative worker counts are treated as zero. A nil processor panics:
// that is a programmer error, not a runtime condition.
func NewPool(workers, queueSize int, processor Processor, opts ...Option) *Pool {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers < 0 {
		workers = 0
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	pool := &Pool{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Workers returns the configured worker count
func (p *Pool) Workers() int {
	return p.workers
}

// Start starts the worker goroutines. Inline pools (zero workers) start
// trivially and only flip lifecycle state.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	p.queues = make([]chan tick.Tick, p.workers)
	for i := 0; i < p.workers; i++ {
		p.queues[i] = make(chan tick.Tick, p.queueSize)
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}

	p.started = true
	return nil
}

// Dispatch routes a tick to a worker queue (round-robin) without blocking.
// A full queue drops the tick and returns ErrQueueFull. In inline mode the
// tick is processed synchronously on the calling goroutine.
func (p *Pool) Dispatch(ctx context.Context, t tick.Tick) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.lifecycleMu.Unlock()
		return ErrPoolStopped
	}
	p.lifecycleMu.Unlock()

	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
	}

	if p.workers == 0 {
		p.process(ctx, t)
		return nil
	}

	q := p.queues[p.next.Add(1)%uint64(p.workers)]
	select {
	case q <- t:
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(p.depth()))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queues and waits for workers to drain within the timeout
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// PoolStats represents dispatch pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: p.depth(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool) depth() int {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return total
}

// worker consumes ticks from its own queue until the queue closes or the
// context is cancelled
func (p *Pool) worker(ctx context.Context, queue chan tick.Tick) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			p.process(ctx, t)
		}
	}
}

// process runs the processor with panic isolation and records the outcome
func (p *Pool) process(ctx context.Context, t tick.Tick) {
	start := time.Now()
	err := p.safeProcess(ctx, t)
	duration := time.Since(start)

	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
		p.logger.Error("tick processing failed",
			"exchange", t.Exchange, "game_id", t.GameID, "error", err)
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		if err != nil {
			p.metrics.failed.Inc()
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// safeProcess converts processor panics into errors so a bad tick cannot
// take down its worker
func (p *Pool) safeProcess(ctx context.Context, t tick.Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return p.processor(ctx, t)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return "processor panic: " + stringify(e.value)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "unknown panic value"
}
