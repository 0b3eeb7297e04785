package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linesport/oddstream/broadcast"
	"github.com/linesport/oddstream/config"
	"github.com/linesport/oddstream/dedup"
	"github.com/linesport/oddstream/dispatch"
	"github.com/linesport/oddstream/errors"
	"github.com/linesport/oddstream/gateway"
	"github.com/linesport/oddstream/health"
	"github.com/linesport/oddstream/lifecycle"
	"github.com/linesport/oddstream/metric"
	"github.com/linesport/oddstream/natsclient"
	"github.com/linesport/oddstream/registry"
	"github.com/linesport/oddstream/store"
	"github.com/linesport/oddstream/store/natskv"
	storeredis "github.com/linesport/oddstream/store/redis"
)

// Engine assembles and runs the full service from one configuration.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	nats        *natsclient.Client
	store       lifecycle.Store
	machine     *lifecycle.StateMachine
	scheduler   *lifecycle.Scheduler
	connReg     *registry.Registry
	broadcaster *broadcast.Broadcaster
	cache       *dedup.Cache
	pool        *dispatch.Pool
	gateway     *gateway.Gateway
	metricSrv   *metric.Server

	enricher gateway.Enricher

	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	running     bool
	runCtx      context.Context
	runCancel   context.CancelFunc
	wg          sync.WaitGroup
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEnricher installs a tick enricher run by every pool worker.
func WithEnricher(enricher gateway.Enricher) Option {
	return func(e *Engine) { e.enricher = enricher }
}

// New creates an engine from configuration. Nothing is connected until
// Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg.Clone(),
		logger:  slog.Default(),
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Metrics.Enabled {
		e.metrics = metric.NewMetricsRegistry()
		e.metricSrv = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, e.metrics)
		e.metricSrv.SetHealthHandler(e.monitor.Handler(cfg.Service.Name))
	}
	return e, nil
}

// Start connects storage, hydrates the lifecycle engine, and opens the
// ingest pipeline. It returns once everything is running.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(context.Background())

	if err := e.start(ctx, runCtx); err != nil {
		cancel()
		e.teardown(5 * time.Second)
		return err
	}

	e.mu.Lock()
	e.running = true
	e.runCtx = runCtx
	e.runCancel = cancel
	e.mu.Unlock()

	e.logger.Info("engine started",
		"gateway_port", e.cfg.Gateway.Port,
		"storage_mode", e.cfg.Storage.Mode,
		"workers", e.cfg.Pool.Workers)
	return nil
}

func (e *Engine) start(ctx, runCtx context.Context) error {
	if err := e.connectStorage(ctx); err != nil {
		return err
	}

	// Lifecycle engine before the pipeline: hydrate existing records,
	// then begin sweeping.
	e.machine = lifecycle.NewStateMachine(e.lifecycleConfig(), e.store,
		lifecycle.WithMachineLogger(e.logger),
		lifecycle.WithMachineMetrics(e.metrics))
	if err := e.machine.Hydrate(ctx); err != nil {
		return errors.Wrap(err, "engine", "start", "hydrate lifecycle records")
	}
	e.monitor.UpdateHealthy("lifecycle", fmt.Sprintf("%d records hydrated", e.machine.Count()))

	e.scheduler = lifecycle.NewScheduler(e.machine,
		lifecycle.WithSchedulerLogger(e.logger),
		lifecycle.WithSchedulerMetrics(e.metrics))
	if err := e.scheduler.Start(runCtx); err != nil {
		return errors.Wrap(err, "engine", "start", "start scheduler")
	}
	e.monitor.UpdateHealthy("scheduler", "sweeping")

	// Pipeline, downstream first.
	e.connReg = registry.NewRegistry(registry.Config{
		QueueSize:                e.cfg.Registry.QueueSize,
		Cooldown:                 e.cfg.Registry.Cooldown.Std(),
		CloseOnBackpressureLimit: e.cfg.Registry.CloseOnBackpressureLimit,
		CloseStreak:              e.cfg.Registry.CloseStreak,
	}, e.metrics, e.logger)
	e.broadcaster = broadcast.NewBroadcaster(e.connReg, e.metrics, e.logger)

	cache, err := dedup.NewCache(runCtx, dedup.Config{
		TTL:             e.cfg.Dedup.TTL.Std(),
		CleanupInterval: e.cfg.Dedup.CleanupInterval.Std(),
	}, e.metrics)
	if err != nil {
		return errors.Wrap(err, "engine", "start", "create dedup cache")
	}
	e.cache = cache

	processor := gateway.NewTickProcessor(gateway.ProcessorConfig{
		Enricher:      e.enricher,
		Broadcaster:   e.broadcaster,
		NATSClient:    e.nats,
		MirrorSubject: e.cfg.NATS.MirrorSubject,
		Logger:        e.logger,
		Registry:      e.metrics,
	})
	e.pool = dispatch.NewPool(e.cfg.Pool.Workers, e.cfg.Pool.QueueSize, processor,
		dispatch.WithMetricsRegistry(e.metrics),
		dispatch.WithLogger(e.logger))
	if err := e.pool.Start(runCtx); err != nil {
		return errors.Wrap(err, "engine", "start", "start dispatch pool")
	}

	gw, err := gateway.New(e.gatewayConfig(), e.connReg, e.cache, e.pool, e.metrics, e.logger)
	if err != nil {
		return errors.Wrap(err, "engine", "start", "create gateway")
	}
	if err := gw.Initialize(); err != nil {
		return err
	}
	if err := gw.Start(runCtx); err != nil {
		return errors.Wrap(err, "engine", "start", "start gateway")
	}
	e.gateway = gw
	e.monitor.UpdateHealthy("gateway", fmt.Sprintf("listening on port %d", e.cfg.Gateway.Port))

	if e.metricSrv != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.metricSrv.Start(); err != nil {
				e.logger.Error("metrics server failed", "error", err)
				e.monitor.Update("metrics", health.NewUnhealthyErr("metrics", err))
			}
		}()
	}
	return nil
}

// connectStorage builds the lifecycle store for the configured mode.
func (e *Engine) connectStorage(ctx context.Context) error {
	// The NATS client serves both the tick mirror and the nats storage
	// mode, so connect whenever a URL is configured.
	if e.cfg.NATS.URL != "" {
		client, err := natsclient.NewClient(e.cfg.NATS.URL,
			natsclient.WithLogger(e.logger),
			natsclient.WithClientName(e.cfg.Service.Name),
			natsclient.WithMaxReconnects(e.cfg.NATS.MaxReconnects),
			natsclient.WithReconnectWait(e.cfg.NATS.ReconnectWait.Std()))
		if err != nil {
			return errors.Wrap(err, "engine", "connectStorage", "create NATS client")
		}
		if err := client.Connect(); err != nil {
			e.monitor.Update("nats", health.NewUnhealthyErr("nats", err))
			return errors.WrapTransient(err, "engine", "connectStorage", "connect to NATS")
		}
		e.nats = client
		e.monitor.UpdateHealthy("nats", "connected")
	}

	switch e.cfg.Storage.Mode {
	case config.StorageModeMemory:
		e.store = store.NewMemory()
		e.monitor.UpdateHealthy("store", "in-memory")
	case config.StorageModeNATS:
		kvStore, err := natskv.NewStore(ctx, e.nats)
		if err != nil {
			e.monitor.Update("store", health.NewUnhealthyErr("store", err))
			return errors.WrapTransient(err, "engine", "connectStorage", "open KV store")
		}
		e.store = kvStore
		e.monitor.UpdateHealthy("store", "NATS KV")
	case config.StorageModeRedis:
		redisStore, err := storeredis.NewStore(storeredis.Config{
			Host:     e.cfg.Redis.Host,
			Port:     e.cfg.Redis.Port,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		})
		if err != nil {
			e.monitor.Update("store", health.NewUnhealthyErr("store", err))
			return errors.WrapTransient(err, "engine", "connectStorage", "connect to Redis")
		}
		e.store = redisStore
		e.monitor.UpdateHealthy("store", "Redis")
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "connectStorage",
			fmt.Sprintf("unknown storage mode %q", e.cfg.Storage.Mode))
	}
	return nil
}

// Stop shuts the service down in dependency order: ingest first, then the
// scheduler, then the pool, and finally storage after a best-effort flush.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.runCancel
	e.runCancel = nil
	e.runCtx = nil
	e.mu.Unlock()

	err := e.teardown(timeout)
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) teardown(timeout time.Duration) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Gateway and scheduler are independent ingest paths; stop them in
	// parallel. The pool must wait until the gateway is down.
	var g errgroup.Group
	if gw := e.gateway; gw != nil {
		g.Go(func() error { return gw.Stop(timeout) })
	}
	if sched := e.scheduler; sched != nil {
		g.Go(func() error { return sched.Stop(timeout) })
	}
	record(g.Wait())
	if e.gateway != nil {
		e.gateway = nil
		e.monitor.Remove("gateway")
	}
	if e.scheduler != nil {
		e.scheduler = nil
		e.monitor.Remove("scheduler")
	}
	if e.pool != nil {
		record(e.pool.Stop(timeout))
		e.pool = nil
	}
	if e.cache != nil {
		e.cache.Close()
		e.cache = nil
	}

	if e.machine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := e.machine.Flush(ctx); err != nil {
			e.logger.Warn("lifecycle flush incomplete", "error", err)
		}
		cancel()
		e.machine = nil
		e.scheduler = nil
		e.monitor.Remove("lifecycle")
	}

	if closer, ok := e.store.(interface{ Close() error }); ok && closer != nil {
		record(closer.Close())
	}
	e.store = nil
	e.monitor.Remove("store")

	if e.nats != nil {
		record(e.nats.Close())
		e.nats = nil
		e.monitor.Remove("nats")
	}
	if e.metricSrv != nil {
		record(e.metricSrv.Stop())
	}
	return firstErr
}

// IsRunning reports whether Start has completed and Stop has not.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Machine exposes the lifecycle state machine. Nil until Start.
func (e *Engine) Machine() *lifecycle.StateMachine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine
}

// ProcessRequest runs a lifecycle action through the state machine.
func (e *Engine) ProcessRequest(ctx context.Context, req lifecycle.Request) lifecycle.Result {
	m := e.Machine()
	if m == nil {
		return lifecycle.Result{
			Success: false,
			Errors:  []string{"engine not started"},
		}
	}
	return m.ProcessRequest(ctx, req)
}

// GetLifecycle returns a copy of one record, or nil when unknown or the
// engine is not started.
func (e *Engine) GetLifecycle(id string) *lifecycle.Record {
	m := e.Machine()
	if m == nil {
		return nil
	}
	return m.GetLifecycle(id)
}

// GetLifecyclesByState returns copies of all records in the given state.
func (e *Engine) GetLifecyclesByState(state lifecycle.State) []*lifecycle.Record {
	m := e.Machine()
	if m == nil {
		return nil
	}
	return m.GetLifecyclesByState(state)
}

// GetStats returns lifecycle aggregate statistics.
func (e *Engine) GetStats() lifecycle.Stats {
	m := e.Machine()
	if m == nil {
		return lifecycle.Stats{}
	}
	return m.GetStats()
}

// Health returns the aggregated system status.
func (e *Engine) Health() health.Status {
	return e.monitor.AggregateHealth(e.cfg.Service.Name)
}

// Monitor exposes the health monitor so components can self-report.
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

func (e *Engine) lifecycleConfig() lifecycle.Config {
	cfg := lifecycle.DefaultConfig()
	if d := e.cfg.Lifecycle.ActiveTimeout.Std(); d > 0 {
		cfg.ActiveTimeout = d
	}
	if d := e.cfg.Lifecycle.ValidationInterval.Std(); d > 0 {
		cfg.ValidationInterval = d
	}
	if d := e.cfg.Lifecycle.ArchivalDelay.Std(); d > 0 {
		cfg.ArchivalDelay = d
	}
	if d := e.cfg.Lifecycle.DeletionDelay.Std(); d > 0 {
		cfg.DeletionDelay = d
	}
	if d := e.cfg.Lifecycle.SweepInterval.Std(); d > 0 {
		cfg.SweepInterval = d
	}
	return cfg
}

func (e *Engine) gatewayConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.Port = e.cfg.Gateway.Port
	cfg.Path = e.cfg.Gateway.Path
	if d := e.cfg.Gateway.PingInterval.Std(); d > 0 {
		cfg.PingInterval = d
	}
	if d := e.cfg.Gateway.ReadTimeout.Std(); d > 0 {
		cfg.ReadTimeout = d
	}
	if d := e.cfg.Gateway.WriteTimeout.Std(); d > 0 {
		cfg.WriteTimeout = d
	}
	return cfg
}
