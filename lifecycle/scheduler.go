package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/linesport/oddstream/metric"
)

// Scheduler drives time-based lifecycle transitions. Every sweep applies, in
// order: expiry demotion of ACTIVE records, archival candidacy, then the
// configured auto-transition rules. Each mutation goes through the machine's
// TransitionState so the transition table and per-record locking still hold;
// a failed transition is logged and the sweep moves on.
type Scheduler struct {
	machine *StateMachine
	logger  *slog.Logger
	clock   func() time.Time

	interval time.Duration
	registry *metric.MetricsRegistry

	lifecycleMu sync.Mutex
	started     bool
	shutdown    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerClock overrides the time source for sweep decisions.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// WithSchedulerMetrics attaches sweep metrics to the given registry.
func WithSchedulerMetrics(reg *metric.MetricsRegistry) SchedulerOption {
	return func(s *Scheduler) { s.registry = reg }
}

// NewScheduler builds a scheduler over the machine. The sweep interval comes
// from the machine's config; zero falls back to 60s.
func NewScheduler(m *StateMachine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		machine:  m,
		logger:   slog.Default(),
		clock:    m.clock,
		interval: m.cfg.SweepInterval,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = 60 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. It returns immediately; the loop runs until
// Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	s.logger.Info("lifecycle scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return nil
	}
	s.stopOnce.Do(func() { close(s.shutdown) })
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn("scheduler stop timed out", "timeout", timeout)
	}
	s.started = false
	return nil
}

// Sweep runs one full pass over the live index. Exposed so tests and
// operational tooling can trigger a sweep without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()
	now := s.clock()
	recs := s.machine.Snapshot()

	expired, archived, auto := 0, 0, 0
	// A record matched by one rule is done for this sweep; later rules see
	// it again in the next pass with fresh state.
	touched := make(map[string]bool)

	for _, rec := range recs {
		if rec.CurrentState == StateActive && rec.Expired(now) {
			if s.transition(ctx, rec.ID, StateDeprecated, "Metadata expired") {
				expired++
				touched[rec.ID] = true
			}
		}
	}

	cutoff := now.Add(-s.machine.cfg.ArchivalDelay)
	for _, rec := range recs {
		if touched[rec.ID] {
			continue
		}
		if rec.ArchivalCandidate(cutoff) {
			if s.transition(ctx, rec.ID, StateArchiving, "Metadata ready for archival") {
				archived++
				touched[rec.ID] = true
			}
		}
	}

	for _, rec := range recs {
		if touched[rec.ID] {
			continue
		}
		rule, ok := s.machine.cfg.AutoTransitions[rec.CurrentState]
		if !ok || !rule.Enabled {
			continue
		}
		if now.Sub(rec.UpdatedAt) < rule.Cooldown {
			continue
		}
		if s.transition(ctx, rec.ID, rule.TargetState, "Automatic transition: "+rule.Condition) {
			auto++
		}
	}

	if s.registry != nil {
		s.registry.CoreMetrics().RecordSweepDuration(time.Since(start))
		s.registry.CoreMetrics().SetRecordsLive(s.machine.Count())
	}
	if expired+archived+auto > 0 {
		s.logger.Info("sweep complete",
			"expired", expired, "archival", archived, "auto", auto,
			"duration", time.Since(start))
	}
}

// transition applies one scheduler mutation. The snapshot the sweep iterates
// may be stale; TransitionState re-checks state under the record lock, so a
// record mutated since the snapshot simply rejects and gets logged.
func (s *Scheduler) transition(ctx context.Context, id string, target State, reason string) bool {
	res := s.machine.TransitionState(ctx, id, target, reason, ActorSystem, false)
	if !res.Success {
		s.logger.Debug("sweep transition rejected",
			"id", id, "target", target, "errors", res.Errors)
		return false
	}
	return true
}
