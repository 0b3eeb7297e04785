package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linesport/oddstream/metric"
)

const (
	actionTransition = "transition"
	actionExtend     = "extend"
	actionArchive    = "archive"
	actionDelete     = "delete"
	actionRestore    = "restore"

	// ActorSystem marks scheduler-initiated mutations.
	ActorSystem = "system"
)

type entry struct {
	mu  sync.Mutex
	rec *Record
}

// StateMachine owns the live record index and enforces the transition table.
// All mutations on a record happen under that record's lock.
type StateMachine struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	records map[string]*entry

	metrics *machineMetrics
}

type machineMetrics struct {
	registry *metric.MetricsRegistry
}

// MachineOption configures a StateMachine.
type MachineOption func(*StateMachine)

// WithClock overrides the time source. Tests use this to drive expiry and
// archival deadlines deterministically.
func WithClock(clock func() time.Time) MachineOption {
	return func(m *StateMachine) { m.clock = clock }
}

// WithMachineLogger sets the machine's logger.
func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *StateMachine) { m.logger = l }
}

// WithMachineMetrics attaches transition counters to the given registry.
func WithMachineMetrics(reg *metric.MetricsRegistry) MachineOption {
	return func(m *StateMachine) {
		if reg != nil {
			m.metrics = &machineMetrics{registry: reg}
		}
	}
}

// NewStateMachine builds a machine over the given store. A nil store panics;
// use store.NewMemory for stateless deployments.
func NewStateMachine(cfg Config, st Store, opts ...MachineOption) *StateMachine {
	if st == nil {
		panic("lifecycle: nil store")
	}
	m := &StateMachine{
		cfg:     cfg,
		store:   st,
		logger:  slog.Default(),
		clock:   time.Now,
		records: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hydrate loads every persisted record into the live index. Called once at
// startup before the scheduler starts.
func (m *StateMachine) Hydrate(ctx context.Context) error {
	recs, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("statemachine.Hydrate: load failed: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.records[r.ID] = &entry{rec: r}
	}
	m.logger.Info("lifecycle index hydrated", "records", len(recs))
	return nil
}

// CreateLifecycle creates a new record and immediately auto-activates it.
// The returned record has version 2: the creation entry plus the activation
// transition. An empty id gets a generated UUID. No expiry deadline is set
// at creation; one appears only through an extend request.
func (m *StateMachine) CreateLifecycle(ctx context.Context, id, actor string) (*Record, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if actor == "" {
		actor = ActorSystem
	}
	now := m.clock()
	rec := &Record{
		ID:             id,
		CurrentState:   StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Version:        1,
		History: []HistoryEntry{{
			Version:   1,
			Timestamp: now,
			State:     StateCreated,
			Changes: []Change{{
				Field:      "currentState",
				NewValue:   string(StateCreated),
				ChangeType: "created",
			}},
			Reason: "Metadata created",
			Actor:  actor,
		}},
		Transitions: []Transition{{
			To:        StateCreated,
			Timestamp: now,
			Reason:    "Metadata created",
			Actor:     actor,
		}},
	}

	m.mu.Lock()
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("statemachine.CreateLifecycle: record %s already exists", id)
	}
	m.records[id] = &entry{rec: rec}
	m.mu.Unlock()

	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Warn("create persist failed", "id", id, "error", err)
	}

	res := m.TransitionState(ctx, id, StateActive, "Auto-activation", actor, false)
	if !res.Success {
		// CREATED -> ACTIVE is always in the table; this only trips on a
		// caller-supplied config that removed it.
		return nil, fmt.Errorf("statemachine.CreateLifecycle: activation failed: %v", res.Errors)
	}
	return m.GetLifecycle(id), nil
}

// TransitionState moves a record to target if the transition table allows
// it, or unconditionally when force is set. DELETED is terminal: no target
// is reachable from it, force included. The record's history, transition
// log, and version advance atomically under the record lock.
func (m *StateMachine) TransitionState(ctx context.Context, id string, target State, reason, actor string, force bool) Result {
	e := m.lookup(id)
	if e == nil {
		return failure("", "Metadata not found: "+id)
	}
	if actor == "" {
		actor = ActorSystem
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec
	from := rec.CurrentState

	if from == StateDeleted || (!force && !m.cfg.Allowed(from, target)) {
		return failure(from, fmt.Sprintf("Transition from %s to %s is not allowed", from, target))
	}

	now := m.clock()
	tr := Transition{From: from, To: target, Timestamp: now, Reason: reason, Actor: actor}
	rec.Transitions = append(rec.Transitions, tr)
	rec.Version++
	rec.History = append(rec.History, HistoryEntry{
		Version:   rec.Version,
		Timestamp: now,
		State:     target,
		Changes: []Change{{
			Field:      "currentState",
			OldValue:   string(from),
			NewValue:   string(target),
			ChangeType: "state_transition",
		}},
		Reason: reason,
		Actor:  actor,
	})
	rec.CurrentState = target
	rec.UpdatedAt = now
	rec.LastAccessedAt = now

	res := Result{Success: true, OldState: from, NewState: target, Transition: &tr}

	if err := m.store.Save(ctx, rec); err != nil {
		res.Warnings = append(res.Warnings, "persist failed: "+err.Error())
		m.logger.Warn("transition persist failed", "id", id, "error", err)
	}
	if m.metrics != nil {
		m.metrics.registry.CoreMetrics().RecordTransition(string(from), string(target))
	}
	m.logger.Debug("state transition",
		"id", id, "from", from, "to", target, "actor", actor, "reason", reason)
	return res
}

// ProcessRequest routes an external lifecycle request to its operation.
// Unknown actions and rule violations come back as failed Results.
func (m *StateMachine) ProcessRequest(ctx context.Context, req Request) Result {
	switch req.Action {
	case actionTransition:
		return m.TransitionState(ctx, req.MetadataID, req.TargetState, req.Reason, req.Actor, req.Force)
	case actionExtend:
		return m.extend(ctx, req)
	case actionArchive:
		return m.TransitionState(ctx, req.MetadataID, StateArchiving, orDefault(req.Reason, "Archive requested"), req.Actor, req.Force)
	case actionDelete:
		return m.deleteRecord(ctx, req)
	case actionRestore:
		return m.restore(ctx, req)
	default:
		return failure("", "Unknown action: "+req.Action)
	}
}

// extend pushes the expiry deadline forward by ActiveTimeout without
// touching state, version, or history.
func (m *StateMachine) extend(ctx context.Context, req Request) Result {
	e := m.lookup(req.MetadataID)
	if e == nil {
		return failure("", "Metadata not found: "+req.MetadataID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec
	now := m.clock()
	base := now
	if rec.ExpiresAt != nil && rec.ExpiresAt.After(now) {
		base = *rec.ExpiresAt
	}
	exp := base.Add(m.cfg.ActiveTimeout)
	rec.ExpiresAt = &exp
	rec.LastAccessedAt = now

	res := Result{Success: true, OldState: rec.CurrentState, NewState: rec.CurrentState}
	if err := m.store.Save(ctx, rec); err != nil {
		res.Warnings = append(res.Warnings, "persist failed: "+err.Error())
	}
	return res
}

func (m *StateMachine) deleteRecord(ctx context.Context, req Request) Result {
	e := m.lookup(req.MetadataID)
	if e == nil {
		return failure("", "Metadata not found: "+req.MetadataID)
	}
	e.mu.Lock()
	state := e.rec.CurrentState
	e.mu.Unlock()

	if state != StateArchived && !req.Force {
		return failure(state, "Cannot delete metadata from non-archived state")
	}

	res := m.TransitionState(ctx, req.MetadataID, StateDeleted,
		orDefault(req.Reason, "Metadata deleted"), req.Actor, req.Force)
	if !res.Success {
		return res
	}

	m.mu.Lock()
	delete(m.records, req.MetadataID)
	m.mu.Unlock()
	if err := m.store.Delete(ctx, req.MetadataID); err != nil {
		res.Warnings = append(res.Warnings, "store delete failed: "+err.Error())
		m.logger.Warn("record delete failed", "id", req.MetadataID, "error", err)
	}
	return res
}

func (m *StateMachine) restore(ctx context.Context, req Request) Result {
	e := m.lookup(req.MetadataID)
	if e == nil {
		return failure("", "Metadata not found: "+req.MetadataID)
	}
	e.mu.Lock()
	state := e.rec.CurrentState
	e.mu.Unlock()

	if state != StateArchived {
		return failure(state, "Only archived metadata can be restored")
	}
	return m.TransitionState(ctx, req.MetadataID, StateActive,
		orDefault(req.Reason, "Metadata restored"), req.Actor, false)
}

// GetLifecycle returns a deep copy of the record, or nil when unknown.
func (m *StateMachine) GetLifecycle(id string) *Record {
	e := m.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// GetLifecyclesByState returns copies of every record currently in state.
func (m *StateMachine) GetLifecyclesByState(state State) []*Record {
	var out []*Record
	for _, e := range m.entries() {
		e.mu.Lock()
		if e.rec.CurrentState == state {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// UpdateAccessTime bumps lastAccessedAt without any other mutation.
func (m *StateMachine) UpdateAccessTime(id string) bool {
	e := m.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.rec.LastAccessedAt = m.clock()
	e.mu.Unlock()
	return true
}

// Snapshot returns copies of every live record.
func (m *StateMachine) Snapshot() []*Record {
	entries := m.entries()
	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.Clone())
		e.mu.Unlock()
	}
	return out
}

// Count returns the live record count.
func (m *StateMachine) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Flush persists the whole live index in one batch. Used during shutdown;
// failures are logged and returned but never retried here.
func (m *StateMachine) Flush(ctx context.Context) error {
	recs := m.Snapshot()
	if len(recs) == 0 {
		return nil
	}
	if err := m.store.UpdateMultiple(ctx, recs); err != nil {
		m.logger.Error("index flush failed", "records", len(recs), "error", err)
		return fmt.Errorf("statemachine.Flush: batch persist failed: %w", err)
	}
	m.logger.Info("index flushed", "records", len(recs))
	return nil
}

// Config returns the machine's configuration.
func (m *StateMachine) Config() Config { return m.cfg }

func (m *StateMachine) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

func (m *StateMachine) entries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.records))
	for _, e := range m.records {
		out = append(out, e)
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
