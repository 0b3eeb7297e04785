package lifecycle

import (
	"context"
	"fmt"
	"time"
)

// State is a lifecycle state. States are persisted as their string form, so
// the values are stable and must not be renumbered or renamed.
type State string

const (
	StateCreated    State = "CREATED"
	StateActive     State = "ACTIVE"
	StateUpdating   State = "UPDATING"
	StateValidating State = "VALIDATING"
	StateDeprecated State = "DEPRECATED"
	StateArchiving  State = "ARCHIVING"
	StateArchived   State = "ARCHIVED"
	StateDeleted    State = "DELETED"
)

// AllStates lists every lifecycle state in progression order.
var AllStates = []State{
	StateCreated, StateActive, StateUpdating, StateValidating,
	StateDeprecated, StateArchiving, StateArchived, StateDeleted,
}

// ParseState converts a string into a State, rejecting unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("lifecycle.ParseState: unknown state %q", s)
}

// Change records a single field mutation inside a history entry.
type Change struct {
	Field      string `json:"field"`
	OldValue   string `json:"oldValue"`
	NewValue   string `json:"newValue"`
	ChangeType string `json:"changeType"`
}

// HistoryEntry is one versioned snapshot of a record's evolution. Versions
// are strictly increasing and dense: entry N carries version N+1 when
// counting from the creation entry at version 1.
type HistoryEntry struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
	Changes   []Change  `json:"changes"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
}

// Transition records one state change. The genesis transition has an empty
// From state.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
}

// Record is a full lifecycle record. The last history entry's state and the
// last transition's To always equal CurrentState, and Version always equals
// len(History).
type Record struct {
	ID             string         `json:"id"`
	CurrentState   State          `json:"currentState"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
	Version        int            `json:"version"`
	History        []HistoryEntry `json:"history"`
	Transitions    []Transition   `json:"transitions"`
}

// Clone returns a deep copy safe to hand to callers outside the machine's
// locks.
func (r *Record) Clone() *Record {
	c := *r
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		c.ExpiresAt = &exp
	}
	c.History = make([]HistoryEntry, len(r.History))
	for i, h := range r.History {
		c.History[i] = h
		c.History[i].Changes = append([]Change(nil), h.Changes...)
	}
	c.Transitions = append([]Transition(nil), r.Transitions...)
	return &c
}

// Age reports how long the record has existed as of now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Expired reports whether the record carries an expiry that has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// ArchivalCandidate reports whether an ACTIVE record is old or idle enough
// to archive. Creation age and idle time trigger independently, so recent
// access does not save a record past the cutoff.
func (r *Record) ArchivalCandidate(cutoff time.Time) bool {
	return r.CurrentState == StateActive &&
		(r.CreatedAt.Before(cutoff) || r.LastAccessedAt.Before(cutoff))
}

// Result is the outcome of a lifecycle operation. Business-rule rejections
// populate Errors with Success false; they are never surfaced as Go errors.
type Result struct {
	Success    bool        `json:"success"`
	OldState   State       `json:"oldState,omitempty"`
	NewState   State       `json:"newState,omitempty"`
	Transition *Transition `json:"transition,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
	Errors     []string    `json:"errors,omitempty"`
}

func failure(old State, msgs ...string) Result {
	return Result{Success: false, OldState: old, NewState: old, Errors: msgs}
}

// Request is an external lifecycle operation routed through ProcessRequest.
type Request struct {
	Action      string `json:"action"`
	MetadataID  string `json:"metadataId"`
	TargetState State  `json:"targetState,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// AutoTransitionRule drives scheduler-initiated transitions out of a given
// state once Condition's check holds and the record has sat in the state for
// at least Cooldown.
type AutoTransitionRule struct {
	Condition   string        `yaml:"condition" json:"condition"`
	TargetState State         `yaml:"targetState" json:"targetState"`
	Cooldown    time.Duration `yaml:"cooldown" json:"cooldown"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
}

// Config carries the lifecycle engine's tunables.
type Config struct {
	ActiveTimeout      time.Duration `yaml:"activeTimeout" json:"activeTimeout"`
	ValidationInterval time.Duration `yaml:"validationInterval" json:"validationInterval"`
	ArchivalDelay      time.Duration `yaml:"archivalDelay" json:"archivalDelay"`
	DeletionDelay      time.Duration `yaml:"deletionDelay" json:"deletionDelay"`
	SweepInterval      time.Duration `yaml:"sweepInterval" json:"sweepInterval"`

	AllowedTransitions map[State][]State            `yaml:"allowedTransitions" json:"allowedTransitions"`
	AutoTransitions    map[State]AutoTransitionRule `yaml:"autoTransitions" json:"autoTransitions"`
}

// DefaultConfig returns the standard transition table and timing defaults.
// DELETED deliberately has no outgoing transitions.
func DefaultConfig() Config {
	return Config{
		ActiveTimeout:      24 * time.Hour,
		ValidationInterval: 6 * time.Hour,
		ArchivalDelay:      7 * 24 * time.Hour,
		DeletionDelay:      30 * 24 * time.Hour,
		SweepInterval:      60 * time.Second,
		AllowedTransitions: map[State][]State{
			StateCreated:    {StateActive, StateDeleted},
			StateActive:     {StateUpdating, StateValidating, StateDeprecated, StateArchiving},
			StateUpdating:   {StateActive, StateDeprecated},
			StateValidating: {StateActive, StateDeprecated},
			StateDeprecated: {StateArchiving, StateDeleted},
			StateArchiving:  {StateArchived, StateActive},
			StateArchived:   {StateActive, StateDeleted},
			StateDeleted:    {},
		},
		AutoTransitions: map[State]AutoTransitionRule{
			StateArchiving: {
				Condition:   "archival_complete",
				TargetState: StateArchived,
				Cooldown:    time.Hour,
				Enabled:     true,
			},
		},
	}
}

// Allowed reports whether from -> to appears in the transition table.
func (c *Config) Allowed(from, to State) bool {
	for _, s := range c.AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StoreStats is a coarse census of what a store holds.
type StoreStats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"byState"`
}

// Store persists lifecycle records. Implementations must tolerate concurrent
// calls; the machine serializes per record but not across records. The Find
// methods take the reference time as an argument so stores never need their
// own clock.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*Record, error)
	UpdateMultiple(ctx context.Context, recs []*Record) error
	FindByState(ctx context.Context, state State) ([]*Record, error)
	FindExpired(ctx context.Context, now time.Time) ([]*Record, error)
	FindArchivalCandidates(ctx context.Context, cutoff time.Time) ([]*Record, error)
	GetStats(ctx context.Context) (StoreStats, error)
}
