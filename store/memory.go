package store

import (
	"context"
	"sync"
	"time"

	"github.com/linesport/oddstream/errors"
	"github.com/linesport/oddstream/lifecycle"
)

// Memory is a map-backed lifecycle store. Records are cloned on the way in
// and out, so callers never share memory with the store.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]*lifecycle.Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]*lifecycle.Record)}
}

// Save stores a copy of rec, replacing any previous version.
func (m *Memory) Save(_ context.Context, rec *lifecycle.Record) error {
	if rec == nil || rec.ID == "" {
		return errors.WrapInvalid(nil, "memorystore", "Save", "record must have an ID")
	}
	m.mu.Lock()
	m.recs[rec.ID] = rec.Clone()
	m.mu.Unlock()
	return nil
}

// Load returns a copy of the record with the given id.
func (m *Memory) Load(_ context.Context, id string) (*lifecycle.Record, error) {
	m.mu.RLock()
	rec, ok := m.recs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.WrapNotFound("memorystore", "Load", id)
	}
	return rec.Clone(), nil
}

// Delete removes the record. Deleting an unknown id is not an error.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

// LoadAll returns copies of every stored record.
func (m *Memory) LoadAll(_ context.Context) ([]*lifecycle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*lifecycle.Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// UpdateMultiple stores copies of all records in one call.
func (m *Memory) UpdateMultiple(_ context.Context, recs []*lifecycle.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if rec == nil || rec.ID == "" {
			return errors.WrapInvalid(nil, "memorystore", "UpdateMultiple", "record must have an ID")
		}
		m.recs[rec.ID] = rec.Clone()
	}
	return nil
}

// FindByState returns copies of every record in the given state.
func (m *Memory) FindByState(_ context.Context, state lifecycle.State) ([]*lifecycle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*lifecycle.Record
	for _, rec := range m.recs {
		if rec.CurrentState == state {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// FindExpired returns copies of every record whose expiry has passed.
func (m *Memory) FindExpired(_ context.Context, now time.Time) ([]*lifecycle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*lifecycle.Record
	for _, rec := range m.recs {
		if rec.Expired(now) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// FindArchivalCandidates returns copies of every ACTIVE record created or
// last accessed before the cutoff.
func (m *Memory) FindArchivalCandidates(_ context.Context, cutoff time.Time) ([]*lifecycle.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*lifecycle.Record
	for _, rec := range m.recs {
		if rec.ArchivalCandidate(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// GetStats counts stored records per state.
func (m *Memory) GetStats(_ context.Context) (lifecycle.StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := lifecycle.StoreStats{ByState: make(map[lifecycle.State]int)}
	for _, rec := range m.recs {
		stats.Total++
		stats.ByState[rec.CurrentState]++
	}
	return stats, nil
}

// Len returns the stored record count.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}
