package lifecycle

import "time"

// Stats is an on-demand aggregate over the live index.
type Stats struct {
	Total              int           `json:"total"`
	ByState            map[State]int `json:"byState"`
	AverageAge         time.Duration `json:"averageAge"`
	ExpiredCount       int           `json:"expiredCount"`
	ArchivalCandidates int           `json:"archivalCandidates"`
	TransitionsToday   int           `json:"transitionsToday"`
}

// GetStats performs a full scan of the live index. The scan is linear in the
// record count; callers should treat it as a diagnostic endpoint, not a hot
// path.
func (m *StateMachine) GetStats() Stats {
	now := m.clock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cutoff := now.Add(-m.cfg.ArchivalDelay)

	stats := Stats{ByState: make(map[State]int)}
	var totalAge time.Duration

	for _, e := range m.entries() {
		e.mu.Lock()
		rec := e.rec
		stats.Total++
		stats.ByState[rec.CurrentState]++
		totalAge += rec.Age(now)
		if rec.Expired(now) {
			stats.ExpiredCount++
		}
		if rec.ArchivalCandidate(cutoff) {
			stats.ArchivalCandidates++
		}
		for i := len(rec.Transitions) - 1; i >= 0; i-- {
			if rec.Transitions[i].Timestamp.Before(midnight) {
				break
			}
			stats.TransitionsToday++
		}
		e.mu.Unlock()
	}

	if stats.Total > 0 {
		stats.AverageAge = totalAge / time.Duration(stats.Total)
	}
	return stats
}
