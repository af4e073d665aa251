package scheduler

import "time"

// StepStats aggregates one step (or cleanup pass) across ticks.
type StepStats struct {
	Runs         int       `json:"runs"`
	Failures     int       `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at,omitzero"`
	LastDuration string    `json:"last_duration,omitempty"`
}

// Stats aggregates every tick since the scheduler was created.
type Stats struct {
	Ticks        int                   `json:"ticks"`
	LastTickAt   time.Time             `json:"last_tick_at,omitzero"`
	LastDuration string                `json:"last_duration,omitempty"`
	TotalExpired int                   `json:"total_expired"`
	IdleThoughts int                   `json:"idle_thoughts"`
	Steps        map[string]*StepStats `json:"steps"`
	Passes       map[string]*StepStats `json:"passes"`
}

func newStats() Stats {
	return Stats{
		Steps:  make(map[string]*StepStats),
		Passes: make(map[string]*StepStats),
	}
}

func (st *Stats) record(r *Report, elapsed time.Duration) {
	st.Ticks++
	st.LastTickAt = r.StartedAt
	st.LastDuration = elapsed.Round(time.Millisecond).String()
	st.TotalExpired += r.Expired()

	for _, o := range r.Steps {
		ss := entry(st.Steps, o.Step)
		ss.Runs++
		ss.LastDuration = o.Duration.String()
		if o.Err != nil {
			ss.Failures++
			ss.LastError = o.Err.Error()
			ss.LastErrorAt = r.StartedAt
		}
	}
	for _, sr := range r.Scopes {
		if sr.IdleThought != "" {
			st.IdleThoughts++
		}
		if sr.Cleanup == nil {
			continue
		}
		for _, p := range sr.Cleanup.Passes {
			ps := entry(st.Passes, string(p.Pass))
			ps.Runs++
			ps.LastDuration = p.Duration
			if p.Err != nil {
				ps.Failures++
				ps.LastError = p.Err.Error()
				ps.LastErrorAt = r.StartedAt
			}
		}
	}
}

func entry(m map[string]*StepStats, key string) *StepStats {
	if s, ok := m[key]; ok {
		return s
	}
	s := &StepStats{}
	m[key] = s
	return s
}

// Stats returns a copy of the aggregated statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.stats
	out.Steps = make(map[string]*StepStats, len(s.stats.Steps))
	for k, v := range s.stats.Steps {
		c := *v
		out.Steps[k] = &c
	}
	out.Passes = make(map[string]*StepStats, len(s.stats.Passes))
	for k, v := range s.stats.Passes {
		c := *v
		out.Passes[k] = &c
	}
	return out
}
