package stream

import (
	"sort"
	"sync"
	"sync/atomic"
)

// RegistryTotals aggregates session counts across a server's lifetime.
type RegistryTotals struct {
	Active    int    `json:"active"`
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Registry tracks the live sessions a server owns. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session that is about to run.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	r.started.Add(1)
}

// Remove unregisters a finished session and records its terminal
// state in the totals.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()

	if s.State() == StateFailed {
		r.failed.Add(1)
	} else {
		r.completed.Add(1)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns stats for every live session, oldest first.
func (r *Registry) Snapshot() []SessionStats {
	r.mu.RLock()
	out := make([]SessionStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Totals returns aggregate counts including sessions that already
// finished.
func (r *Registry) Totals() RegistryTotals {
	return RegistryTotals{
		Active:    r.Len(),
		Started:   r.started.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
	}
}
