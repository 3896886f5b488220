package fleet

import (
	"log/slog"
	"sync"
	"time"
)

// Registry tracks the fleet of agents under a single lock. It is purely
// in-memory: agents re-announce themselves on every heartbeat, so nothing
// needs to survive a Controller restart.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	log    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		log:    log,
	}
}

// Upsert records a heartbeat or /info snapshot for an agent, stamping
// LastSeen at the given time. Replaces any prior record for the same
// agent_id wholesale.
func (r *Registry) Upsert(a Agent, now time.Time) {
	a.LastSeen = now

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.AgentID] = a
}

// Get returns the current snapshot for one agent.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Online returns a snapshot of every agent last seen within window of now.
// The returned slice is safe to use after the lock is released.
func (r *Registry) Online(now time.Time, window time.Duration) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if now.Sub(a.LastSeen) <= window {
			out = append(out, a)
		}
	}
	return out
}

// All returns a snapshot of every known agent, online or not, for
// diagnostics endpoints.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// PruneStale removes agents not seen within window of now and returns the
// agent_ids removed, for logging by the caller's background loop.
func (r *Registry) PruneStale(now time.Time, window time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, a := range r.agents {
		if now.Sub(a.LastSeen) > window {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 && r.log != nil {
		r.log.Info("pruned stale agents", "count", len(removed), "agent_ids", removed)
	}
	return removed
}
