package controllersvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/parzizou/rdp-fleet/internal/clock"
	"github.com/parzizou/rdp-fleet/internal/fleet"
	"github.com/parzizou/rdp-fleet/internal/metrics"
)

// AgentPruner periodically evicts agents that have stopped heartbeating,
// the Controller-side mirror of the Agent's idle-container reclaimer.
type AgentPruner struct {
	registry *fleet.Registry
	sessions *SessionStore
	clock    clock.Clock
	log      *slog.Logger
	window   time.Duration
	interval time.Duration
}

// NewAgentPruner creates an AgentPruner.
func NewAgentPruner(registry *fleet.Registry, sessions *SessionStore, clk clock.Clock, log *slog.Logger, window, interval time.Duration) *AgentPruner {
	return &AgentPruner{registry: registry, sessions: sessions, clock: clk, log: log, window: window, interval: interval}
}

// Run loops until ctx is cancelled, pruning stale agents and expired
// sessions once per interval.
func (p *AgentPruner) Run(ctx context.Context) {
	for {
		now := p.clock.Now()
		if removed := p.registry.PruneStale(now, p.window); len(removed) > 0 {
			metrics.AgentsPruned.Add(float64(len(removed)))
		}
		if n := p.sessions.PruneExpired(now); n > 0 {
			p.log.Info("pruned expired sessions", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
		}
	}
}
