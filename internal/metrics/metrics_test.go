package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	PlacementsTotal.WithLabelValues("ok")
	ReclamationsTotal.WithLabelValues("idle")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"rdpfleet_placements_total":          false,
		"rdpfleet_dispatch_fallbacks_total":  false,
		"rdpfleet_dispatch_failures_total":   false,
		"rdpfleet_dispatch_duration_seconds": false,
		"rdpfleet_reclamations_total":        false,
		"rdpfleet_port_allocation_attempts":  false,
		"rdpfleet_heartbeats_accepted_total": false,
		"rdpfleet_fleet_online_agents":       false,
		"rdpfleet_agents_pruned_total":       false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	DispatchFallbacksTotal.Add(1)
	DispatchFailuresTotal.Add(1)
	HeartbeatsAccepted.Add(1)
	AgentsPruned.Add(1)
	PlacementsTotal.WithLabelValues("ok").Inc()
	PlacementsTotal.WithLabelValues("no_candidate").Inc()
}

func TestGaugeSets(t *testing.T) {
	FleetSize.Set(5)
}
