package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdpfleet_placements_total",
		Help: "Total number of launch placements by outcome.",
	}, []string{"outcome"})

	DispatchFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdpfleet_dispatch_fallbacks_total",
		Help: "Total number of times dispatch fell back to the next candidate agent.",
	})

	DispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdpfleet_dispatch_failures_total",
		Help: "Total number of launches that exhausted every candidate agent.",
	})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdpfleet_dispatch_duration_seconds",
		Help:    "Duration of the full dispatch-with-fallback loop for one launch.",
		Buckets: prometheus.DefBuckets,
	})

	ReclamationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdpfleet_reclamations_total",
		Help: "Total number of containers reclaimed by the idle-reaping loop, by reason.",
	}, []string{"reason"})

	PortAllocationRetries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdpfleet_port_allocation_attempts",
		Help:    "Number of probe attempts consumed before a free RDP port was found.",
		Buckets: prometheus.LinearBuckets(1, 5, 10),
	})

	HeartbeatsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdpfleet_heartbeats_accepted_total",
		Help: "Total number of agent heartbeats absorbed by the fleet registry.",
	})

	FleetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdpfleet_fleet_online_agents",
		Help: "Number of agents currently within the online freshness window.",
	})

	AgentsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdpfleet_agents_pruned_total",
		Help: "Total number of agents dropped from the registry for going stale.",
	})
)
