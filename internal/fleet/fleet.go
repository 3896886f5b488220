// Package fleet holds the Controller's view of the agent fleet: the
// per-agent capacity snapshot, the registry that aggregates snapshots
// under a single lock, and the pure scoring function placement is built on.
package fleet

import (
	"errors"
	"time"
)

// Agent is the Controller's view of one worker node, as reported by
// heartbeat (push mode) or /info (pull mode).
type Agent struct {
	AgentID string `json:"agent_id"`
	URL     string `json:"url"` // base URL, scheme+host+port, trailing slash stripped

	TotalCPU          int     `json:"total_cpu"`
	UsedCPU           float64 `json:"used_cpu"`
	TotalMemMB        int     `json:"total_mem_mb"`
	UsedMemMB         int     `json:"used_mem_mb"`
	RunningContainers int     `json:"running_containers"`
	GPUCapable        bool    `json:"gpu_capable"`

	LastSeen time.Time `json:"last_seen,omitempty"` // push mode only
}

// FreeCPU returns the agent's free logical CPU headroom, never negative.
func (a Agent) FreeCPU() float64 {
	free := float64(a.TotalCPU) - a.UsedCPU
	if free < 0 {
		return 0
	}
	return free
}

// FreeMemMB returns the agent's free memory headroom in MiB, never negative.
func (a Agent) FreeMemMB() int {
	free := a.TotalMemMB - a.UsedMemMB
	if free < 0 {
		return 0
	}
	return free
}

// Validate checks the invariants placed on a capacity snapshot.
func (a Agent) Validate() error {
	if a.TotalCPU < 1 {
		return errors.New("total_cpu must be >= 1")
	}
	if a.TotalMemMB < 256 {
		return errors.New("total_mem_mb must be >= 256")
	}
	return nil
}
