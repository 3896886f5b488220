package fleet

import "sort"

// Weights controls the relative contribution of free CPU and free memory
// to a candidate's placement score.
type Weights struct {
	CPU float64
	Mem float64
}

// DefaultWeights matches the scenario worked out in the spec's testable
// properties: w_cpu=1.0, w_mem=0.7.
var DefaultWeights = Weights{CPU: 1.0, Mem: 0.7}

const runningContainerPenalty = 0.2

// Score is a pure function of an agent's capacity snapshot and the scoring
// weights: score = w_cpu*free_cpu + w_mem*(free_mem_mb/1024) -
// 0.2*running_containers. It never touches the network or the clock, which
// makes it the primary unit-test target for placement.
func Score(a Agent, w Weights) float64 {
	return w.CPU*a.FreeCPU() + w.Mem*(float64(a.FreeMemMB())/1024) - runningContainerPenalty*float64(a.RunningContainers)
}

// Candidate pairs an agent snapshot with its computed score.
type Candidate struct {
	Agent Agent
	Score float64
}

// Request is the subset of a launch request that candidate selection and
// scoring need.
type Request struct {
	CPULimit      int
	MemoryLimitMB int
	GPU           bool
}

// Rank filters the given snapshots down to agents that can satisfy req and
// returns them sorted by descending score, ties broken by agent_id
// lexicographic order so placement is deterministic for identical inputs.
// Offline agents must already be excluded by the caller (online-ness is a
// freshness concern the registry owns, not a property of the snapshot).
func Rank(agents []Agent, req Request, w Weights) []Candidate {
	var out []Candidate
	for _, a := range agents {
		if req.GPU && !a.GPUCapable {
			continue
		}
		if a.FreeCPU() < float64(req.CPULimit) {
			continue
		}
		if a.FreeMemMB() < req.MemoryLimitMB {
			continue
		}
		out = append(out, Candidate{Agent: a, Score: Score(a, w)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Agent.AgentID < out[j].Agent.AgentID
	})
	return out
}
