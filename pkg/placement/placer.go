package placement

import (
	"math"
	"sort"

	"github.com/warpgrid/warpgrid/pkg/log"
)

// Plan is a placement decision for a single deployment.
type Plan struct {
	DeploymentID string
	// Assignments map node id to the number of instances to place there.
	Assignments map[string]uint32
	// Preemptions to execute before the assignments can be realized.
	Preemptions []Preemption
}

// Placed returns the total number of instances the plan assigns.
func (p *Plan) Placed() uint32 {
	var total uint32
	for _, n := range p.Assignments {
		total += n
	}
	return total
}

// Preemption names a victim workload to evict to make room.
type Preemption struct {
	VictimDeploymentID string
	NodeID             string
	Count              uint32
}

// RunningState summarizes a deployment's instances on one node, used as
// preemption candidate input.
type RunningState struct {
	DeploymentID      string
	NodeID            string
	InstanceCount     uint32
	Priority          uint32
	MemoryPerInstance uint64
	CPUPerInstance    uint32
}

// Compute produces a placement plan by greedy assignment over the ranked
// nodes: each node accepts up to its capacity until the request is
// satisfied.
func Compute(req *Requirements, deploymentID string, nodes []*NodeResources, weights Weights) *Plan {
	ranked := RankNodes(nodes, req, weights)

	remaining := req.InstanceCount
	assignments := make(map[string]uint32)

	for _, node := range ranked {
		if remaining == 0 {
			break
		}
		toPlace := remaining
		if node.Capacity < toPlace {
			toPlace = node.Capacity
		}
		assignments[node.NodeID] = toPlace
		remaining -= toPlace
	}

	if remaining > 0 {
		plog := log.WithComponent("placement")
		plog.Warn().
			Str("deployment_id", deploymentID).
			Uint32("remaining", remaining).
			Msg("could not place all instances: insufficient cluster capacity")
	}

	return &Plan{
		DeploymentID: deploymentID,
		Assignments:  assignments,
	}
}

// ComputeWithPreemption falls back to evicting strictly lower-importance
// workloads (higher priority number) when greedy placement cannot satisfy
// the request. Victims are scanned in priority-descending order; for each,
// the engine computes how many of the requested instances would fit after
// eviction and emits a preemption decision. The scheduler decides when and
// how to execute those decisions.
func ComputeWithPreemption(req *Requirements, deploymentID string, nodes []*NodeResources, running []*RunningState, weights Weights) *Plan {
	plan := Compute(req, deploymentID, nodes, weights)

	remaining := req.InstanceCount - plan.Placed()
	if remaining == 0 {
		return plan
	}

	var victims []*RunningState
	for _, r := range running {
		if r.Priority > req.Priority && r.DeploymentID != deploymentID {
			victims = append(victims, r)
		}
	}
	sort.SliceStable(victims, func(i, j int) bool {
		return victims[i].Priority > victims[j].Priority
	})

	nodeByID := make(map[string]*NodeResources, len(nodes))
	for _, n := range nodes {
		nodeByID[n.NodeID] = n
	}

	for _, victim := range victims {
		if remaining == 0 {
			break
		}

		node, ok := nodeByID[victim.NodeID]
		if !ok {
			continue
		}

		labelsOK := true
		for k, v := range req.RequiredLabels {
			if node.Labels[k] != v {
				labelsOK = false
				break
			}
		}
		if !labelsOK {
			continue
		}

		// Evict the fewest victim instances whose freed resources fit
		// the remaining request.
		gainFor := func(evicted uint32) uint32 {
			memGain := uint64(math.MaxUint64)
			if req.MemoryBytes > 0 {
				memGain = victim.MemoryPerInstance * uint64(evicted) / req.MemoryBytes
			}
			cpuGain := uint64(math.MaxUint64)
			if req.CPUWeight > 0 {
				cpuGain = uint64(victim.CPUPerInstance) * uint64(evicted) / uint64(req.CPUWeight)
			}
			gained := memGain
			if cpuGain < gained {
				gained = cpuGain
			}
			if gained > math.MaxUint32 {
				gained = math.MaxUint32
			}
			return uint32(gained)
		}

		if gainFor(victim.InstanceCount) == 0 {
			continue
		}

		toEvict := victim.InstanceCount
		for k := uint32(1); k <= victim.InstanceCount; k++ {
			if gainFor(k) >= remaining {
				toEvict = k
				break
			}
		}
		toPlace := gainFor(toEvict)
		if remaining < toPlace {
			toPlace = remaining
		}

		plan.Preemptions = append(plan.Preemptions, Preemption{
			VictimDeploymentID: victim.DeploymentID,
			NodeID:             victim.NodeID,
			Count:              toEvict,
		})
		plan.Assignments[victim.NodeID] += toPlace
		remaining -= toPlace

		plog2 := log.WithComponent("placement")
		plog2.Info().
			Str("victim_deployment", victim.DeploymentID).
			Str("node_id", victim.NodeID).
			Uint32("evicted", toEvict).
			Uint32("gained", toPlace).
			Msg("preempted lower-priority workload")
	}

	return plan
}
