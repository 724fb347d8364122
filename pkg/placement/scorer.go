// Package placement scores cluster nodes and produces placement plans.
//
// Candidate nodes are evaluated with a weighted combination of bin-packing
// (prefer nodes that will be most full after placement), label affinity,
// and balance (penalize nodes far from the cluster-average utilization).
// Nodes that are draining, miss a required label, or cannot fit a single
// instance are rejected outright.
package placement

import (
	"math"
	"sort"
)

// NodeResources is the capacity snapshot for a single candidate node.
type NodeResources struct {
	NodeID              string
	Labels              map[string]string
	CapacityMemoryBytes uint64
	CapacityCPUWeight   uint32
	UsedMemoryBytes     uint64
	UsedCPUWeight       uint32
	ActiveInstances     uint32
	Draining            bool
}

// FreeMemory returns the unreserved memory on the node.
func (n *NodeResources) FreeMemory() uint64 {
	if n.UsedMemoryBytes > n.CapacityMemoryBytes {
		return 0
	}
	return n.CapacityMemoryBytes - n.UsedMemoryBytes
}

// FreeCPU returns the unreserved CPU weight on the node.
func (n *NodeResources) FreeCPU() uint32 {
	if n.UsedCPUWeight > n.CapacityCPUWeight {
		return 0
	}
	return n.CapacityCPUWeight - n.UsedCPUWeight
}

// Requirements describes what a deployment needs from the cluster.
type Requirements struct {
	// MemoryBytes needed per instance.
	MemoryBytes uint64
	// CPUWeight needed per instance.
	CPUWeight uint32
	// InstanceCount to place.
	InstanceCount uint32
	// RequiredLabels must all match.
	RequiredLabels map[string]string
	// PreferredLabels add score when matched (soft affinity).
	PreferredLabels map[string]string
	// Priority: 0 = highest importance, used for preemption ordering.
	Priority uint32
}

// NodeScore is the scored placement result for one node.
type NodeScore struct {
	NodeID string
	// Score is the weighted composite, higher is better, 0–100.
	Score float64
	// Capacity is how many instances this node can accept.
	Capacity uint32
	// Breakdown of score components.
	Breakdown ScoreBreakdown
}

// ScoreBreakdown holds the individual score components for debugging.
type ScoreBreakdown struct {
	BinPacking float64
	Affinity   float64
	Balance    float64
}

// Weights for the scoring components.
type Weights struct {
	BinPacking float64
	Affinity   float64
	Balance    float64
}

// DefaultWeights favors bin-packing, then affinity, then balance.
func DefaultWeights() Weights {
	return Weights{BinPacking: 0.5, Affinity: 0.3, Balance: 0.2}
}

// ScoreNode scores a single node for the given requirements. Returns nil
// when the node is filtered out.
func ScoreNode(node *NodeResources, req *Requirements, weights Weights, clusterAvgUtilization float64) *NodeScore {
	if node.Draining {
		return nil
	}

	for key, value := range req.RequiredLabels {
		if node.Labels[key] != value {
			return nil
		}
	}

	memCapacity := uint64(math.MaxUint64)
	if req.MemoryBytes > 0 {
		memCapacity = node.FreeMemory() / req.MemoryBytes
	}
	cpuCapacity := uint64(math.MaxUint64)
	if req.CPUWeight > 0 {
		cpuCapacity = uint64(node.FreeCPU()) / uint64(req.CPUWeight)
	}
	capacity := memCapacity
	if cpuCapacity < capacity {
		capacity = cpuCapacity
	}
	if capacity > math.MaxUint32 {
		capacity = math.MaxUint32
	}
	if capacity == 0 {
		return nil
	}

	instancesToPlace := req.InstanceCount
	if uint32(capacity) < instancesToPlace {
		instancesToPlace = uint32(capacity)
	}

	// Bin-packing: projected memory utilization after placement, scaled
	// to 0–100. Higher = more packed.
	binPacking := 50.0
	if node.CapacityMemoryBytes > 0 {
		projected := node.UsedMemoryBytes + req.MemoryBytes*uint64(instancesToPlace)
		util := float64(projected) / float64(node.CapacityMemoryBytes)
		if util > 1.0 {
			util = 1.0
		}
		binPacking = util * 100.0
	}

	// Affinity: fraction of preferred labels that match; neutral 50 when
	// no preferences.
	affinity := 50.0
	if len(req.PreferredLabels) > 0 {
		matched := 0
		for key, value := range req.PreferredLabels {
			if node.Labels[key] == value {
				matched++
			}
		}
		affinity = float64(matched) / float64(len(req.PreferredLabels)) * 100.0
	}

	// Balance: penalize nodes far from cluster-average utilization.
	nodeUtil := 0.5
	if node.CapacityMemoryBytes > 0 {
		nodeUtil = float64(node.UsedMemoryBytes) / float64(node.CapacityMemoryBytes)
	}
	balance := (1.0 - math.Abs(nodeUtil-clusterAvgUtilization)) * 100.0
	if balance < 0 {
		balance = 0
	}

	score := weights.BinPacking*binPacking + weights.Affinity*affinity + weights.Balance*balance

	return &NodeScore{
		NodeID:   node.NodeID,
		Score:    score,
		Capacity: uint32(capacity),
		Breakdown: ScoreBreakdown{
			BinPacking: binPacking,
			Affinity:   affinity,
			Balance:    balance,
		},
	}
}

// RankNodes scores all nodes and returns the survivors sorted best first.
func RankNodes(nodes []*NodeResources, req *Requirements, weights Weights) []*NodeScore {
	clusterAvg := 0.5
	if len(nodes) > 0 {
		total := 0.0
		for _, n := range nodes {
			if n.CapacityMemoryBytes > 0 {
				total += float64(n.UsedMemoryBytes) / float64(n.CapacityMemoryBytes)
			} else {
				total += 0.5
			}
		}
		clusterAvg = total / float64(len(nodes))
	}

	var scores []*NodeScore
	for _, n := range nodes {
		if s := ScoreNode(n, req, weights, clusterAvg); s != nil {
			scores = append(scores, s)
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	return scores
}
