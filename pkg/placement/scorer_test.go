package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeNode(id string, capMem, usedMem uint64, capCPU, usedCPU uint32) *NodeResources {
	return &NodeResources{
		NodeID:              id,
		Labels:              map[string]string{},
		CapacityMemoryBytes: capMem,
		CapacityCPUWeight:   capCPU,
		UsedMemoryBytes:     usedMem,
		UsedCPUWeight:       usedCPU,
	}
}

func defaultReq(mem uint64, cpu uint32) *Requirements {
	return &Requirements{
		MemoryBytes:     mem,
		CPUWeight:       cpu,
		InstanceCount:   1,
		RequiredLabels:  map[string]string{},
		PreferredLabels: map[string]string{},
		Priority:        10,
	}
}

func TestRejectsDrainingNode(t *testing.T) {
	node := makeNode("n1", 1024, 0, 100, 0)
	node.Draining = true
	assert.Nil(t, ScoreNode(node, defaultReq(128, 10), DefaultWeights(), 0.5))
}

func TestRejectsInsufficientMemory(t *testing.T) {
	node := makeNode("n1", 1024, 1000, 100, 0)
	assert.Nil(t, ScoreNode(node, defaultReq(128, 10), DefaultWeights(), 0.5))
}

func TestRejectsMissingRequiredLabel(t *testing.T) {
	node := makeNode("n1", 1024, 0, 100, 0)
	req := defaultReq(128, 10)
	req.RequiredLabels["region"] = "us-east"
	assert.Nil(t, ScoreNode(node, req, DefaultWeights(), 0.5))
}

func TestAcceptsMatchingRequiredLabel(t *testing.T) {
	node := makeNode("n1", 1024, 0, 100, 0)
	node.Labels["region"] = "us-east"
	req := defaultReq(128, 10)
	req.RequiredLabels["region"] = "us-east"
	assert.NotNil(t, ScoreNode(node, req, DefaultWeights(), 0.5))
}

func TestCapacityReflectsResources(t *testing.T) {
	node := makeNode("n1", 1024, 0, 100, 0)
	score := ScoreNode(node, defaultReq(256, 10), DefaultWeights(), 0.5)
	require.NotNil(t, score)
	assert.Equal(t, uint32(4), score.Capacity)
}

func TestCapacityBoundByCPU(t *testing.T) {
	node := makeNode("n1", 1<<30, 0, 100, 80)
	score := ScoreNode(node, defaultReq(1<<20, 10), DefaultWeights(), 0.5)
	require.NotNil(t, score)
	assert.Equal(t, uint32(2), score.Capacity) // 20 free cpu / 10
}

func TestBinPackingPrefersFullerNode(t *testing.T) {
	nearlyFull := makeNode("n1", 1024, 800, 100, 0)
	mostlyEmpty := makeNode("n2", 1024, 100, 100, 0)
	weights := Weights{BinPacking: 1.0}

	s1 := ScoreNode(nearlyFull, defaultReq(128, 10), weights, 0.5)
	s2 := ScoreNode(mostlyEmpty, defaultReq(128, 10), weights, 0.5)
	require.NotNil(t, s1)
	require.NotNil(t, s2)
	assert.Greater(t, s1.Score, s2.Score)
}

func TestPreferredLabelsBoostScore(t *testing.T) {
	labeled := makeNode("n1", 1024, 0, 100, 0)
	labeled.Labels["gpu"] = "true"
	unlabeled := makeNode("n2", 1024, 0, 100, 0)

	req := defaultReq(128, 10)
	req.PreferredLabels["gpu"] = "true"
	weights := Weights{Affinity: 1.0}

	s1 := ScoreNode(labeled, req, weights, 0.5)
	s2 := ScoreNode(unlabeled, req, weights, 0.5)
	assert.Greater(t, s1.Score, s2.Score)
}

func TestAffinityNeutralWithoutPreferences(t *testing.T) {
	node := makeNode("n1", 1024, 0, 100, 0)
	score := ScoreNode(node, defaultReq(128, 10), DefaultWeights(), 0.5)
	require.NotNil(t, score)
	assert.Equal(t, 50.0, score.Breakdown.Affinity)
}

// Holding all else equal, more preferred-label matches never lowers the
// affinity score.
func TestAffinityMonotonicity(t *testing.T) {
	req := defaultReq(128, 10)
	req.PreferredLabels["gpu"] = "true"
	req.PreferredLabels["ssd"] = "true"
	weights := Weights{Affinity: 1.0}

	prev := -1.0
	for matches := 0; matches <= 2; matches++ {
		node := makeNode("n", 1024, 0, 100, 0)
		if matches >= 1 {
			node.Labels["gpu"] = "true"
		}
		if matches >= 2 {
			node.Labels["ssd"] = "true"
		}
		score := ScoreNode(node, req, weights, 0.5)
		require.NotNil(t, score)
		assert.GreaterOrEqual(t, score.Breakdown.Affinity, prev)
		prev = score.Breakdown.Affinity
	}
}

// Higher post-placement utilization never lowers the bin-packing score.
func TestBinPackingMonotonicity(t *testing.T) {
	weights := Weights{BinPacking: 1.0}
	prev := -1.0
	for used := uint64(0); used <= 768; used += 128 {
		node := makeNode("n", 1024, used, 1000, 0)
		score := ScoreNode(node, defaultReq(128, 1), weights, 0.5)
		require.NotNil(t, score)
		assert.GreaterOrEqual(t, score.Breakdown.BinPacking, prev)
		prev = score.Breakdown.BinPacking
	}
}

func TestBalancePenalizesOutliers(t *testing.T) {
	average := makeNode("n1", 1000, 500, 100, 0)
	outlier := makeNode("n2", 1000, 950, 100, 0)
	weights := Weights{Balance: 1.0}

	s1 := ScoreNode(average, defaultReq(10, 0), weights, 0.5)
	s2 := ScoreNode(outlier, defaultReq(10, 0), weights, 0.5)
	assert.Greater(t, s1.Score, s2.Score)
}

func TestRankNodesSortedDescending(t *testing.T) {
	nodes := []*NodeResources{
		makeNode("n1", 1024, 100, 100, 0),
		makeNode("n2", 1024, 800, 100, 0),
		makeNode("n3", 1024, 500, 100, 0),
	}
	ranked := RankNodes(nodes, defaultReq(128, 10), Weights{BinPacking: 1.0})

	require.Len(t, ranked, 3)
	assert.Equal(t, "n2", ranked[0].NodeID)
	assert.GreaterOrEqual(t, ranked[0].Score, ranked[1].Score)
	assert.GreaterOrEqual(t, ranked[1].Score, ranked[2].Score)
}
