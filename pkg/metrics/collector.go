package metrics

import (
	"time"

	"github.com/warpgrid/warpgrid/pkg/storage"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// RaftStats is the subset of consensus state the collector samples.
type RaftStats interface {
	IsLeader() bool
	AppliedIndex() uint64
	Stats() map[string]interface{}
}

// Collector periodically samples the state store into Prometheus gauges
// and appends per-deployment MetricsSnapshot records. Snapshots older
// than the retention window are pruned.
type Collector struct {
	store     storage.Store
	raft      RaftStats
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a collector with a 15 s sample interval and 24 h
// snapshot retention.
func NewCollector(store storage.Store, raft RaftStats) *Collector {
	return &Collector{
		store:     store,
		raft:      raft,
		interval:  15 * time.Second,
		retention: 24 * time.Hour,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting until Stop.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodes()
	c.collectDeployments()
	c.collectRaft()

	cutoff := time.Now().Add(-c.retention).Unix()
	_, _ = c.store.PruneMetricsBefore(cutoff)
}

func (c *Collector) collectNodes() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}
	ready, dead := 0, 0
	now := time.Now().Unix()
	for _, n := range nodes {
		if now-n.LastHeartbeat > 30 {
			dead++
		} else {
			ready++
		}
	}
	NodesTotal.WithLabelValues("ready").Set(float64(ready))
	NodesTotal.WithLabelValues("dead").Set(float64(dead))
}

func (c *Collector) collectDeployments() {
	deployments, err := c.store.ListDeployments()
	if err != nil {
		return
	}
	DeploymentsTotal.Set(float64(len(deployments)))

	instances, err := c.store.ListInstances()
	if err != nil {
		return
	}
	byStatus := make(map[types.InstanceStatus]int)
	for _, inst := range instances {
		byStatus[inst.Status]++
	}
	for _, status := range []types.InstanceStatus{
		types.InstanceStarting,
		types.InstanceRunning,
		types.InstanceUnhealthy,
		types.InstanceStopping,
		types.InstanceStopped,
	} {
		InstancesTotal.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}

	// Per-deployment snapshots, bucketed to the sample interval.
	epoch := time.Now().Unix() / int64(c.interval.Seconds()) * int64(c.interval.Seconds())
	for _, d := range deployments {
		var activeCount uint32
		var totalMem uint64
		for _, inst := range instances {
			if inst.DeploymentID != d.Key() {
				continue
			}
			if inst.Status == types.InstanceRunning || inst.Status == types.InstanceStarting {
				activeCount++
				totalMem += inst.MemoryBytes
			}
		}
		snap := &types.MetricsSnapshot{
			DeploymentID:     d.Key(),
			Epoch:            epoch,
			TotalMemoryBytes: totalMem,
			ActiveInstances:  activeCount,
		}
		_ = c.store.PutMetrics(snap)
	}
}

func (c *Collector) collectRaft() {
	if c.raft == nil {
		return
	}
	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftAppliedIndex.Set(float64(c.raft.AppliedIndex()))
	if stats := c.raft.Stats(); stats != nil {
		if peers, ok := stats["peers"].(uint64); ok {
			RaftPeers.Set(float64(peers))
		}
	}
}
