// Package membership tracks cluster nodes through heartbeats and reaps
// the ones that stop reporting.
package membership

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/events"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// Cluster is the slice of the consensus manager membership needs. Writes
// go through the replicated log; reads are local.
type Cluster interface {
	PutNode(node *types.NodeInfo) error
	GetNode(id string) (*types.NodeInfo, error)
	ListNodes() ([]*types.NodeInfo, error)
	DeleteNode(id string) error
	ListInstances() ([]*types.InstanceState, error)
	PutInstance(inst *types.InstanceState) error
	IsLeader() bool
	PublishEvent(event *events.Event)
}

const (
	// DefaultHeartbeatInterval is the cadence agents report at.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultDeadTimeout is the heartbeat-miss window after which a node
	// is considered unreachable.
	DefaultDeadTimeout = 30 * time.Second
)

// MemberStatus is the derived liveness of a node.
type MemberStatus string

const (
	StatusReady MemberStatus = "ready"
	StatusDead  MemberStatus = "dead"
)

// Member is a node record plus its derived status.
type Member struct {
	types.NodeInfo
	Status MemberStatus `json:"status"`
}

// Manager maintains the node table through consensus writes.
type Manager struct {
	cluster           Cluster
	logger            zerolog.Logger
	heartbeatInterval time.Duration
	deadTimeout       time.Duration
	stopCh            chan struct{}
}

// NewManager creates a membership manager with default timeouts.
func NewManager(cluster Cluster) *Manager {
	return &Manager{
		cluster:           cluster,
		logger:            log.WithComponent("membership"),
		heartbeatInterval: DefaultHeartbeatInterval,
		deadTimeout:       DefaultDeadTimeout,
		stopCh:            make(chan struct{}),
	}
}

// WithDeadTimeout overrides the dead-node detection window.
func (m *Manager) WithDeadTimeout(d time.Duration) *Manager {
	m.deadTimeout = d
	return m
}

// WithHeartbeatInterval overrides the expected heartbeat cadence.
func (m *Manager) WithHeartbeatInterval(d time.Duration) *Manager {
	m.heartbeatInterval = d
	return m
}

// HeartbeatInterval returns the cadence agents should report at.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.heartbeatInterval
}

// Join registers a node, generates its id, and returns it.
func (m *Manager) Join(address string, port uint16, labels map[string]string, capMemory uint64, capCPU uint32) (string, error) {
	now := time.Now().Unix()
	nodeID := generateNodeID(address, port, now)

	node := &types.NodeInfo{
		ID:                  nodeID,
		Address:             address,
		Port:                port,
		CapacityMemoryBytes: capMemory,
		CapacityCPUWeight:   capCPU,
		Labels:              labels,
		LastHeartbeat:       now,
	}

	if err := m.cluster.PutNode(node); err != nil {
		return "", err
	}

	m.cluster.PublishEvent(&events.Event{
		Type:     events.EventNodeJoined,
		Message:  fmt.Sprintf("node %s joined from %s:%d", nodeID, address, port),
		Metadata: map[string]string{"node_id": nodeID},
	})
	m.logger.Info().Str("node_id", nodeID).Str("address", address).Uint16("port", port).Msg("node joined cluster")
	return nodeID, nil
}

// Heartbeat updates a node's resource usage and last-seen timestamp.
// Returns false for unknown nodes.
func (m *Manager) Heartbeat(nodeID string, usedMemory uint64, usedCPU uint32) (bool, error) {
	node, err := m.cluster.GetNode(nodeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Warn().Str("node_id", nodeID).Msg("heartbeat from unknown node")
			return false, nil
		}
		return false, err
	}

	node.UsedMemoryBytes = usedMemory
	node.UsedCPUWeight = usedCPU
	node.LastHeartbeat = time.Now().Unix()
	if err := m.cluster.PutNode(node); err != nil {
		return false, err
	}
	return true, nil
}

// Leave removes a node from the cluster.
func (m *Manager) Leave(nodeID string) (bool, error) {
	if _, err := m.cluster.GetNode(nodeID); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := m.cluster.DeleteNode(nodeID); err != nil {
		return false, err
	}

	m.cluster.PublishEvent(&events.Event{
		Type:     events.EventNodeLeft,
		Message:  fmt.Sprintf("node %s left", nodeID),
		Metadata: map[string]string{"node_id": nodeID},
	})
	m.logger.Info().Str("node_id", nodeID).Msg("node left cluster")
	return true, nil
}

// ListMembers returns every node with its derived status.
func (m *Manager) ListMembers() ([]*Member, error) {
	now := time.Now().Unix()
	nodes, err := m.cluster.ListNodes()
	if err != nil {
		return nil, err
	}

	members := make([]*Member, 0, len(nodes))
	for _, n := range nodes {
		status := StatusReady
		if now-n.LastHeartbeat > int64(m.deadTimeout.Seconds()) {
			status = StatusDead
		}
		members = append(members, &Member{NodeInfo: *n, Status: status})
	}
	return members, nil
}

// GetMember returns a single member, or NotFound.
func (m *Manager) GetMember(nodeID string) (*Member, error) {
	node, err := m.cluster.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	status := StatusReady
	if time.Now().Unix()-node.LastHeartbeat > int64(m.deadTimeout.Seconds()) {
		status = StatusDead
	}
	return &Member{NodeInfo: *node, Status: status}, nil
}

// ReadyCount returns the number of live nodes.
func (m *Manager) ReadyCount() (int, error) {
	members, err := m.ListMembers()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, member := range members {
		if member.Status == StatusReady {
			count++
		}
	}
	return count, nil
}

// ReapDeadNodes deletes every node whose last heartbeat is older than the
// dead timeout, returning the reaped ids. Instances still referencing a
// reaped node remain in the store, marked for rescheduling.
func (m *Manager) ReapDeadNodes() ([]string, error) {
	members, err := m.ListMembers()
	if err != nil {
		return nil, err
	}

	var reaped []string
	for _, member := range members {
		if member.Status != StatusDead {
			continue
		}
		if err := m.cluster.DeleteNode(member.ID); err != nil {
			return reaped, err
		}
		if err := m.markInstancesForReschedule(member.ID); err != nil {
			m.logger.Error().Err(err).Str("node_id", member.ID).Msg("failed to mark instances for rescheduling")
		}

		m.cluster.PublishEvent(&events.Event{
			Type:     events.EventNodeDead,
			Message:  fmt.Sprintf("reaped dead node %s", member.ID),
			Metadata: map[string]string{"node_id": member.ID},
		})
		m.logger.Warn().Str("node_id", member.ID).Msg("reaped dead node")
		reaped = append(reaped, member.ID)
	}
	return reaped, nil
}

func (m *Manager) markInstancesForReschedule(nodeID string) error {
	instances, err := m.cluster.ListInstances()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.NodeID != nodeID || inst.Reschedule {
			continue
		}
		inst.Reschedule = true
		inst.UpdatedAt = time.Now().Unix()
		if err := m.cluster.PutInstance(inst); err != nil {
			return err
		}
	}
	return nil
}

// StartReaper runs the dead-node reaper until Stop. The loop reaps on each
// tick while this node is leader and exits as soon as Stop is called.
func (m *Manager) StartReaper() {
	go func() {
		ticker := time.NewTicker(m.deadTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !m.cluster.IsLeader() {
					continue
				}
				if _, err := m.ReapDeadNodes(); err != nil {
					m.logger.Error().Err(err).Msg("dead-node reap failed")
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the reaper loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// generateNodeID derives a node id from address, port, and join time.
func generateNodeID(address string, port uint16, joinedAt int64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d:%d", address, port, joinedAt)
	return fmt.Sprintf("node-%08x", uint32(h.Sum64()))
}
