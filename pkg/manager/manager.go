package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	bolt "go.etcd.io/bbolt"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/events"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/metrics"
	"github.com/warpgrid/warpgrid/pkg/storage"
	"github.com/warpgrid/warpgrid/pkg/types"
)

const applyTimeout = 5 * time.Second

// Manager fronts the replicated state store. All mutations are wrapped as
// commands, appended to the Raft log, and applied to every replica's FSM
// in log order. Reads are served from the local store; callers that need
// read-after-commit linearizability call Barrier first.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *FSM
	store       storage.Store
	nodeIDs     *NodeIDMap
	mapDB       *bolt.DB
	eventBroker *events.Broker
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance. The data directory gains two
// subdirectories: state/ for the application store and raft/ for the
// consensus log.
func NewManager(cfg *Config) (*Manager, error) {
	stateDir := filepath.Join(cfg.DataDir, "state")
	raftDir := filepath.Join(cfg.DataDir, "raft")
	for _, dir := range []string{stateDir, raftDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := storage.NewBoltStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	mapDB, err := bolt.Open(filepath.Join(raftDir, "nodemap.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open node map: %w", err)
	}
	nodeIDs, err := NewNodeIDMap(mapDB)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	return &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         NewFSM(store),
		store:       store,
		nodeIDs:     nodeIDs,
		mapDB:       mapDB,
		eventBroker: broker,
	}, nil
}

// setupRaft builds the transport, stores, and the Raft instance itself.
func (m *Manager) setupRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = os.Stderr

	// Tuned for LAN/edge failover rather than the conservative WAN
	// defaults: faster failure detection and elections.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	raftDir := filepath.Join(m.dataDir, "raft")

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	m.raft = r
	return nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	if err := m.setupRaft(); err != nil {
		return err
	}

	if _, err := m.nodeIDs.GetOrInsert(m.nodeID); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.nodeID),
				Address: raft.ServerAddress(m.bindAddr),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	mlog := log.WithComponent("manager")
	mlog.Info().Str("node_id", m.nodeID).Msg("bootstrapped raft cluster")
	return nil
}

// Join prepares this manager to be added to an existing cluster. The
// actual AddVoter call happens on the current leader, reached through the
// control-plane API.
func (m *Manager) Join() error {
	if err := m.setupRaft(); err != nil {
		return err
	}
	_, err := m.nodeIDs.GetOrInsert(m.nodeID)
	return err
}

// AddVoter adds a new manager node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return errdefs.FailedPreconditionf("raft not initialized")
	}
	if !m.IsLeader() {
		return errdefs.Unavailablef("not the leader, current leader: %s", m.LeaderAddr())
	}

	if _, err := m.nodeIDs.GetOrInsert(nodeID); err != nil {
		return err
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	mlog2 := log.WithComponent("manager")
	mlog2.Info().Str("node_id", nodeID).Str("address", address).Msg("added voter")
	return nil
}

// RemoveServer removes a server from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return errdefs.FailedPreconditionf("raft not initialized")
	}
	if !m.IsLeader() {
		return errdefs.Unavailablef("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// Barrier blocks until all preceding log entries are applied locally.
// Callers that require linearizable reads issue this round-trip first.
func (m *Manager) Barrier() error {
	if m.raft == nil {
		return errdefs.FailedPreconditionf("raft not initialized")
	}
	return m.raft.Barrier(applyTimeout).Error()
}

// NodeID returns this manager's node id.
func (m *Manager) NodeID() string { return m.nodeID }

// NodeIDs returns the string↔uint64 node-id map.
func (m *Manager) NodeIDs() *NodeIDMap { return m.nodeIDs }

// Store exposes the local store for read paths.
func (m *Manager) Store() storage.Store { return m.store }

// EventBroker returns the event broker.
func (m *Manager) EventBroker() *events.Broker { return m.eventBroker }

// Stats returns Raft statistics for the API and metrics collector.
func (m *Manager) Stats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.LeaderAddr()

	configFuture := m.raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}
	return stats
}

// AppliedIndex returns the last applied log index.
func (m *Manager) AppliedIndex() uint64 {
	if m.raft == nil {
		return 0
	}
	return m.raft.AppliedIndex()
}

// Apply submits a command to the Raft cluster. Writes on a non-leader
// return an Unavailable error carrying the leader address as a redirect
// hint.
func (m *Manager) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if m.raft == nil {
		return errdefs.FailedPreconditionf("raft not initialized")
	}
	if !m.IsLeader() {
		return errdefs.Unavailablef("not the leader; redirect to %s", m.LeaderAddr())
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyJSON(op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: op, Data: data})
}

// PutDeployment writes a deployment spec through consensus.
func (m *Manager) PutDeployment(spec *types.DeploymentSpec) error {
	return m.applyJSON(OpPutDeployment, spec)
}

// DeleteDeployment removes a deployment spec through consensus.
func (m *Manager) DeleteDeployment(key string) error {
	return m.applyJSON(OpDeleteDeployment, key)
}

// PutInstance writes an instance record through consensus.
func (m *Manager) PutInstance(inst *types.InstanceState) error {
	return m.applyJSON(OpPutInstance, inst)
}

// DeleteInstance removes an instance record through consensus.
func (m *Manager) DeleteInstance(key string) error {
	return m.applyJSON(OpDeleteInstance, key)
}

// PutNode writes a node record through consensus.
func (m *Manager) PutNode(node *types.NodeInfo) error {
	return m.applyJSON(OpPutNode, node)
}

// DeleteNode removes a node record through consensus.
func (m *Manager) DeleteNode(id string) error {
	return m.applyJSON(OpDeleteNode, id)
}

// Read paths are served from the local store. On the leader they reflect
// the latest committed write; follower reads may lag but never observe
// out-of-order mutations.

func (m *Manager) GetDeployment(key string) (*types.DeploymentSpec, error) {
	return m.store.GetDeployment(key)
}

func (m *Manager) ListDeployments() ([]*types.DeploymentSpec, error) {
	return m.store.ListDeployments()
}

func (m *Manager) GetInstance(key string) (*types.InstanceState, error) {
	return m.store.GetInstance(key)
}

func (m *Manager) ListInstances() ([]*types.InstanceState, error) {
	return m.store.ListInstances()
}

func (m *Manager) ListInstancesByDeployment(deploymentID string) ([]*types.InstanceState, error) {
	return m.store.ListInstancesByDeployment(deploymentID)
}

func (m *Manager) GetNode(id string) (*types.NodeInfo, error) {
	return m.store.GetNode(id)
}

func (m *Manager) ListNodes() ([]*types.NodeInfo, error) {
	return m.store.ListNodes()
}

// PutService writes a service-endpoints record. Endpoint sets are derived
// routing state rebuilt by the scheduler, so they bypass the log.
func (m *Manager) PutService(svc *types.ServiceEndpoints) error {
	return m.store.PutService(svc)
}

// PublishEvent publishes an event to all subscribers
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// Shutdown stops raft and closes the stores.
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	if m.mapDB != nil {
		if err := m.mapDB.Close(); err != nil {
			return err
		}
	}
	return m.store.Close()
}
