package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/events"
	"github.com/warpgrid/warpgrid/pkg/storage"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// fakeCluster applies writes straight to an in-memory store, standing in
// for the consensus manager.
type fakeCluster struct {
	store  *storage.MemoryStore
	events []*events.Event
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{store: storage.NewMemoryStore()}
}

func (f *fakeCluster) PutNode(node *types.NodeInfo) error        { return f.store.PutNode(node) }
func (f *fakeCluster) GetNode(id string) (*types.NodeInfo, error) { return f.store.GetNode(id) }
func (f *fakeCluster) ListNodes() ([]*types.NodeInfo, error)      { return f.store.ListNodes() }
func (f *fakeCluster) DeleteNode(id string) error {
	_, err := f.store.DeleteNode(id)
	return err
}
func (f *fakeCluster) ListInstances() ([]*types.InstanceState, error) { return f.store.ListInstances() }
func (f *fakeCluster) PutInstance(inst *types.InstanceState) error    { return f.store.PutInstance(inst) }
func (f *fakeCluster) IsLeader() bool                                 { return true }
func (f *fakeCluster) PublishEvent(event *events.Event)               { f.events = append(f.events, event) }

func TestJoinCreatesNode(t *testing.T) {
	cluster := newFakeCluster()
	mgr := NewManager(cluster)

	nodeID, err := mgr.Join("10.0.0.1", 7730, map[string]string{"region": "us-east"}, 8<<30, 1000)
	require.NoError(t, err)
	assert.Contains(t, nodeID, "node-")

	member, err := mgr.GetMember(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", member.Address)
	assert.Equal(t, uint16(7730), member.Port)
	assert.Equal(t, StatusReady, member.Status)
	assert.Equal(t, "us-east", member.Labels["region"])
}

func TestJoinGeneratesDistinctIDs(t *testing.T) {
	mgr := NewManager(newFakeCluster())

	id1, err := mgr.Join("10.0.0.1", 7730, nil, 1, 1)
	require.NoError(t, err)
	id2, err := mgr.Join("10.0.0.2", 7730, nil, 1, 1)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestHeartbeatUpdatesUsage(t *testing.T) {
	mgr := NewManager(newFakeCluster())
	nodeID, err := mgr.Join("10.0.0.1", 7730, nil, 8<<30, 1000)
	require.NoError(t, err)

	ack, err := mgr.Heartbeat(nodeID, 1<<30, 200)
	require.NoError(t, err)
	assert.True(t, ack)

	member, err := mgr.GetMember(nodeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), member.UsedMemoryBytes)
	assert.Equal(t, uint32(200), member.UsedCPUWeight)
}

func TestHeartbeatUnknownNodeNotAcknowledged(t *testing.T) {
	mgr := NewManager(newFakeCluster())
	ack, err := mgr.Heartbeat("node-unknown", 0, 0)
	require.NoError(t, err)
	assert.False(t, ack)
}

func TestLeaveRemovesNode(t *testing.T) {
	mgr := NewManager(newFakeCluster())
	nodeID, err := mgr.Join("10.0.0.1", 7730, nil, 1, 1)
	require.NoError(t, err)

	existed, err := mgr.Leave(nodeID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = mgr.GetMember(nodeID)
	assert.Error(t, err)

	existed, err = mgr.Leave(nodeID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListMembersDerivesStatus(t *testing.T) {
	cluster := newFakeCluster()
	mgr := NewManager(cluster).WithDeadTimeout(30 * time.Second)

	liveID, err := mgr.Join("10.0.0.1", 7730, nil, 1, 1)
	require.NoError(t, err)
	staleID, err := mgr.Join("10.0.0.2", 7730, nil, 1, 1)
	require.NoError(t, err)

	// Age the second node past the dead timeout.
	node, err := cluster.GetNode(staleID)
	require.NoError(t, err)
	node.LastHeartbeat = time.Now().Add(-time.Minute).Unix()
	require.NoError(t, cluster.PutNode(node))

	members, err := mgr.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 2)

	byID := map[string]MemberStatus{}
	for _, m := range members {
		byID[m.ID] = m.Status
	}
	assert.Equal(t, StatusReady, byID[liveID])
	assert.Equal(t, StatusDead, byID[staleID])

	count, err := mgr.ReadyCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// A node joins, heartbeats, then goes silent. After the dead timeout the
// reaper removes it, membership excludes it, and its instances stay in
// the store marked for rescheduling.
func TestReapDeadNodes(t *testing.T) {
	cluster := newFakeCluster()
	mgr := NewManager(cluster).WithDeadTimeout(30 * time.Second)

	nodeID, err := mgr.Join("10.0.0.1", 7730, nil, 8<<30, 1000)
	require.NoError(t, err)
	_, err = mgr.Heartbeat(nodeID, 100, 10)
	require.NoError(t, err)

	require.NoError(t, cluster.PutInstance(&types.InstanceState{
		ID:           "i-1",
		DeploymentID: "prod/api",
		NodeID:       nodeID,
		Status:       types.InstanceRunning,
		Health:       types.HealthHealthy,
	}))

	// Nothing to reap while the node is fresh.
	reaped, err := mgr.ReapDeadNodes()
	require.NoError(t, err)
	assert.Empty(t, reaped)

	// Silence past dead_timeout + epsilon.
	node, err := cluster.GetNode(nodeID)
	require.NoError(t, err)
	node.LastHeartbeat = time.Now().Add(-31 * time.Second).Unix()
	require.NoError(t, cluster.PutNode(node))

	reaped, err = mgr.ReapDeadNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{nodeID}, reaped)

	members, err := mgr.ListMembers()
	require.NoError(t, err)
	assert.Empty(t, members)

	instances, err := cluster.ListInstances()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.True(t, instances[0].Reschedule, "instance must be marked for rescheduling, not deleted")
}

func TestHeartbeatIntervalConfigurable(t *testing.T) {
	mgr := NewManager(newFakeCluster()).WithHeartbeatInterval(7 * time.Second)
	assert.Equal(t, 7*time.Second, mgr.HeartbeatInterval())
}
