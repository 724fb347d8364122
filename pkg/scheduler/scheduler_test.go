package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/membership"
	"github.com/warpgrid/warpgrid/pkg/storage"
	"github.com/warpgrid/warpgrid/pkg/types"
)

type fakeCluster struct {
	mu    sync.Mutex
	store *storage.MemoryStore
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{store: storage.NewMemoryStore()}
}

func (f *fakeCluster) ListDeployments() ([]*types.DeploymentSpec, error) { return f.store.ListDeployments() }
func (f *fakeCluster) ListInstances() ([]*types.InstanceState, error)   { return f.store.ListInstances() }
func (f *fakeCluster) ListInstancesByDeployment(id string) ([]*types.InstanceState, error) {
	return f.store.ListInstancesByDeployment(id)
}
func (f *fakeCluster) PutInstance(inst *types.InstanceState) error { return f.store.PutInstance(inst) }
func (f *fakeCluster) DeleteInstance(key string) error {
	_, err := f.store.DeleteInstance(key)
	return err
}
func (f *fakeCluster) PutService(svc *types.ServiceEndpoints) error { return f.store.PutService(svc) }
func (f *fakeCluster) IsLeader() bool                               { return true }

type fakeMembers struct {
	members []*membership.Member
}

func (f *fakeMembers) ListMembers() ([]*membership.Member, error) { return f.members, nil }

func readyMember(id string, capMem uint64, capCPU uint32) *membership.Member {
	return &membership.Member{
		NodeInfo: types.NodeInfo{
			ID:                  id,
			Address:             "10.0.0.1",
			CapacityMemoryBytes: capMem,
			CapacityCPUWeight:   capCPU,
			LastHeartbeat:       time.Now().Unix(),
		},
		Status: membership.StatusReady,
	}
}

func webSpec(ns, name string, min, max uint32, memBytes uint64, priority uint32) *types.DeploymentSpec {
	return &types.DeploymentSpec{
		Namespace: ns,
		Name:      name,
		Source:    "file:///m.wasm",
		Trigger:   types.TriggerConfig{Type: types.TriggerHTTP, Port: 8080},
		Instances: types.InstanceRange{Min: min, Max: max},
		Resources: types.ResourceLimits{MemoryBytes: memBytes, CPUWeight: 10},
		Priority:  priority,
	}
}

// Deploy-and-route: two 8 GiB / 1000 CPU nodes, a min=max=2 deployment of
// 64 MiB instances. Placement yields exactly one instance per node in
// Starting; once Running, the router alternates between the two backends.
func TestDeployAndRoute(t *testing.T) {
	cluster := newFakeCluster()
	members := &fakeMembers{members: []*membership.Member{
		readyMember("n1", 8<<30, 1000),
		readyMember("n2", 8<<30, 1000),
	}}
	sched := New(cluster, members, "control", nil)

	spec := webSpec("prod", "api", 2, 2, 64<<20, 10)
	require.NoError(t, cluster.store.PutDeployment(spec))

	require.NoError(t, sched.Schedule())

	instances, err := cluster.ListInstancesByDeployment("prod/api")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	perNode := map[string]int{}
	for _, inst := range instances {
		assert.Equal(t, types.InstanceStarting, inst.Status)
		assert.Equal(t, types.HealthUnknown, inst.Health)
		perNode[inst.NodeID]++
	}
	assert.Equal(t, map[string]int{"n1": 1, "n2": 1}, perNode)

	// Simulate the agents reporting Running with addresses.
	addrs := map[string]string{"n1": "10.0.0.1:8080", "n2": "10.0.0.2:8080"}
	for _, inst := range instances {
		inst.Status = types.InstanceRunning
		inst.Address = addrs[inst.NodeID]
		require.NoError(t, cluster.PutInstance(inst))
	}
	require.NoError(t, sched.Schedule())

	backends := sched.Router().Backends("prod/api")
	require.Len(t, backends, 2)

	var sequence []string
	for i := 0; i < 3; i++ {
		addr, err := sched.Router().Dispatch("prod/api")
		require.NoError(t, err)
		sequence = append(sequence, addr)
	}
	// Strict alternation, starting from either backend.
	assert.NotEqual(t, sequence[0], sequence[1])
	assert.Equal(t, sequence[0], sequence[2])
}

func TestScheduleIsIdempotentAtDesiredCount(t *testing.T) {
	cluster := newFakeCluster()
	members := &fakeMembers{members: []*membership.Member{readyMember("n1", 8<<30, 1000)}}
	sched := New(cluster, members, "control", nil)

	require.NoError(t, cluster.store.PutDeployment(webSpec("prod", "api", 2, 4, 64<<20, 10)))
	require.NoError(t, sched.Schedule())
	require.NoError(t, sched.Schedule())

	instances, err := cluster.ListInstancesByDeployment("prod/api")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestScheduleQueuesRemoteCommands(t *testing.T) {
	cluster := newFakeCluster()
	members := &fakeMembers{members: []*membership.Member{readyMember("n1", 8<<30, 1000)}}
	sched := New(cluster, members, "control", nil)

	require.NoError(t, cluster.store.PutDeployment(webSpec("prod", "api", 2, 2, 64<<20, 10)))
	require.NoError(t, sched.Schedule())

	cmds := sched.PendingCommands("n1")
	require.Len(t, cmds, 1)
	assert.Equal(t, CommandSchedule, cmds[0].CommandType)
	assert.Contains(t, string(cmds[0].PayloadJSON), `"deployment_id":"prod/api"`)
	assert.Contains(t, string(cmds[0].PayloadJSON), `"instance_count":2`)

	// Drained: a second fetch is empty.
	assert.Empty(t, sched.PendingCommands("n1"))
}

func TestScheduleCoalescesCommandsPerDeployment(t *testing.T) {
	q := newCommandQueue()
	q.enqueueSchedule("n1", "prod/api", 2)
	q.enqueueSchedule("n1", "prod/api", 3)
	q.enqueueSchedule("n1", "prod/other", 1)

	cmds := q.drain("n1")
	require.Len(t, cmds, 2)
	assert.Contains(t, string(cmds[0].PayloadJSON), `"instance_count":3`)
}

// Preemption end-to-end through the scheduler: a full node running a
// lower-importance deployment is partially evicted.
func TestSchedulePreemptsLowerPriority(t *testing.T) {
	cluster := newFakeCluster()
	members := &fakeMembers{members: []*membership.Member{
		{
			NodeInfo: types.NodeInfo{
				ID:                  "n1",
				CapacityMemoryBytes: 1 << 30,
				CapacityCPUWeight:   1000,
				UsedMemoryBytes:     1 << 30, // fully utilized
				LastHeartbeat:       time.Now().Unix(),
			},
			Status: membership.StatusReady,
		},
	}}
	sched := New(cluster, members, "control", nil)

	low := webSpec("prod", "batch", 4, 4, 256<<20, 10)
	require.NoError(t, cluster.store.PutDeployment(low))
	for i := 0; i < 4; i++ {
		require.NoError(t, cluster.PutInstance(&types.InstanceState{
			ID:           string(rune('a' + i)),
			DeploymentID: "prod/batch",
			NodeID:       "n1",
			Status:       types.InstanceRunning,
			Health:       types.HealthHealthy,
		}))
	}

	high := webSpec("prod", "critical", 2, 2, 256<<20, 5)
	require.NoError(t, cluster.store.PutDeployment(high))

	require.NoError(t, sched.Schedule())

	created, err := cluster.ListInstancesByDeployment("prod/critical")
	require.NoError(t, err)
	assert.Len(t, created, 2)
	for _, inst := range created {
		assert.Equal(t, "n1", inst.NodeID)
	}

	remaining, err := cluster.ListInstancesByDeployment("prod/batch")
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "two victim instances evicted")
}

func TestScheduleReplacesRescheduledInstances(t *testing.T) {
	cluster := newFakeCluster()
	members := &fakeMembers{members: []*membership.Member{readyMember("n1", 8<<30, 1000)}}
	sched := New(cluster, members, "control", nil)

	require.NoError(t, cluster.store.PutDeployment(webSpec("prod", "api", 1, 2, 64<<20, 10)))
	require.NoError(t, cluster.PutInstance(&types.InstanceState{
		ID:           "stale",
		DeploymentID: "prod/api",
		NodeID:       "gone-node",
		Status:       types.InstanceRunning,
		Health:       types.HealthHealthy,
		Reschedule:   true,
	}))

	require.NoError(t, sched.Schedule())

	instances, err := cluster.ListInstancesByDeployment("prod/api")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.NotEqual(t, "stale", instances[0].ID)
	assert.Equal(t, "n1", instances[0].NodeID)
}

func TestScaleDownPrefersUnhealthy(t *testing.T) {
	cluster := newFakeCluster()
	members := &fakeMembers{members: []*membership.Member{readyMember("n1", 8<<30, 1000)}}
	sched := New(cluster, members, "control", nil)

	require.NoError(t, cluster.store.PutDeployment(webSpec("prod", "api", 1, 4, 64<<20, 10)))
	require.NoError(t, cluster.PutInstance(&types.InstanceState{
		ID: "healthy", DeploymentID: "prod/api", NodeID: "n1",
		Status: types.InstanceRunning, Health: types.HealthHealthy,
	}))
	require.NoError(t, cluster.PutInstance(&types.InstanceState{
		ID: "sick", DeploymentID: "prod/api", NodeID: "n1",
		Status: types.InstanceRunning, Health: types.HealthUnhealthy,
	}))

	require.NoError(t, sched.Schedule())

	instances, err := cluster.ListInstancesByDeployment("prod/api")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "healthy", instances[0].ID)
}

func TestReplaceUnhealthyMarksInstances(t *testing.T) {
	cluster := newFakeCluster()
	sched := New(cluster, &fakeMembers{}, "control", nil)

	require.NoError(t, cluster.PutInstance(&types.InstanceState{
		ID: "i-1", DeploymentID: "prod/api", NodeID: "n1",
		Status: types.InstanceUnhealthy, Health: types.HealthUnhealthy,
	}))

	sched.ReplaceUnhealthy("prod/api", types.HealthUnhealthy)

	instances, err := cluster.ListInstancesByDeployment("prod/api")
	require.NoError(t, err)
	assert.True(t, instances[0].Reschedule)

	// Healthy transitions do not mark anything.
	sched.ReplaceUnhealthy("prod/api", types.HealthHealthy)
}

func TestSyncEndpointsWritesServiceRecord(t *testing.T) {
	cluster := newFakeCluster()
	members := &fakeMembers{members: []*membership.Member{readyMember("n1", 8<<30, 1000)}}
	sched := New(cluster, members, "control", nil)

	spec := webSpec("prod", "api", 1, 1, 64<<20, 10)
	require.NoError(t, cluster.store.PutDeployment(spec))
	require.NoError(t, cluster.PutInstance(&types.InstanceState{
		ID: "i-1", DeploymentID: "prod/api", NodeID: "n1",
		Address: "10.0.0.1:8080",
		Status:  types.InstanceRunning, Health: types.HealthHealthy,
	}))

	require.NoError(t, sched.Schedule())

	svc, err := cluster.store.GetService("prod/api")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:8080"}, svc.Endpoints)
}
