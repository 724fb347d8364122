package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/events"
	"github.com/warpgrid/warpgrid/pkg/membership"
	"github.com/warpgrid/warpgrid/pkg/scheduler"
	"github.com/warpgrid/warpgrid/pkg/storage"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// fakeCluster backs the membership manager with a plain store.
type fakeCluster struct {
	store *storage.MemoryStore
}

func (f *fakeCluster) PutNode(node *types.NodeInfo) error         { return f.store.PutNode(node) }
func (f *fakeCluster) GetNode(id string) (*types.NodeInfo, error) { return f.store.GetNode(id) }
func (f *fakeCluster) ListNodes() ([]*types.NodeInfo, error)      { return f.store.ListNodes() }
func (f *fakeCluster) DeleteNode(id string) error {
	_, err := f.store.DeleteNode(id)
	return err
}
func (f *fakeCluster) ListInstances() ([]*types.InstanceState, error) { return f.store.ListInstances() }
func (f *fakeCluster) PutInstance(inst *types.InstanceState) error    { return f.store.PutInstance(inst) }
func (f *fakeCluster) IsLeader() bool                                 { return true }
func (f *fakeCluster) PublishEvent(event *events.Event)               {}

type schedCluster struct{ *fakeCluster }

func (s *schedCluster) ListDeployments() ([]*types.DeploymentSpec, error) {
	return s.store.ListDeployments()
}
func (s *schedCluster) ListInstancesByDeployment(id string) ([]*types.InstanceState, error) {
	return s.store.ListInstancesByDeployment(id)
}
func (s *schedCluster) DeleteInstance(key string) error {
	_, err := s.store.DeleteInstance(key)
	return err
}
func (s *schedCluster) PutService(svc *types.ServiceEndpoints) error { return s.store.PutService(svc) }

func testServer(t *testing.T) (*httptest.Server, *membership.Manager, *scheduler.Scheduler) {
	t.Helper()
	fake := &fakeCluster{store: storage.NewMemoryStore()}
	member := membership.NewManager(fake).WithHeartbeatInterval(time.Second)
	sched := scheduler.New(&schedCluster{fake}, member, "control", nil)

	root := chi.NewRouter()
	root.Mount("/v1/cluster", NewServer(member, sched).Routes())
	server := httptest.NewServer(root)
	t.Cleanup(server.Close)
	return server, member, sched
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestJoinHeartbeatLeaveRPC(t *testing.T) {
	server, _, _ := testServer(t)

	// Join.
	resp := postJSON(t, server.URL+"/v1/cluster/join", JoinRequest{
		Address:             "10.0.0.2",
		Port:                7730,
		Labels:              map[string]string{"zone": "a"},
		CapacityMemoryBytes: 8 << 30,
		CapacityCPUWeight:   1000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var join JoinResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&join))
	resp.Body.Close()
	assert.NotEmpty(t, join.NodeID)
	assert.Len(t, join.Members, 1)
	assert.Equal(t, uint32(1), join.HeartbeatIntervalSecs)

	// Heartbeat.
	resp = postJSON(t, server.URL+"/v1/cluster/heartbeat", HeartbeatRequest{
		NodeID:          join.NodeID,
		UsedMemoryBytes: 1 << 30,
		UsedCPUWeight:   100,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hb))
	resp.Body.Close()
	assert.True(t, hb.Acknowledged)
	assert.Empty(t, hb.Commands)

	// Members reflects the usage update.
	mresp, err := http.Get(server.URL + "/v1/cluster/members")
	require.NoError(t, err)
	var members MembersResponse
	require.NoError(t, json.NewDecoder(mresp.Body).Decode(&members))
	mresp.Body.Close()
	require.Len(t, members.Members, 1)
	assert.Equal(t, uint64(1<<30), members.Members[0].UsedMemoryBytes)

	// Leave.
	resp = postJSON(t, server.URL+"/v1/cluster/leave", LeaveRequest{NodeID: join.NodeID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var leave LeaveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&leave))
	resp.Body.Close()
	assert.True(t, leave.Success)
}

func TestHeartbeatUnknownNodeNotAcknowledged(t *testing.T) {
	server, _, _ := testServer(t)

	resp := postJSON(t, server.URL+"/v1/cluster/heartbeat", HeartbeatRequest{NodeID: "node-nope"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hb))
	resp.Body.Close()
	assert.False(t, hb.Acknowledged)
}

func TestJoinRequiresAddress(t *testing.T) {
	server, _, _ := testServer(t)
	resp := postJSON(t, server.URL+"/v1/cluster/join", JoinRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentJoinHeartbeatReceivesCommands(t *testing.T) {
	server, _, sched := testServer(t)

	agent := NewAgent(AgentConfig{
		ControlPlaneAddr:    server.URL,
		Address:             "10.0.0.9",
		Port:                7730,
		CapacityMemoryBytes: 4 << 30,
		CapacityCPUWeight:   500,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeID, err := agent.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, nodeID, agent.NodeID())

	// A heartbeat drains a queued schedule command.
	sched.EnqueueSchedule(nodeID, "prod/api", 2)

	received := make(chan Command, 1)
	go func() {
		_ = agent.RunHeartbeat(ctx, func() (uint64, uint32, uint32) { return 1, 2, 3 }, func(cmd Command) {
			select {
			case received <- cmd:
			default:
			}
		})
	}()

	select {
	case cmd := <-received:
		assert.Equal(t, scheduler.CommandSchedule, cmd.CommandType)
		var p scheduler.SchedulePayload
		require.NoError(t, json.Unmarshal(cmd.PayloadJSON, &p))
		assert.Equal(t, "prod/api", p.DeploymentID)
		assert.Equal(t, uint32(2), p.InstanceCount)
	case <-time.After(15 * time.Second):
		t.Fatal("agent never received the schedule command")
	}
	cancel()

	require.NoError(t, agent.Leave(context.Background()))
}

func TestAgentLeaveWithoutJoinFails(t *testing.T) {
	agent := NewAgent(AgentConfig{ControlPlaneAddr: "http://127.0.0.1:1"})
	assert.Error(t, agent.Leave(context.Background()))
}
