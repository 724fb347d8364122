package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/warpgrid/warpgrid/pkg/storage"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// Command op codes. The replicated log carries exactly six mutation
// variants: put/delete for each of deployment, instance, node.
const (
	OpPutDeployment    = "put_deployment"
	OpDeleteDeployment = "delete_deployment"
	OpPutInstance      = "put_instance"
	OpDeleteInstance   = "delete_instance"
	OpPutNode          = "put_node"
	OpDeleteNode       = "delete_node"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM implements the Raft finite state machine for WarpGrid's cluster
// state. It applies committed log entries to the local state store and
// handles snapshots.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply applies a Raft log entry to the FSM.
// This is called by Raft when a log entry is committed.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpPutDeployment:
		var spec types.DeploymentSpec
		if err := json.Unmarshal(cmd.Data, &spec); err != nil {
			return err
		}
		return f.store.PutDeployment(&spec)

	case OpDeleteDeployment:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		_, err := f.store.DeleteDeployment(key)
		return err

	case OpPutInstance:
		var inst types.InstanceState
		if err := json.Unmarshal(cmd.Data, &inst); err != nil {
			return err
		}
		return f.store.PutInstance(&inst)

	case OpDeleteInstance:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		_, err := f.store.DeleteInstance(key)
		return err

	case OpPutNode:
		var node types.NodeInfo
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.PutNode(&node)

	case OpDeleteNode:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		_, err := f.store.DeleteNode(id)
		return err

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM.
// This is called periodically by Raft to compact the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	deployments, err := f.store.ListDeployments()
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	instances, err := f.store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	services, err := f.store.ListServices()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	return &fsmSnapshot{
		Deployments: deployments,
		Instances:   instances,
		Nodes:       nodes,
		Services:    services,
	}, nil
}

// Restore restores the FSM from a snapshot. The existing tables are wiped
// and reloaded so the result is equivalent to replaying the log up to the
// snapshot's last-applied entry.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.wipe(); err != nil {
		return fmt.Errorf("failed to clear state before restore: %w", err)
	}

	for _, spec := range snapshot.Deployments {
		if err := f.store.PutDeployment(spec); err != nil {
			return fmt.Errorf("failed to restore deployment: %w", err)
		}
	}
	for _, inst := range snapshot.Instances {
		if err := f.store.PutInstance(inst); err != nil {
			return fmt.Errorf("failed to restore instance: %w", err)
		}
	}
	for _, node := range snapshot.Nodes {
		if err := f.store.PutNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}
	for _, svc := range snapshot.Services {
		if err := f.store.PutService(svc); err != nil {
			return fmt.Errorf("failed to restore service: %w", err)
		}
	}

	return nil
}

// wipe deletes every row the snapshot will repopulate.
func (f *FSM) wipe() error {
	deployments, err := f.store.ListDeployments()
	if err != nil {
		return err
	}
	for _, d := range deployments {
		if _, err := f.store.DeleteDeployment(d.Key()); err != nil {
			return err
		}
	}
	instances, err := f.store.ListInstances()
	if err != nil {
		return err
	}
	for _, i := range instances {
		if _, err := f.store.DeleteInstance(i.Key()); err != nil {
			return err
		}
	}
	nodes, err := f.store.ListNodes()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if _, err := f.store.DeleteNode(n.ID); err != nil {
			return err
		}
	}
	services, err := f.store.ListServices()
	if err != nil {
		return err
	}
	for _, s := range services {
		if _, err := f.store.DeleteService(s.Key()); err != nil {
			return err
		}
	}
	return nil
}

// fsmSnapshot is the serialized contents of the KV tables. Raft tracks
// the last-applied log id and membership alongside the sink.
type fsmSnapshot struct {
	Deployments []*types.DeploymentSpec  `json:"deployments"`
	Instances   []*types.InstanceState   `json:"instances"`
	Nodes       []*types.NodeInfo        `json:"nodes"`
	Services    []*types.ServiceEndpoints `json:"services"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
