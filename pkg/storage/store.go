package storage

import (
	"github.com/warpgrid/warpgrid/pkg/types"
)

// Store is the transactional key-value state store, partitioned by typed
// tables for deployments, instances, nodes, services, and metrics.
//
// Two implementations share identical semantics: BoltStore (durable,
// file-backed) and MemoryStore (process-lifetime). Every operation is
// atomic; every list is consistent with the most recent applied mutation.
// Absent keys surface errdefs.ErrNotFound; deletes report whether the key
// existed.
type Store interface {
	// Deployments, keyed by {namespace}/{name}.
	PutDeployment(spec *types.DeploymentSpec) error
	GetDeployment(key string) (*types.DeploymentSpec, error)
	ListDeployments() ([]*types.DeploymentSpec, error)
	DeleteDeployment(key string) (bool, error)

	// Instances, keyed by {deployment_id}:{instance_id}.
	PutInstance(inst *types.InstanceState) error
	GetInstance(key string) (*types.InstanceState, error)
	ListInstances() ([]*types.InstanceState, error)
	ListInstancesByDeployment(deploymentID string) ([]*types.InstanceState, error)
	DeleteInstance(key string) (bool, error)

	// Nodes, keyed by node id.
	PutNode(node *types.NodeInfo) error
	GetNode(id string) (*types.NodeInfo, error)
	ListNodes() ([]*types.NodeInfo, error)
	DeleteNode(id string) (bool, error)

	// Services, keyed by {namespace}/{service}.
	PutService(svc *types.ServiceEndpoints) error
	GetService(key string) (*types.ServiceEndpoints, error)
	ListServices() ([]*types.ServiceEndpoints, error)
	DeleteService(key string) (bool, error)

	// Metrics snapshots, keyed by {deployment_id}:{epoch}. Append-only
	// apart from retention pruning.
	PutMetrics(snap *types.MetricsSnapshot) error
	ListMetricsByDeployment(deploymentID string) ([]*types.MetricsSnapshot, error)
	PruneMetricsBefore(epoch int64) (int, error)

	Close() error
}
