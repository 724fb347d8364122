package storage

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// MemoryStore implements Store with in-process maps. Semantics match
// BoltStore exactly; the backend choice is purely a persistence matter.
// The in-memory backend never fails on I/O.
type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[string][]byte
	instances   map[string][]byte
	nodes       map[string][]byte
	services    map[string][]byte
	metrics     map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string][]byte),
		instances:   make(map[string][]byte),
		nodes:       make(map[string][]byte),
		services:    make(map[string][]byte),
		metrics:     make(map[string][]byte),
	}
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) put(table map[string][]byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	table[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) get(table map[string][]byte, kind, key string, out any) error {
	s.mu.RLock()
	data, ok := table[key]
	s.mu.RUnlock()
	if !ok {
		return errdefs.NotFoundf("%s %q", kind, key)
	}
	return json.Unmarshal(data, out)
}

func (s *MemoryStore) delete(table map[string][]byte, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := table[key]
	delete(table, key)
	return existed, nil
}

// sortedKeys returns the table's keys in lexical order so lists are
// deterministic, matching bbolt cursor ordering.
func sortedKeys(table map[string][]byte) []string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Deployment operations

func (s *MemoryStore) PutDeployment(spec *types.DeploymentSpec) error {
	return s.put(s.deployments, spec.Key(), spec)
}

func (s *MemoryStore) GetDeployment(key string) (*types.DeploymentSpec, error) {
	var spec types.DeploymentSpec
	if err := s.get(s.deployments, "deployment", key, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *MemoryStore) ListDeployments() ([]*types.DeploymentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var specs []*types.DeploymentSpec
	for _, k := range sortedKeys(s.deployments) {
		var spec types.DeploymentSpec
		if err := json.Unmarshal(s.deployments[k], &spec); err != nil {
			return nil, err
		}
		specs = append(specs, &spec)
	}
	return specs, nil
}

func (s *MemoryStore) DeleteDeployment(key string) (bool, error) {
	return s.delete(s.deployments, key)
}

// Instance operations

func (s *MemoryStore) PutInstance(inst *types.InstanceState) error {
	return s.put(s.instances, inst.Key(), inst)
}

func (s *MemoryStore) GetInstance(key string) (*types.InstanceState, error) {
	var inst types.InstanceState
	if err := s.get(s.instances, "instance", key, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *MemoryStore) ListInstances() ([]*types.InstanceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var instances []*types.InstanceState
	for _, k := range sortedKeys(s.instances) {
		var inst types.InstanceState
		if err := json.Unmarshal(s.instances[k], &inst); err != nil {
			return nil, err
		}
		instances = append(instances, &inst)
	}
	return instances, nil
}

func (s *MemoryStore) ListInstancesByDeployment(deploymentID string) ([]*types.InstanceState, error) {
	prefix := types.InstancePrefix(deploymentID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var instances []*types.InstanceState
	for _, k := range sortedKeys(s.instances) {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var inst types.InstanceState
		if err := json.Unmarshal(s.instances[k], &inst); err != nil {
			return nil, err
		}
		instances = append(instances, &inst)
	}
	return instances, nil
}

func (s *MemoryStore) DeleteInstance(key string) (bool, error) {
	return s.delete(s.instances, key)
}

// Node operations

func (s *MemoryStore) PutNode(node *types.NodeInfo) error {
	return s.put(s.nodes, node.ID, node)
}

func (s *MemoryStore) GetNode(id string) (*types.NodeInfo, error) {
	var node types.NodeInfo
	if err := s.get(s.nodes, "node", id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *MemoryStore) ListNodes() ([]*types.NodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var nodes []*types.NodeInfo
	for _, k := range sortedKeys(s.nodes) {
		var node types.NodeInfo
		if err := json.Unmarshal(s.nodes[k], &node); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (s *MemoryStore) DeleteNode(id string) (bool, error) {
	return s.delete(s.nodes, id)
}

// Service operations

func (s *MemoryStore) PutService(svc *types.ServiceEndpoints) error {
	return s.put(s.services, svc.Key(), svc)
}

func (s *MemoryStore) GetService(key string) (*types.ServiceEndpoints, error) {
	var svc types.ServiceEndpoints
	if err := s.get(s.services, "service", key, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *MemoryStore) ListServices() ([]*types.ServiceEndpoints, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var services []*types.ServiceEndpoints
	for _, k := range sortedKeys(s.services) {
		var svc types.ServiceEndpoints
		if err := json.Unmarshal(s.services[k], &svc); err != nil {
			return nil, err
		}
		services = append(services, &svc)
	}
	return services, nil
}

func (s *MemoryStore) DeleteService(key string) (bool, error) {
	return s.delete(s.services, key)
}

// Metrics operations

func (s *MemoryStore) PutMetrics(snap *types.MetricsSnapshot) error {
	return s.put(s.metrics, snap.Key(), snap)
}

func (s *MemoryStore) ListMetricsByDeployment(deploymentID string) ([]*types.MetricsSnapshot, error) {
	prefix := types.MetricsPrefix(deploymentID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snaps []*types.MetricsSnapshot
	for _, k := range sortedKeys(s.metrics) {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var snap types.MetricsSnapshot
		if err := json.Unmarshal(s.metrics[k], &snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	return snaps, nil
}

func (s *MemoryStore) PruneMetricsBefore(epoch int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for k := range s.metrics {
		idx := strings.LastIndexByte(k, ':')
		if idx < 0 {
			continue
		}
		ts, err := strconv.ParseInt(k[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		if ts < epoch {
			delete(s.metrics, k)
			pruned++
		}
	}
	return pruned, nil
}
