// Package scheduler reconciles desired deployment state against the
// cluster: it consults the placement engine, creates and removes instance
// records through consensus, materializes local assignments as warm
// instance pools, and queues remote assignments as schedule commands for
// agent heartbeats.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/membership"
	"github.com/warpgrid/warpgrid/pkg/metrics"
	"github.com/warpgrid/warpgrid/pkg/placement"
	"github.com/warpgrid/warpgrid/pkg/types"
)

const scheduleInterval = 5 * time.Second

// Cluster is the slice of the consensus manager the scheduler needs.
// Mutations ride the replicated log; reads are local.
type Cluster interface {
	ListDeployments() ([]*types.DeploymentSpec, error)
	ListInstances() ([]*types.InstanceState, error)
	ListInstancesByDeployment(deploymentID string) ([]*types.InstanceState, error)
	PutInstance(inst *types.InstanceState) error
	DeleteInstance(key string) error
	PutService(svc *types.ServiceEndpoints) error
	IsLeader() bool
}

// Members lists cluster membership for placement input.
type Members interface {
	ListMembers() ([]*membership.Member, error)
}

// LocalExecutor materializes assignments placed on this node. Implemented
// by the runtime-backed executor; nil means this node runs no workloads.
type LocalExecutor interface {
	// EnsurePool makes sure the deployment has a warm pool; count is
	// the number of instances placed on this node.
	EnsurePool(spec *types.DeploymentSpec, count uint32) error
	// ScaleDown shrinks the deployment's pool to target instances.
	ScaleDown(deploymentID string, target uint32)
	// RemovePool tears the deployment's pool down entirely.
	RemovePool(deploymentID string)
}

// Scheduler runs the reconcile loop on the leader.
type Scheduler struct {
	cluster    Cluster
	membership Members
	router     *Router
	commands   *commandQueue
	executor   LocalExecutor
	localNode  string
	weights    placement.Weights
	logger     zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a scheduler. localNode is this node's id (its assignments
// are executed in-process); executor may be nil on a pure control-plane
// node.
func New(cluster Cluster, member Members, localNode string, executor LocalExecutor) *Scheduler {
	return &Scheduler{
		cluster:    cluster,
		membership: member,
		router:     NewRouter(),
		commands:   newCommandQueue(),
		executor:   executor,
		localNode:  localNode,
		weights:    placement.DefaultWeights(),
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
	}
}

// Router returns the round-robin dispatch router.
func (s *Scheduler) Router() *Router { return s.router }

// PendingCommands drains the queued commands for a node; called by the
// cluster server when answering a heartbeat.
func (s *Scheduler) PendingCommands(nodeID string) []Command {
	return s.commands.drain(nodeID)
}

// EnqueueSchedule queues a schedule command for a node out-of-band (the
// reconcile loop queues its own).
func (s *Scheduler) EnqueueSchedule(nodeID, deploymentID string, count uint32) {
	s.commands.enqueueSchedule(nodeID, deploymentID, count)
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(scheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.cluster.IsLeader() {
				continue
			}
			if err := s.Schedule(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Schedule performs one reconcile cycle over every deployment.
func (s *Scheduler) Schedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deployments, err := s.cluster.ListDeployments()
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	members, err := s.membership.ListMembers()
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	nodes := readyNodeResources(members)
	if len(nodes) == 0 {
		s.logger.Warn().Msg("no ready nodes available for scheduling")
		return nil
	}

	for _, spec := range deployments {
		if err := s.scheduleDeployment(spec, nodes); err != nil {
			s.logger.Error().Err(err).Str("deployment_id", spec.Key()).Msg("failed to schedule deployment")
			continue
		}
	}
	return nil
}

// scheduleDeployment reconciles one deployment against the node set.
func (s *Scheduler) scheduleDeployment(spec *types.DeploymentSpec, nodes []*placement.NodeResources) error {
	deploymentID := spec.Key()

	instances, err := s.cluster.ListInstancesByDeployment(deploymentID)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	// Instances on reaped nodes are replaced: drop the stale records
	// first so the need computation recreates them elsewhere.
	active := make([]*types.InstanceState, 0, len(instances))
	for _, inst := range instances {
		if inst.Reschedule {
			if err := s.cluster.DeleteInstance(inst.Key()); err != nil {
				return err
			}
			continue
		}
		if inst.Status == types.InstanceStopped || inst.Status == types.InstanceStopping {
			continue
		}
		active = append(active, inst)
	}

	desired := spec.Instances.Min
	switch {
	case uint32(len(active)) < desired:
		if err := s.scaleUp(spec, nodes, active, desired-uint32(len(active))); err != nil {
			return err
		}
	case uint32(len(active)) > desired:
		s.scaleDown(spec, active, uint32(len(active))-desired)
	}

	s.syncEndpoints(spec)
	return nil
}

// scaleUp places need new instances using the placement engine, with
// preemption as the fallback.
func (s *Scheduler) scaleUp(spec *types.DeploymentSpec, nodes []*placement.NodeResources, active []*types.InstanceState, need uint32) error {
	deploymentID := spec.Key()
	req := &placement.Requirements{
		MemoryBytes:   spec.Resources.MemoryBytes,
		CPUWeight:     spec.Resources.CPUWeight,
		InstanceCount: need,
		Priority:      spec.Priority,
	}

	running, err := s.runningState(deploymentID)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	plan := placement.ComputeWithPreemption(req, deploymentID, nodes, running, s.weights)
	timer.ObserveDuration(metrics.SchedulingLatency)

	for _, preemption := range plan.Preemptions {
		if err := s.executePreemption(&preemption); err != nil {
			s.logger.Error().Err(err).
				Str("victim", preemption.VictimDeploymentID).
				Str("node_id", preemption.NodeID).
				Msg("preemption failed")
		}
	}

	now := time.Now().Unix()
	nodeCount := make(map[string]uint32)
	for _, inst := range active {
		nodeCount[inst.NodeID]++
	}

	// Deterministic node order keeps the creation order stable across runs.
	nodeIDs := make([]string, 0, len(plan.Assignments))
	for nodeID := range plan.Assignments {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	for _, nodeID := range nodeIDs {
		count := plan.Assignments[nodeID]
		for i := uint32(0); i < count; i++ {
			inst := &types.InstanceState{
				ID:           uuid.New().String(),
				DeploymentID: deploymentID,
				NodeID:       nodeID,
				Status:       types.InstanceStarting,
				Health:       types.HealthUnknown,
				MemoryBytes:  0,
				StartedAt:    now,
				UpdatedAt:    now,
			}
			if err := s.cluster.PutInstance(inst); err != nil {
				metrics.InstancesFailed.Inc()
				return fmt.Errorf("failed to create instance: %w", err)
			}
			metrics.InstancesScheduled.Inc()
			s.logger.Info().
				Str("instance_id", inst.ID).
				Str("deployment_id", deploymentID).
				Str("node_id", nodeID).
				Msg("created instance")
		}

		total := nodeCount[nodeID] + count
		if nodeID == s.localNode && s.executor != nil {
			if err := s.executor.EnsurePool(spec, total); err != nil {
				s.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("local pool materialization failed")
			}
		} else {
			s.commands.enqueueSchedule(nodeID, deploymentID, total)
		}
	}

	if placed := plan.Placed(); placed < need {
		s.logger.Warn().
			Str("deployment_id", deploymentID).
			Uint32("requested", need).
			Uint32("placed", placed).
			Msg("partial placement: insufficient cluster capacity")
	}
	return nil
}

// scaleDown removes excess instances, preferring unhealthy ones.
func (s *Scheduler) scaleDown(spec *types.DeploymentSpec, active []*types.InstanceState, excess uint32) {
	deploymentID := spec.Key()

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Health == types.HealthUnhealthy && active[j].Health != types.HealthUnhealthy
	})

	removedPerNode := make(map[string]uint32)
	removed := uint32(0)
	for _, inst := range active {
		if removed >= excess {
			break
		}
		if err := s.cluster.DeleteInstance(inst.Key()); err != nil {
			s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to remove instance")
			continue
		}
		removedPerNode[inst.NodeID]++
		removed++
	}

	remaining := make(map[string]uint32)
	for _, inst := range active {
		remaining[inst.NodeID]++
	}
	for nodeID, n := range removedPerNode {
		target := remaining[nodeID] - n
		if nodeID == s.localNode && s.executor != nil {
			s.executor.ScaleDown(deploymentID, target)
		} else {
			s.commands.enqueueSchedule(nodeID, deploymentID, target)
		}
	}
}

// executePreemption realizes a preemption decision as a graceful
// scale-down of the victim on the named node. The decision generator and
// this executor are deliberately separate.
func (s *Scheduler) executePreemption(p *placement.Preemption) error {
	instances, err := s.cluster.ListInstancesByDeployment(p.VictimDeploymentID)
	if err != nil {
		return err
	}

	evicted := uint32(0)
	remaining := uint32(0)
	for _, inst := range instances {
		if inst.NodeID != p.NodeID {
			continue
		}
		if evicted < p.Count {
			if err := s.cluster.DeleteInstance(inst.Key()); err != nil {
				return err
			}
			evicted++
		} else {
			remaining++
		}
	}

	if p.NodeID == s.localNode && s.executor != nil {
		s.executor.ScaleDown(p.VictimDeploymentID, remaining)
	} else {
		s.commands.enqueueSchedule(p.NodeID, p.VictimDeploymentID, remaining)
	}

	metrics.PreemptionsTotal.Inc()
	s.logger.Info().
		Str("victim", p.VictimDeploymentID).
		Str("node_id", p.NodeID).
		Uint32("evicted", evicted).
		Msg("executed preemption")
	return nil
}

// ReplaceUnhealthy is the health monitor's callback: it marks the
// deployment's unhealthy instances for replacement and lets the next
// cycle recreate them.
func (s *Scheduler) ReplaceUnhealthy(deploymentID string, status types.HealthStatus) {
	if status != types.HealthUnhealthy {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.cluster.ListInstancesByDeployment(deploymentID)
	if err != nil {
		s.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("failed to list instances for replacement")
		return
	}
	now := time.Now().Unix()
	for _, inst := range instances {
		if inst.Health != types.HealthUnhealthy || inst.Reschedule {
			continue
		}
		inst.Reschedule = true
		inst.UpdatedAt = now
		if err := s.cluster.PutInstance(inst); err != nil {
			s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to mark instance for replacement")
		}
	}
}

// syncEndpoints refreshes the router and the service-endpoints record
// from the deployment's running instances.
func (s *Scheduler) syncEndpoints(spec *types.DeploymentSpec) {
	deploymentID := spec.Key()
	instances, err := s.cluster.ListInstancesByDeployment(deploymentID)
	if err != nil {
		return
	}

	var endpoints []string
	for _, inst := range instances {
		if inst.Status == types.InstanceRunning && inst.Address != "" {
			endpoints = append(endpoints, inst.Address)
		}
	}
	s.router.SetBackends(deploymentID, endpoints)

	svc := &types.ServiceEndpoints{
		Namespace: spec.Namespace,
		Service:   spec.Name,
		Endpoints: endpoints,
		UpdatedAt: time.Now().Unix(),
	}
	if err := s.cluster.PutService(svc); err != nil {
		s.logger.Debug().Err(err).Str("deployment_id", deploymentID).Msg("failed to sync service endpoints")
	}
}

// runningState summarizes every other deployment's per-node instance
// counts as preemption candidate input.
func (s *Scheduler) runningState(exceptDeployment string) ([]*placement.RunningState, error) {
	instances, err := s.cluster.ListInstances()
	if err != nil {
		return nil, err
	}
	deployments, err := s.cluster.ListDeployments()
	if err != nil {
		return nil, err
	}
	specByID := make(map[string]*types.DeploymentSpec, len(deployments))
	for _, d := range deployments {
		specByID[d.Key()] = d
	}

	counts := make(map[[2]string]uint32)
	for _, inst := range instances {
		if inst.DeploymentID == exceptDeployment {
			continue
		}
		if inst.Status == types.InstanceStopped || inst.Status == types.InstanceStopping {
			continue
		}
		counts[[2]string{inst.DeploymentID, inst.NodeID}]++
	}

	var running []*placement.RunningState
	for key, count := range counts {
		spec, ok := specByID[key[0]]
		if !ok {
			continue
		}
		running = append(running, &placement.RunningState{
			DeploymentID:      key[0],
			NodeID:            key[1],
			InstanceCount:     count,
			Priority:          spec.Priority,
			MemoryPerInstance: spec.Resources.MemoryBytes,
			CPUPerInstance:    spec.Resources.CPUWeight,
		})
	}
	return running, nil
}

// readyNodeResources converts live members into placement input.
func readyNodeResources(members []*membership.Member) []*placement.NodeResources {
	var nodes []*placement.NodeResources
	for _, m := range members {
		if m.Status != membership.StatusReady {
			continue
		}
		nodes = append(nodes, &placement.NodeResources{
			NodeID:              m.ID,
			Labels:              m.Labels,
			CapacityMemoryBytes: m.CapacityMemoryBytes,
			CapacityCPUWeight:   m.CapacityCPUWeight,
			UsedMemoryBytes:     m.UsedMemoryBytes,
			UsedCPUWeight:       m.UsedCPUWeight,
			Draining:            m.Draining,
		})
	}
	return nodes
}
