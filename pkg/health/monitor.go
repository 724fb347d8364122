package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/events"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// Cluster is the slice of the consensus manager the monitor needs.
type Cluster interface {
	ListInstancesByDeployment(deploymentID string) ([]*types.InstanceState, error)
	PutInstance(inst *types.InstanceState) error
	PublishEvent(event *events.Event)
}

// StatusCallback is invoked when a deployment's derived health changes.
// The scheduler uses it to trigger instance replacement.
type StatusCallback func(deploymentID string, status types.HealthStatus)

// monitorSlot is one running probe loop.
type monitorSlot struct {
	cancel context.CancelFunc
}

// Monitor runs a probe loop per deployment and writes the derived health
// back to the state store.
//
// Each loop applies the deployment-level status to every instance of the
// deployment atomically (a single pass of consensus writes per
// transition); instance addresses are tracked on the records for a
// future per-instance mode.
type Monitor struct {
	cluster  Cluster
	logger   zerolog.Logger
	onChange StatusCallback

	mu       sync.Mutex
	monitors map[string]*monitorSlot
}

// NewMonitor creates a health monitor.
func NewMonitor(cluster Cluster) *Monitor {
	return &Monitor{
		cluster:  cluster,
		logger:   log.WithComponent("health"),
		monitors: make(map[string]*monitorSlot),
	}
}

// WithCallback registers the status-change callback.
func (m *Monitor) WithCallback(cb StatusCallback) *Monitor {
	m.onChange = cb
	return m
}

// StartMonitor begins probing a deployment at address. An existing
// monitor for the deployment is replaced.
func (m *Monitor) StartMonitor(deploymentID string, cfg *types.HealthConfig, address string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if old, ok := m.monitors[deploymentID]; ok {
		old.cancel()
	}
	m.monitors[deploymentID] = &monitorSlot{cancel: cancel}
	m.mu.Unlock()

	go m.run(ctx, deploymentID, cfg, address)
	m.logger.Info().Str("deployment_id", deploymentID).Str("endpoint", cfg.Endpoint).Msg("health monitor started")
}

// StopMonitor cancels the probe loop for a deployment.
func (m *Monitor) StopMonitor(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot, ok := m.monitors[deploymentID]; ok {
		slot.cancel()
		delete(m.monitors, deploymentID)
	}
}

// StopAll cancels every probe loop.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, slot := range m.monitors {
		slot.cancel()
		delete(m.monitors, id)
	}
}

func (m *Monitor) run(ctx context.Context, deploymentID string, cfg *types.HealthConfig, address string) {
	tracker := NewTracker(cfg)
	timeout, err := ParseDuration(cfg.Timeout)
	if err != nil {
		timeout = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tracker.NextInterval()):
		}

		result := HTTPProbe(ctx, address, cfg.Endpoint, timeout)
		prev := tracker.Status()
		status := tracker.Record(result)

		if status != prev {
			m.logger.Info().
				Str("deployment_id", deploymentID).
				Str("from", string(prev)).
				Str("to", string(status)).
				Uint32("failures", tracker.ConsecutiveFailures()).
				Msg("deployment health transition")

			if err := m.applyStatus(deploymentID, status); err != nil {
				m.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("failed to update instance health")
			}
			if status == types.HealthUnhealthy {
				m.cluster.PublishEvent(&events.Event{
					Type:     events.EventInstanceUnhealthy,
					Message:  "deployment " + deploymentID + " unhealthy",
					Metadata: map[string]string{"deployment_id": deploymentID},
				})
			}
			if m.onChange != nil {
				m.onChange(deploymentID, status)
			}
		}
	}
}

// applyStatus updates every instance of the deployment to the given
// health, adjusting the lifecycle status alongside: unhealthy instances
// move to Unhealthy, recovered ones return to Running.
func (m *Monitor) applyStatus(deploymentID string, status types.HealthStatus) error {
	instances, err := m.cluster.ListInstancesByDeployment(deploymentID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, inst := range instances {
		inst.Health = status
		switch status {
		case types.HealthUnhealthy:
			inst.Status = types.InstanceUnhealthy
		case types.HealthHealthy:
			if inst.Status == types.InstanceUnhealthy {
				inst.Status = types.InstanceRunning
			}
		}
		inst.UpdatedAt = now
		if err := m.cluster.PutInstance(inst); err != nil {
			return err
		}
	}
	return nil
}
