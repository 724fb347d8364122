package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/events"
	"github.com/warpgrid/warpgrid/pkg/manager"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// rolloutTracker serializes restart rollouts per deployment. Starting a
// rollout while one is in progress is a Conflict.
type rolloutTracker struct {
	cluster *manager.Manager

	mu     sync.Mutex
	active map[string]time.Time
}

func newRolloutTracker(cluster *manager.Manager) *rolloutTracker {
	return &rolloutTracker{
		cluster: cluster,
		active:  make(map[string]time.Time),
	}
}

// begin reserves the rollout slot for a deployment.
func (t *rolloutTracker) begin(deploymentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if started, ok := t.active[deploymentID]; ok {
		return errdefs.Conflictf("rollout already in progress for %s (started %s)", deploymentID, started.Format(time.RFC3339))
	}
	t.active[deploymentID] = time.Now()
	return nil
}

func (t *rolloutTracker) finish(deploymentID string) {
	t.mu.Lock()
	delete(t.active, deploymentID)
	t.mu.Unlock()
}

// run waits for the scheduler to replace the instances handleRollout
// marked and bring them to Running (or gives up after a bound), then
// publishes the rollout-finished event.
func (t *rolloutTracker) run(deploymentID string) {
	defer t.finish(deploymentID)

	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		instances, err := t.cluster.ListInstancesByDeployment(deploymentID)
		if err != nil {
			return
		}
		settled := len(instances) > 0
		for _, inst := range instances {
			if inst.Reschedule || inst.Status != types.InstanceRunning {
				settled = false
				break
			}
		}
		if settled {
			break
		}
		time.Sleep(2 * time.Second)
	}

	t.cluster.PublishEvent(&events.Event{
		Type:     events.EventRolloutFinished,
		Message:  "rollout finished for " + deploymentID,
		Metadata: map[string]string{"deployment_id": deploymentID},
	})
}

// handleRollout starts a restart rollout: every instance is marked for
// replacement and recreated by the scheduler.
func (s *Server) handleRollout(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	key := types.DeploymentKey(chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))

	if _, err := s.cluster.GetDeployment(key); err != nil {
		writeError(w, err)
		return
	}
	if err := s.rollouts.begin(key); err != nil {
		writeError(w, err)
		return
	}

	instances, err := s.cluster.ListInstancesByDeployment(key)
	if err != nil {
		s.rollouts.finish(key)
		writeError(w, err)
		return
	}
	now := time.Now().Unix()
	for _, inst := range instances {
		inst.Reschedule = true
		inst.UpdatedAt = now
		if err := s.cluster.PutInstance(inst); err != nil {
			s.rollouts.finish(key)
			writeError(w, err)
			return
		}
	}

	s.cluster.PublishEvent(&events.Event{
		Type:     events.EventRolloutStarted,
		Message:  "rollout started for " + key,
		Metadata: map[string]string{"deployment_id": key},
	})
	go s.rollouts.run(key)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": key,
		"status":        "rollout started",
	})
}
