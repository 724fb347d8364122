package scheduler

import (
	"sync"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/runtime"
)

// Router dispatches traffic for a deployment across its backends with
// round-robin selection. Adding or removing backends is safe without
// resetting the per-deployment counter.
type Router struct {
	mu       sync.RWMutex
	backends map[string][]string
	counters map[string]*runtime.RoundRobinBalancer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		backends: make(map[string][]string),
		counters: make(map[string]*runtime.RoundRobinBalancer),
	}
}

// SetBackends replaces the backend list for a deployment.
func (r *Router) SetBackends(deploymentID string, addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(addrs) == 0 {
		delete(r.backends, deploymentID)
		return
	}
	r.backends[deploymentID] = addrs
	if _, ok := r.counters[deploymentID]; !ok {
		r.counters[deploymentID] = runtime.NewRoundRobinBalancer()
	}
}

// Backends returns the current backend list for a deployment.
func (r *Router) Backends(deploymentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.backends[deploymentID]...)
}

// Dispatch selects the next backend for a deployment.
func (r *Router) Dispatch(deploymentID string) (string, error) {
	r.mu.RLock()
	addrs := r.backends[deploymentID]
	balancer := r.counters[deploymentID]
	r.mu.RUnlock()

	if len(addrs) == 0 || balancer == nil {
		return "", errdefs.Unavailablef("no backends for deployment %s", deploymentID)
	}
	idx, ok := balancer.Next(len(addrs))
	if !ok {
		return "", errdefs.Unavailablef("no backends for deployment %s", deploymentID)
	}
	return addrs[idx], nil
}

// Remove drops a deployment from the router entirely.
func (r *Router) Remove(deploymentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, deploymentID)
	delete(r.counters, deploymentID)
}
