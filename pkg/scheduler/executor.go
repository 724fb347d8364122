package scheduler

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/dbpool"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/runtime"
	"github.com/warpgrid/warpgrid/pkg/shim"
	"github.com/warpgrid/warpgrid/pkg/source"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// Executor is the runtime-backed LocalExecutor: it fetches artifacts,
// loads modules, and keeps one warm instance pool per deployment placed
// on this node.
type Executor struct {
	runtime *runtime.Runtime
	fetcher *source.Fetcher
	pool    *dbpool.Manager
	logger  zerolog.Logger

	// Registry feeds the DNS shim and /etc/hosts injection.
	registry map[string][]net.IP

	mu    sync.Mutex
	pools map[string]*runtime.InstancePool
}

// NewExecutor creates a local executor.
func NewExecutor(rt *runtime.Runtime, fetcher *source.Fetcher, pool *dbpool.Manager) *Executor {
	return &Executor{
		runtime:  rt,
		fetcher:  fetcher,
		pool:     pool,
		logger:   log.WithComponent("executor"),
		registry: make(map[string][]net.IP),
		pools:    make(map[string]*runtime.InstancePool),
	}
}

// SetServiceRegistry replaces the hostname→IP registry injected into new
// instances' shims.
func (e *Executor) SetServiceRegistry(registry map[string][]net.IP) {
	e.mu.Lock()
	e.registry = registry
	e.mu.Unlock()
}

// shimConfig derives the per-instance shim configuration from the spec.
func (e *Executor) shimConfig(spec *types.DeploymentSpec) *shim.Config {
	e.mu.Lock()
	registry := e.registry
	e.mu.Unlock()

	tz := ""
	if spec.Shims.Timezone {
		tz = "UTC"
		if z, ok := spec.Env["TZ"]; ok {
			tz = z
		}
	}
	return &shim.Config{
		Filesystem:      true,
		DevUrandom:      spec.Shims.DevUrandom,
		DNS:             spec.Shims.DNS,
		Signals:         spec.Shims.Signals,
		DatabaseProxy:   spec.Shims.DatabaseProxy,
		Threading:       spec.Shims.Threading,
		Timezone:        tz,
		ServiceRegistry: registry,
		Pool:            e.pool,
	}
}

// EnsurePool makes sure the deployment has a warm pool. On first sight it
// creates the pool with a floor of count instances, capped at the spec's
// minimum, and warms it to that floor. An existing pool is warmed back to
// the floor it was created with; count does not change that floor.
func (e *Executor) EnsurePool(spec *types.DeploymentSpec, count uint32) error {
	deploymentID := spec.Key()
	ctx := context.Background()

	e.mu.Lock()
	pool, ok := e.pools[deploymentID]
	e.mu.Unlock()

	if !ok {
		mod, found := e.runtime.GetModule(deploymentID)
		if !found {
			src, err := source.Parse(spec.Source)
			if err != nil {
				return err
			}
			wasmBytes, err := e.fetcher.Fetch(ctx, src)
			if err != nil {
				return err
			}
			mod, err = e.runtime.LoadModule(ctx, deploymentID, wasmBytes)
			if err != nil {
				return err
			}
		}

		min := count
		if spec.Instances.Min < min {
			min = spec.Instances.Min
		}
		pool = e.runtime.NewPool(mod, runtime.PoolConfig{
			MinInstances: min,
			MaxInstances: spec.Instances.Max,
			MemoryLimit:  spec.Resources.MemoryBytes,
			ShimConfig:   e.shimConfig(spec),
		})

		e.mu.Lock()
		e.pools[deploymentID] = pool
		e.mu.Unlock()
	}

	if err := pool.WarmUp(ctx); err != nil {
		return err
	}
	e.logger.Info().
		Str("deployment_id", deploymentID).
		Uint32("count", count).
		Int("idle", pool.IdleCount()).
		Msg("local pool ensured")
	return nil
}

// ScaleDown shrinks the deployment's pool to target instances.
func (e *Executor) ScaleDown(deploymentID string, target uint32) {
	e.mu.Lock()
	pool, ok := e.pools[deploymentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	pool.ScaleDownTo(context.Background(), target)
}

// RemovePool tears the deployment's pool down entirely.
func (e *Executor) RemovePool(deploymentID string) {
	e.mu.Lock()
	pool, ok := e.pools[deploymentID]
	delete(e.pools, deploymentID)
	e.mu.Unlock()
	if ok {
		pool.Close(context.Background())
	}
}

// Usage sums this node's live pools: reserved memory (instances × limit)
// and the total instance count. CPU weight is not tracked; cpuWeight is
// always 0.
func (e *Executor) Usage() (memoryBytes uint64, cpuWeight uint32, instances uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pool := range e.pools {
		total := pool.TotalCount()
		instances += total
		memoryBytes += uint64(total) * pool.MemoryLimit()
	}
	return memoryBytes, cpuWeight, instances
}

// Pool returns the live pool for a deployment, if any.
func (e *Executor) Pool(deploymentID string) (*runtime.InstancePool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[deploymentID]
	return pool, ok
}
