package runtime

import (
	"context"
	"sync"

	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/shim"
)

// PoolConfig bounds an instance pool.
type PoolConfig struct {
	// MinInstances to keep warm.
	MinInstances uint32
	// MaxInstances allowed (idle + checked out).
	MaxInstances uint32
	// MemoryLimit per instance, in bytes.
	MemoryLimit uint64
	// ShimConfig for instances in this pool.
	ShimConfig *shim.Config
}

// DefaultPoolConfig returns the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinInstances: 1,
		MaxInstances: 10,
		MemoryLimit:  DefaultMemoryLimit,
		ShimConfig:   &shim.Config{},
	}
}

// InstancePool keeps a queue of warm (idle) instances for one deployment
// plus the count of all live instances. Pools hold a shared reference to
// the instance factory; the compiled module is owned by the runtime.
type InstancePool struct {
	factory *InstanceFactory
	config  PoolConfig

	mu    sync.Mutex
	idle  []*Instance
	total uint32
}

// NewInstancePool creates an empty pool.
func NewInstancePool(factory *InstanceFactory, config PoolConfig) *InstancePool {
	return &InstancePool{factory: factory, config: config}
}

// WarmUp creates instances until MinInstances are live.
func (p *InstancePool) WarmUp(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.total >= p.config.MinInstances {
			p.mu.Unlock()
			return nil
		}
		p.total++
		p.mu.Unlock()

		inst, err := p.factory.Create(ctx, p.config.ShimConfig, p.config.MemoryLimit)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return err
		}

		p.mu.Lock()
		p.idle = append(p.idle, inst)
		p.mu.Unlock()
	}
}

// Acquire returns an idle instance if available, creates one if under
// MaxInstances, and otherwise returns nil.
func (p *InstancePool) Acquire(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		inst := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return inst, nil
	}

	if p.total >= p.config.MaxInstances {
		p.mu.Unlock()
		plog := log.WithComponent("runtime")
		plog.Debug().
			Uint32("max", p.config.MaxInstances).
			Str("module", p.factory.module.Name).
			Msg("instance pool at capacity")
		return nil, nil
	}
	p.total++
	p.mu.Unlock()

	inst, err := p.factory.Create(ctx, p.config.ShimConfig, p.config.MemoryLimit)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	return inst, nil
}

// Release returns an instance to the idle queue.
func (p *InstancePool) Release(inst *Instance) {
	p.mu.Lock()
	p.idle = append(p.idle, inst)
	p.mu.Unlock()
}

// ScaleDownTo drops idle instances until the total count reaches target,
// never going below MinInstances.
func (p *InstancePool) ScaleDownTo(ctx context.Context, target uint32) {
	if target < p.config.MinInstances {
		target = p.config.MinInstances
	}

	var victims []*Instance
	p.mu.Lock()
	for p.total > target && len(p.idle) > 0 {
		n := len(p.idle)
		victims = append(victims, p.idle[n-1])
		p.idle = p.idle[:n-1]
		p.total--
	}
	p.mu.Unlock()

	for _, inst := range victims {
		_ = inst.Close(ctx)
	}
}

// IdleCount returns the number of warm instances.
func (p *InstancePool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// TotalCount returns idle + checked-out instances.
func (p *InstancePool) TotalCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// MemoryLimit returns the per-instance memory cap in bytes.
func (p *InstancePool) MemoryLimit() uint64 { return p.config.MemoryLimit }

// MaxInstances returns the configured cap.
func (p *InstancePool) MaxInstances() uint32 { return p.config.MaxInstances }

// MinInstances returns the configured floor.
func (p *InstancePool) MinInstances() uint32 { return p.config.MinInstances }

// Close tears down every idle instance. Checked-out instances are the
// caller's to close.
func (p *InstancePool) Close(ctx context.Context) {
	p.mu.Lock()
	victims := p.idle
	p.total -= uint32(len(p.idle))
	p.idle = nil
	p.mu.Unlock()

	for _, inst := range victims {
		_ = inst.Close(ctx)
	}
}
