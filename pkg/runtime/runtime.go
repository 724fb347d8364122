// Package runtime wraps the Wasm engine and manages compiled modules,
// sandboxed instances, and warm instance pools.
//
// The engine itself (wazero) is a black-box collaborator: modules are
// expensive to compile and cheap to instantiate, so compiled code is
// cached process-locally by name and shared across instances through the
// engine's compilation cache. Each instance gets an isolated host state
// with the shims its deployment enables and a per-instance resource
// limiter.
package runtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/metrics"
	"github.com/warpgrid/warpgrid/pkg/shim"
)

const (
	// DefaultMemoryLimit caps guest linear memory (64 MiB).
	DefaultMemoryLimit = 64 * 1024 * 1024
	// DefaultTableLimit caps guest table elements.
	DefaultTableLimit = 10_000
	// wasmPageSize is the Wasm linear-memory page size.
	wasmPageSize = 64 * 1024
)

// CompiledModule is a named, compiled Wasm component. Compilation results
// live in the shared engine cache; instances hold their own engine
// binding and no back-reference to this struct.
type CompiledModule struct {
	Name  string
	bytes []byte
}

// Runtime is the process-wide engine front. It owns the compiled-module
// cache and the shared compilation cache.
type Runtime struct {
	cache  wazero.CompilationCache
	logger zerolog.Logger

	// mu is held only for the cache lookup, never across compilation.
	mu      sync.Mutex
	modules map[string]*CompiledModule
}

// New creates a runtime with a fresh compilation cache. Engine
// configuration failure at startup is fatal to the caller.
func New() (*Runtime, error) {
	return &Runtime{
		cache:   wazero.NewCompilationCache(),
		logger:  log.WithComponent("runtime"),
		modules: make(map[string]*CompiledModule),
	}, nil
}

// LoadModule compiles a Wasm module from raw bytes. Idempotent by name:
// a module already cached under name is returned as-is.
func (r *Runtime) LoadModule(ctx context.Context, name string, wasmBytes []byte) (*CompiledModule, error) {
	r.mu.Lock()
	if m, ok := r.modules[name]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	// Compile outside the lock to warm the shared cache; the throwaway
	// runtime is closed immediately, the cached machine code survives.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(r.cache))
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errdefs.InvalidArgumentf("failed to compile module %q: %v", name, err)
	}
	_ = compiled.Close(ctx)
	_ = rt.Close(ctx)

	m := &CompiledModule{Name: name, bytes: wasmBytes}

	r.mu.Lock()
	if existing, ok := r.modules[name]; ok {
		m = existing
	} else {
		r.modules[name] = m
	}
	r.mu.Unlock()

	metrics.ModulesCompiled.Inc()
	r.logger.Info().Str("module", name).Int("size", len(wasmBytes)).Msg("compiled wasm module")
	return m, nil
}

// GetModule returns a previously loaded module by name.
func (r *Runtime) GetModule(name string) (*CompiledModule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	return m, ok
}

// CachedModules lists the names of all cached modules.
func (r *Runtime) CachedModules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// Instantiate creates a single sandboxed instance of module with the
// given shim config and memory limit.
func (r *Runtime) Instantiate(ctx context.Context, module *CompiledModule, cfg *shim.Config, memoryLimit uint64) (*Instance, error) {
	return newInstance(ctx, r, module, cfg, memoryLimit)
}

// NewPool creates a warm instance pool for module.
func (r *Runtime) NewPool(module *CompiledModule, cfg PoolConfig) *InstancePool {
	factory := &InstanceFactory{runtime: r, module: module}
	return NewInstancePool(factory, cfg)
}

// Close releases the compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}
