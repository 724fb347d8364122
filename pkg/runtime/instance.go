package runtime

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/shim"
	"github.com/warpgrid/warpgrid/pkg/stream"
)

// Instance is a running, sandboxed Wasm instance with its own host state
// and engine binding. Instances are exclusively owned: no host state is
// shared across instances.
type Instance struct {
	rt         wazero.Runtime
	mod        wazeroapi.Module
	host       *shim.HostState
	limiter    *Limiter
	moduleName string
}

// newInstance instantiates module inside a fresh engine sandbox. The
// memory limit is enforced at the engine (page cap) and mirrored in the
// limiter for host-visible accounting.
func newInstance(ctx context.Context, r *Runtime, module *CompiledModule, cfg *shim.Config, memoryLimit uint64) (*Instance, error) {
	if memoryLimit == 0 {
		memoryLimit = DefaultMemoryLimit
	}
	pages := uint32(memoryLimit / wasmPageSize)
	if pages == 0 {
		pages = 1
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithCompilationCache(r.cache).
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	host := shim.NewHostState(cfg)
	limiter := NewLimiter(memoryLimit, DefaultTableLimit)

	if err := registerHostModule(ctx, rt, host); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, module.bytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errdefs.InvalidArgumentf("failed to compile %q for instantiation: %v", module.Name, err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(module.Name).
		WithStartFunctions() // Warm instances run no start function; dispatch calls the handler export.

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errdefs.Unavailablef("failed to instantiate %q: %v", module.Name, err)
	}

	rlog := log.WithComponent("runtime")
	rlog.Debug().Str("module", module.Name).Uint64("memory_limit", memoryLimit).Msg("wasm instance created")

	return &Instance{
		rt:         rt,
		mod:        mod,
		host:       host,
		limiter:    limiter,
		moduleName: module.Name,
	}, nil
}

// ModuleName returns the name of the module this instance was created from.
func (i *Instance) ModuleName() string { return i.moduleName }

// HostState returns the instance's shim container.
func (i *Instance) HostState() *shim.HostState { return i.host }

// Limiter returns the instance's resource limiter.
func (i *Instance) Limiter() *Limiter { return i.limiter }

// MemoryUsage samples the guest's current linear-memory size in bytes.
func (i *Instance) MemoryUsage() uint64 {
	mem := i.mod.Memory()
	if mem == nil {
		return 0
	}
	// A module without memory yields a nil pointer boxed in the interface.
	if v := reflect.ValueOf(mem); v.Kind() == reflect.Ptr && v.IsNil() {
		return 0
	}
	used := uint64(mem.Size())
	i.limiter.SetMemoryUsed(used)
	return used
}

// wireRequest is the JSON shape handed to the guest handler export.
type wireRequest struct {
	Method  string     `json:"method"`
	URI     string     `json:"uri"`
	Headers [][2]string `json:"headers"`
	Body    []byte     `json:"body"`
}

// wireResponse is the JSON shape returned by the guest handler export.
type wireResponse struct {
	Status  int        `json:"status"`
	Headers [][2]string `json:"headers"`
	Body    []byte     `json:"body"`
}

// Invoke dispatches an HTTP-style request to the guest's handler export
// and materializes its response. The guest must export warpgrid_handle
// and warpgrid_alloc.
func (i *Instance) Invoke(ctx context.Context, req *stream.Request) (*stream.Response, error) {
	handler := i.mod.ExportedFunction("warpgrid_handle")
	if handler == nil {
		return nil, errdefs.FailedPreconditionf("module %q exports no warpgrid_handle", i.moduleName)
	}

	body, err := req.Body.Bytes()
	if err != nil {
		return nil, err
	}
	wr := wireRequest{Method: req.Method, URI: req.URI, Body: body}
	for _, h := range req.Headers {
		wr.Headers = append(wr.Headers, [2]string{h.Name, h.Value})
	}
	payload, err := json.Marshal(wr)
	if err != nil {
		return nil, errdefs.InvalidArgumentf("failed to encode request: %v", err)
	}

	ptr, err := writeGuestBytes(ctx, i.mod, payload)
	if err != nil {
		return nil, err
	}

	results, err := handler.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, errdefs.Unavailablef("guest invocation failed: %v", err)
	}
	if len(results) == 0 {
		return nil, errdefs.Unavailablef("guest returned no result")
	}

	respPtr := uint32(results[0] >> 32)
	respLen := uint32(results[0])
	data, ok := i.mod.Memory().Read(respPtr, respLen)
	if !ok {
		return nil, errdefs.Unavailablef("guest response out of bounds")
	}

	var wresp wireResponse
	if err := json.Unmarshal(data, &wresp); err != nil {
		return nil, errdefs.Unavailablef("failed to decode guest response: %v", err)
	}

	headers := make([]stream.Header, 0, len(wresp.Headers))
	for _, h := range wresp.Headers {
		headers = append(headers, stream.Header{Name: h[0], Value: h[1]})
	}
	i.MemoryUsage()
	return stream.NewResponse(wresp.Status, headers, wresp.Body), nil
}

// Close tears down the instance and its engine sandbox. In-flight guest
// calls run to their next suspension point and are then dropped with the
// store.
func (i *Instance) Close(ctx context.Context) error {
	return i.rt.Close(ctx)
}

// InstanceFactory creates instances of one compiled module on demand.
// Pools hold a shared reference to the factory; they do not own the module.
type InstanceFactory struct {
	runtime *Runtime
	module  *CompiledModule
}

// Create instantiates a new instance with the factory's module.
func (f *InstanceFactory) Create(ctx context.Context, cfg *shim.Config, memoryLimit uint64) (*Instance, error) {
	return newInstance(ctx, f.runtime, f.module, cfg, memoryLimit)
}

// Module returns the compiled module this factory produces instances of.
func (f *InstanceFactory) Module() *CompiledModule { return f.module }
