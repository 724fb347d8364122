package runtime

import (
	"context"
	"encoding/json"

	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/shim"
)

// Host module ABI.
//
// The shims are exported to guests under the "warpgrid_shim" host module.
// Strings and byte buffers travel as (ptr, len) pairs in guest memory;
// host-produced data is written into guest memory through the guest's
// exported warpgrid_alloc and returned as a packed u64: ptr<<32 | len.
// Data-returning functions yield an i64 whose negative values are error
// codes.
const hostModuleName = "warpgrid_shim"

// Error codes surfaced to guests.
const (
	errGeneric            = -1
	errNotFound           = -2
	errInvalidArgument    = -3
	errFailedPrecondition = -4
	errResourceExhausted  = -5
	errUnavailable        = -6
)

func errCode(err error) int64 {
	switch {
	case errdefs.IsNotFound(err):
		return errNotFound
	case errdefs.IsInvalidArgument(err):
		return errInvalidArgument
	case errdefs.IsFailedPrecondition(err):
		return errFailedPrecondition
	case errdefs.IsResourceExhausted(err):
		return errResourceExhausted
	case errdefs.IsUnavailable(err):
		return errUnavailable
	default:
		return errGeneric
	}
}

func pack(ptr uint32, length int) int64 {
	return int64(uint64(ptr)<<32 | uint64(uint32(length)))
}

// writeGuestBytes copies data into guest memory via warpgrid_alloc.
func writeGuestBytes(ctx context.Context, mod wazeroapi.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction("warpgrid_alloc")
	if alloc == nil {
		return 0, errdefs.FailedPreconditionf("module exports no warpgrid_alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, errdefs.Unavailablef("guest alloc failed: %v", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, errdefs.Unavailablef("guest alloc returned out-of-bounds pointer")
	}
	return ptr, nil
}

// writeResult copies data into guest memory and packs the location, or
// returns the error code.
func writeResult(ctx context.Context, mod wazeroapi.Module, data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	ptr, err := writeGuestBytes(ctx, mod, data)
	if err != nil {
		return errCode(err)
	}
	return pack(ptr, len(data))
}

func readString(mod wazeroapi.Module, ptr, length uint32) (string, bool) {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

var signalCodes = map[uint32]shim.SignalType{
	0: shim.SignalTerminate,
	1: shim.SignalHangup,
	2: shim.SignalInterrupt,
}

// registerHostModule exports the shim interfaces to the guest. Each
// function answers from the instance's host state; disabled shims yield
// FailedPrecondition codes.
func registerHostModule(ctx context.Context, rt wazero.Runtime, host *shim.HostState) error {
	builder := rt.NewHostModuleBuilder(hostModuleName)

	// ── filesystem ────────────────────────────────────────────────

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, pathPtr, pathLen uint32) int64 {
			if host.Filesystem == nil {
				return errFailedPrecondition
			}
			path, ok := readString(mod, pathPtr, pathLen)
			if !ok {
				return errInvalidArgument
			}
			handle, err := host.Filesystem.OpenVirtual(path)
			if err != nil {
				return errCode(err)
			}
			return int64(handle)
		}).
		Export("fs_open")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, handle uint64, maxLen uint32) int64 {
			if host.Filesystem == nil {
				return errFailedPrecondition
			}
			data, err := host.Filesystem.ReadVirtual(handle, maxLen)
			if err != nil {
				return errCode(err)
			}
			return writeResult(ctx, mod, data)
		}).
		Export("fs_read")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, pathPtr, pathLen uint32) int64 {
			if host.Filesystem == nil {
				return errFailedPrecondition
			}
			path, ok := readString(mod, pathPtr, pathLen)
			if !ok {
				return errInvalidArgument
			}
			stat, err := host.Filesystem.StatVirtual(path)
			if err != nil {
				return errCode(err)
			}
			data, _ := json.Marshal(map[string]any{
				"size":         stat.Size,
				"is_file":      stat.IsFile,
				"is_directory": stat.IsDirectory,
			})
			return writeResult(ctx, mod, data)
		}).
		Export("fs_stat")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, handle uint64) {
			if host.Filesystem != nil {
				host.Filesystem.CloseVirtual(handle)
			}
		}).
		Export("fs_close")

	// ── dns ───────────────────────────────────────────────────────

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, namePtr, nameLen uint32) int64 {
			if host.DNS == nil {
				return errFailedPrecondition
			}
			name, ok := readString(mod, namePtr, nameLen)
			if !ok {
				return errInvalidArgument
			}
			records, err := host.DNS.ResolveAddress(name)
			if err != nil {
				return errCode(err)
			}
			data, _ := json.Marshal(records)
			return writeResult(ctx, mod, data)
		}).
		Export("dns_resolve")

	// ── signals ───────────────────────────────────────────────────

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, sig uint32) int32 {
			if host.Signals == nil {
				return int32(errFailedPrecondition)
			}
			signal, ok := signalCodes[sig]
			if !ok {
				return int32(errInvalidArgument)
			}
			host.Signals.OnSignal(signal)
			return 0
		}).
		Export("signal_on")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module) int32 {
			if host.Signals == nil {
				return int32(errFailedPrecondition)
			}
			signal, ok := host.Signals.PollSignal()
			if !ok {
				return -100 // none pending
			}
			for code, s := range signalCodes {
				if s == signal {
					return int32(code)
				}
			}
			return int32(errGeneric)
		}).
		Export("signal_poll")

	// ── threading ─────────────────────────────────────────────────

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, parallel, cooperative uint32) int32 {
			err := host.DeclareThreadingModel(shim.ThreadingModel{
				ParallelRequired: parallel != 0,
				Cooperative:      cooperative != 0,
			})
			if err != nil {
				return int32(errCode(err))
			}
			return 0
		}).
		Export("threading_declare")

	// ── database proxy ────────────────────────────────────────────

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, cfgPtr, cfgLen uint32) int64 {
			if host.DBProxy == nil {
				return errFailedPrecondition
			}
			raw, ok := mod.Memory().Read(cfgPtr, cfgLen)
			if !ok {
				return errInvalidArgument
			}
			var cfg shim.ConnectConfig
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return errInvalidArgument
			}
			handle, err := host.DBProxy.Connect(cfg)
			if err != nil {
				return errCode(err)
			}
			return int64(handle)
		}).
		Export("db_connect")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, handle uint64, dataPtr, dataLen uint32) int64 {
			if host.DBProxy == nil {
				return errFailedPrecondition
			}
			data, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return errInvalidArgument
			}
			sent, err := host.DBProxy.Send(handle, data)
			if err != nil {
				return errCode(err)
			}
			return int64(sent)
		}).
		Export("db_send")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, handle uint64, maxBytes uint32) int64 {
			if host.DBProxy == nil {
				return errFailedPrecondition
			}
			data, err := host.DBProxy.Recv(handle, maxBytes)
			if err != nil {
				return errCode(err)
			}
			return writeResult(ctx, mod, data)
		}).
		Export("db_recv")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, handle uint64) int32 {
			if host.DBProxy == nil {
				return int32(errFailedPrecondition)
			}
			if err := host.DBProxy.Close(handle); err != nil {
				return int32(errCode(err))
			}
			return 0
		}).
		Export("db_close")

	_, err := builder.Instantiate(ctx)
	return err
}
