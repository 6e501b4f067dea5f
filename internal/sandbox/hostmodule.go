package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Guest ABI. A tool module must export a linear memory named "memory", an
// allocator, and an entrypoint:
//
//	tool_alloc(size i32) -> ptr i32
//	tool_run(ptr i32, len i32) -> packed i64
//
// The host writes the input into a region obtained from tool_alloc, calls
// tool_run, and reads the output from the region packed into the result
// (pointer in the high 32 bits, length in the low 32). A packed value of
// zero means empty output. The only import a module may declare is
// ironclaw.host_call, which uses the same region convention in both
// directions. Modules built with a start hook export _initialize, which
// the engine calls once before tool_run.
const (
	HostModuleName = "ironclaw"
	HostCallName   = "host_call"

	guestMemory = "memory"
	guestAlloc  = "tool_alloc"
	guestRun    = "tool_run"
	guestInit   = "_initialize"
)

// packRegion encodes a guest memory region into one i64 result.
func packRegion(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// unpackRegion splits a packed i64 into pointer and length.
func unpackRegion(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// registerHostModule instantiates the "ironclaw" host module on the
// runtime. One registration serves every instance; per-call state travels
// on the context.
func registerHostModule(ctx context.Context, runtime wazero.Runtime) (api.Closer, error) {
	return runtime.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().
		WithFunc(hostCall).
		Export(HostCallName).
		Instantiate(ctx)
}

// hostCall is the single host import. It reads the request envelope from
// guest memory, dispatches it, allocates a region in the guest for the
// response, and returns the packed region. Denials panic through wazero,
// which recovers them into an error from the guest call and tears the
// instance down.
func hostCall(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	hs := hostStateFrom(ctx)
	if hs == nil {
		panic(hostAbort{cause: errors.New("host call outside an execution")})
	}

	view, ok := mod.Memory().Read(ptr, length)
	if !ok {
		panic(hostAbort{cause: fmt.Errorf("host call request region (%d,%d) is out of range", ptr, length)})
	}
	// tool_alloc below may grow memory and remap the buffer backing the
	// view, so the request is copied out first.
	req := make([]byte, len(view))
	copy(req, view)

	resp := hs.dispatch(ctx, req)
	if len(resp) == 0 {
		return 0
	}

	alloc := mod.ExportedFunction(guestAlloc)
	if alloc == nil {
		panic(hostAbort{cause: fmt.Errorf("module does not export %s", guestAlloc)})
	}
	results, err := alloc.Call(ctx, uint64(len(resp)))
	if err != nil {
		panic(hostAbort{cause: fmt.Errorf("module allocator failed: %w", err)})
	}
	out := uint32(results[0])
	if out == 0 {
		panic(hostAbort{cause: errors.New("module allocator returned a null pointer")})
	}
	if !mod.Memory().Write(out, resp) {
		panic(hostAbort{cause: fmt.Errorf("host response region (%d,%d) is out of range", out, len(resp))})
	}
	return packRegion(out, uint32(len(resp)))
}

// validateABI checks a compiled module against the guest ABI before it is
// admitted to the cache. It returns the module's minimum memory size in
// pages and whether it exports an initializer.
func validateABI(compiled wazero.CompiledModule) (minPages uint32, hasInit bool, err error) {
	memories := compiled.ExportedMemories()
	mem, ok := memories[guestMemory]
	if !ok {
		return 0, false, fmt.Errorf("%w: module must export a memory named %q", ErrInvalidModule, guestMemory)
	}
	if len(memories) != 1 {
		return 0, false, fmt.Errorf("%w: module must export exactly one memory, found %d", ErrInvalidModule, len(memories))
	}
	minPages = mem.Min()

	functions := compiled.ExportedFunctions()
	allocDef, ok := functions[guestAlloc]
	if !ok {
		return 0, false, fmt.Errorf("%w: module must export %s", ErrInvalidModule, guestAlloc)
	}
	if !signatureMatches(allocDef, []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}) {
		return 0, false, fmt.Errorf("%w: %s must have signature (i32) -> i32", ErrInvalidModule, guestAlloc)
	}
	runDef, ok := functions[guestRun]
	if !ok {
		return 0, false, fmt.Errorf("%w: module must export %s", ErrInvalidModule, guestRun)
	}
	if !signatureMatches(runDef, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}) {
		return 0, false, fmt.Errorf("%w: %s must have signature (i32, i32) -> i64", ErrInvalidModule, guestRun)
	}
	if initDef, found := functions[guestInit]; found {
		if !signatureMatches(initDef, nil, nil) {
			return 0, false, fmt.Errorf("%w: %s must take no parameters and return nothing", ErrInvalidModule, guestInit)
		}
		hasInit = true
	}

	for _, imp := range compiled.ImportedFunctions() {
		modName, name, found := imp.Import()
		if !found {
			continue
		}
		if modName != HostModuleName || name != HostCallName {
			return 0, false, fmt.Errorf("%w: import %s.%s is not provided by this host", ErrInvalidModule, modName, name)
		}
		if !signatureMatches(imp, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}) {
			return 0, false, fmt.Errorf("%w: %s.%s must have signature (i32, i32) -> i64", ErrInvalidModule, HostModuleName, HostCallName)
		}
	}
	return minPages, hasInit, nil
}

func signatureMatches(def api.FunctionDefinition, params, results []api.ValueType) bool {
	return valueTypesEqual(def.ParamTypes(), params) && valueTypesEqual(def.ResultTypes(), results)
}

func valueTypesEqual(got, want []api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
