package wasmext

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wudi/isapigw/internal/isapi"
	"github.com/wudi/isapigw/internal/logging"
)

var errRejected = errors.New("wasmext: GetExtensionVersion returned FALSE")

// TrapError reports a guest that trapped or was interrupted inside an entry
// point. HttpExtensionProc panics with it so the server treats the call as
// a crashed extension.
type TrapError struct {
	Path   string
	Export string
	Err    error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("wasmext: %s in %s: %v", e.Export, e.Path, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// signature of an entry point export: its parameter count, all i32, and a
// single i32 result.
var entrySignatures = map[string]int{
	exportVersion:   1,
	exportProc:      1,
	exportTerminate: 1,
}

// Module is an opened wasm extension. Each pooled instance runs
// GetExtensionVersion once before it serves requests.
type Module struct {
	path     string
	compiled wazero.CompiledModule
	pool     *instancePool
	handles  atomic.Uint32
}

// Lookup implements isapi.Module.
func (m *Module) Lookup(symbol string) (any, error) {
	params, known := entrySignatures[symbol]
	if !known {
		return nil, fmt.Errorf("%w: %s", isapi.ErrSymbolNotFound, symbol)
	}
	def, ok := m.compiled.ExportedFunctions()[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", isapi.ErrSymbolNotFound, symbol)
	}
	if !i32Signature(def, params) {
		return nil, fmt.Errorf("wasmext: %s in %s has signature %v -> %v", symbol, m.path, def.ParamTypes(), def.ResultTypes())
	}

	switch symbol {
	case exportVersion:
		return isapi.GetExtensionVersionFunc(m.getExtensionVersion), nil
	case exportProc:
		return isapi.HttpExtensionProcFunc(m.httpExtensionProc), nil
	default:
		return isapi.TerminateExtensionFunc(m.terminateExtension), nil
	}
}

func i32Signature(def api.FunctionDefinition, params int) bool {
	pt, rt := def.ParamTypes(), def.ResultTypes()
	if len(pt) != params || len(rt) != 1 || rt[0] != api.ValueTypeI32 {
		return false
	}
	for _, t := range pt {
		if t != api.ValueTypeI32 {
			return false
		}
	}
	return true
}

// Close releases the idle instances. The compiled code stays cached in the
// loader.
func (m *Module) Close() error {
	m.pool.Close(context.Background())
	return nil
}

// Stats returns the instance pool counters.
func (m *Module) Stats() PoolStats { return m.pool.Stats() }

func (m *Module) trap(export string, err error) *TrapError {
	return &TrapError{Path: m.path, Export: export, Err: err}
}

// getExtensionVersion initialises every idle instance and reports the
// version of the first. Instances created later are initialised on
// creation.
func (m *Module) getExtensionVersion(info *isapi.VersionInfo) bool {
	ctx := context.Background()
	var first *isapi.VersionInfo
	setup := func(ctx context.Context, inst api.Module) error {
		v, err := m.callVersion(ctx, inst)
		if err != nil {
			return err
		}
		if first == nil {
			first = v
		}
		return nil
	}

	err := m.pool.each(ctx, func(inst api.Module) error { return setup(ctx, inst) })
	switch {
	case errors.Is(err, errRejected):
		return false
	case err != nil:
		panic(m.trap(exportVersion, err))
	}

	if first == nil {
		// every instance was busy or the pool is empty; initialise a new one
		inst, err := m.pool.instantiate(ctx)
		if err != nil {
			panic(m.trap(exportVersion, err))
		}
		if err := setup(ctx, inst); err != nil {
			inst.Close(ctx)
			if errors.Is(err, errRejected) {
				return false
			}
			panic(m.trap(exportVersion, err))
		}
		m.pool.Return(ctx, inst)
	}

	m.pool.setSetup(func(ctx context.Context, inst api.Module) error {
		_, err := m.callVersion(ctx, inst)
		return err
	})
	*info = *first
	return true
}

func (m *Module) callVersion(ctx context.Context, inst api.Module) (*isapi.VersionInfo, error) {
	ptr, free, err := allocate(ctx, inst, versionInfoSize)
	if err != nil {
		return nil, err
	}
	defer free()

	mem := inst.Memory()
	mem.Write(ptr, make([]byte, versionInfoSize))
	res, err := inst.ExportedFunction(exportVersion).Call(ctx, uint64(ptr))
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return nil, errRejected
	}

	version, _ := mem.ReadUint32Le(ptr)
	desc, _ := mem.Read(ptr+versionOffDesc, versionDescMaxSize)
	return &isapi.VersionInfo{ExtensionVersion: version, ExtensionDesc: cString(desc)}, nil
}

func (m *Module) terminateExtension(flags uint32) bool {
	ctx := context.Background()
	unload := true
	err := m.pool.each(ctx, func(inst api.Module) error {
		res, err := inst.ExportedFunction(exportTerminate).Call(ctx, uint64(flags))
		if err != nil {
			return err
		}
		if len(res) > 0 && uint32(res[0]) == 0 {
			unload = false
		}
		return nil
	})
	if err != nil {
		logging.Warn("wasm extension trapped in TerminateExtension", zap.String("extension", m.path), zap.Error(err))
	}
	return unload
}

// httpExtensionProc lays the control block out in guest memory, runs the
// guest entry point and copies back what the guest left in it.
func (m *Module) httpExtensionProc(ecb *isapi.ControlBlock) uint32 {
	ctx := ecb.ConnID.Context()
	inst, err := m.pool.Borrow(ctx)
	if err != nil {
		panic(m.trap(exportProc, err))
	}

	lay := layoutControlBlock(ecb)
	ptr, free, err := allocate(ctx, inst, uint32(len(lay.buf)))
	if err != nil {
		m.pool.Discard(ctx, inst)
		panic(m.trap(exportProc, err))
	}
	hs := &hostState{
		conn:   ecb.ConnID,
		ecb:    ecb,
		ecbPtr: ptr,
		handle: m.handles.Add(1),
		mod:    inst,
		path:   m.path,
	}
	mem := inst.Memory()
	if !mem.Write(ptr, lay.relocate(ptr, hs.handle)) {
		m.pool.Discard(ctx, inst)
		panic(m.trap(exportProc, errors.New("control block does not fit in guest memory")))
	}

	res, err := inst.ExportedFunction(exportProc).Call(contextWithHostState(ctx, hs), uint64(ptr))
	if err != nil {
		m.pool.Discard(ctx, inst)
		panic(m.trap(exportProc, err))
	}

	if v, ok := mem.ReadUint32Le(ptr + ecbOffStatus); ok {
		ecb.HTTPStatusCode = v
	}
	if logData, ok := mem.Read(ptr+ecbOffLogData, isapi.LogBufferLen); ok {
		ecb.SetLogData(cString(logData))
	}
	free()
	m.pool.Return(ctx, inst)

	if len(res) == 0 {
		return isapi.StatusError
	}
	return uint32(res[0])
}

// allocate reserves n bytes through the guest allocator. free calls the
// optional deallocate export.
func allocate(ctx context.Context, inst api.Module, n uint32) (uint32, func(), error) {
	res, err := inst.ExportedFunction(exportAllocate).Call(ctx, uint64(n))
	if err != nil {
		return 0, nil, err
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return 0, nil, fmt.Errorf("wasmext: guest failed to allocate %d bytes", n)
	}
	ptr := uint32(res[0])
	free := func() {
		if dealloc := inst.ExportedFunction(exportDeallocate); dealloc != nil {
			dealloc.Call(ctx, uint64(ptr), uint64(n))
		}
	}
	return ptr, free, nil
}

func logCallbackTrap(path string, err error) {
	logging.Error("wasm extension trapped in its completion callback",
		zap.String("extension", path), zap.Error(err))
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
