package wasmext

import (
	"bytes"
	"context"
	"errors"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wudi/isapigw/internal/isapi"
)

type ctxKey struct{}

// hostState ties a guest call to the request it serves. handle is the
// ConnID value written into the guest control block.
type hostState struct {
	conn   isapi.Connection
	ecb    *isapi.ControlBlock
	ecbPtr uint32
	handle uint32
	mod    api.Module
	path   string

	// lastErr is set when a call fails before reaching the connection,
	// e.g. on a bad guest pointer.
	lastErr    isapi.Errno
	hasLastErr bool
}

func contextWithHostState(ctx context.Context, hs *hostState) context.Context {
	return context.WithValue(ctx, ctxKey{}, hs)
}

// hostStateFor returns the state of the request conn names, or nil for a
// stale or foreign handle.
func hostStateFor(ctx context.Context, conn uint32) *hostState {
	hs, _ := ctx.Value(ctxKey{}).(*hostState)
	if hs == nil || hs.handle != conn {
		return nil
	}
	return hs
}

func (hs *hostState) fault(e isapi.Errno) uint32 {
	hs.lastErr, hs.hasLastErr = e, true
	return 0
}

// result records how a delegated call ended.
func (hs *hostState) result(ok bool) uint32 {
	if ok {
		return 1
	}
	hs.hasLastErr = false
	return 0
}

// enter copies the status code the guest may have stored directly; leave
// copies the one the server recorded back.
func (hs *hostState) enter() {
	if v, ok := hs.mod.Memory().ReadUint32Le(hs.ecbPtr + ecbOffStatus); ok {
		hs.ecb.HTTPStatusCode = v
	}
}

func (hs *hostState) leave() {
	hs.mod.Memory().WriteUint32Le(hs.ecbPtr+ecbOffStatus, hs.ecb.HTTPStatusCode)
}

// readCString reads a NUL-terminated string at ptr. A zero pointer is the
// empty string.
func readCString(mem api.Memory, ptr uint32) (string, bool) {
	if ptr == 0 {
		return "", true
	}
	size := mem.Size()
	if ptr >= size {
		return "", false
	}
	view, ok := mem.Read(ptr, size-ptr)
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(view, 0); i >= 0 {
		view = view[:i]
	}
	return string(view), true
}

// readCopy copies n bytes at ptr out of guest memory.
func readCopy(mem api.Memory, ptr, n uint32) ([]byte, bool) {
	if n == 0 {
		return nil, true
	}
	view, ok := mem.Read(ptr, n)
	if !ok {
		return nil, false
	}
	return bytes.Clone(view), true
}

func writeBool(mem api.Memory, ptr uint32, v bool) bool {
	var u uint32
	if v {
		u = 1
	}
	return mem.WriteUint32Le(ptr, u)
}

// instantiateHostModule registers the callbacks as the "isapi" module.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(HostModule)

	b.NewFunctionBuilder().
		WithFunc(hostGetServerVariable).
		WithParameterNames("conn", "name_ptr", "buf_ptr", "size_ptr").
		Export(fnGetServerVariable)

	b.NewFunctionBuilder().
		WithFunc(hostWriteClient).
		WithParameterNames("conn", "buf_ptr", "size_ptr", "reserved").
		Export(fnWriteClient)

	b.NewFunctionBuilder().
		WithFunc(hostReadClient).
		WithParameterNames("conn", "buf_ptr", "size_ptr").
		Export(fnReadClient)

	b.NewFunctionBuilder().
		WithFunc(hostServerSupportFunction).
		WithParameterNames("conn", "code", "buf_ptr", "size_ptr", "type_ptr").
		Export(fnServerSupportFunction)

	b.NewFunctionBuilder().
		WithFunc(hostGetLastError).
		WithParameterNames("conn").
		Export(fnGetLastError)

	_, err := b.Instantiate(ctx)
	return err
}

// --- Host function implementations ---

func hostGetServerVariable(ctx context.Context, mod api.Module, conn, namePtr, bufPtr, sizePtr uint32) uint32 {
	hs := hostStateFor(ctx, conn)
	if hs == nil {
		return 0
	}
	mem := mod.Memory()
	name, ok := readCString(mem, namePtr)
	if !ok {
		return hs.fault(isapi.ErrInvalidParameter)
	}
	size, ok := mem.ReadUint32Le(sizePtr)
	if !ok {
		return hs.fault(isapi.ErrInvalidParameter)
	}
	// a view, so the value lands in guest memory directly
	buf, ok := mem.Read(bufPtr, size)
	if !ok {
		return hs.fault(isapi.ErrInvalidParameter)
	}

	hs.enter()
	res := hs.conn.GetServerVariable(name, buf, &size)
	hs.leave()
	mem.WriteUint32Le(sizePtr, size)
	return hs.result(res)
}

func hostWriteClient(ctx context.Context, mod api.Module, conn, bufPtr, sizePtr, reserved uint32) uint32 {
	hs := hostStateFor(ctx, conn)
	if hs == nil {
		return 0
	}
	mem := mod.Memory()
	n, ok := mem.ReadUint32Le(sizePtr)
	if !ok {
		return hs.fault(isapi.ErrInvalidParameter)
	}
	data, ok := mem.Read(bufPtr, n)
	if !ok {
		return hs.fault(isapi.ErrInvalidParameter)
	}

	hs.enter()
	res := hs.conn.WriteClient(data, &n, reserved)
	hs.leave()
	mem.WriteUint32Le(sizePtr, n)
	return hs.result(res)
}

func hostReadClient(ctx context.Context, mod api.Module, conn, bufPtr, sizePtr uint32) uint32 {
	hs := hostStateFor(ctx, conn)
	if hs == nil {
		return 0
	}
	mem := mod.Memory()
	size, ok := mem.ReadUint32Le(sizePtr)
	if !ok {
		return hs.fault(isapi.ErrInvalidParameter)
	}
	buf, ok := mem.Read(bufPtr, size)
	if !ok {
		return hs.fault(isapi.ErrInvalidParameter)
	}

	hs.enter()
	res := hs.conn.ReadClient(buf, &size)
	hs.leave()
	mem.WriteUint32Le(sizePtr, size)
	return hs.result(res)
}

func hostGetLastError(ctx context.Context, conn uint32) uint32 {
	hs := hostStateFor(ctx, conn)
	if hs == nil {
		return uint32(isapi.ErrInvalidParameter)
	}
	if hs.hasLastErr {
		return uint32(hs.lastErr)
	}
	return uint32(hs.conn.LastError())
}

func hostServerSupportFunction(ctx context.Context, mod api.Module, conn, code, bufPtr, sizePtr, typePtr uint32) uint32 {
	hs := hostStateFor(ctx, conn)
	if hs == nil {
		return 0
	}
	hs.enter()
	defer hs.leave()

	mem := mod.Memory()
	switch code {
	case isapi.ReqSendURLRedirectResp, isapi.ReqSendURL, isapi.ReqAppendLogParameter:
		arg, ok := readCString(mem, bufPtr)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		return hs.result(hs.conn.ServerSupportFunction(code, arg, nil, nil))

	case isapi.ReqSendResponseHeader:
		status, ok := readCString(mem, bufPtr)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		head, ok := readCString(mem, typePtr)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		return hs.result(hs.conn.ServerSupportFunction(code, status, nil, head))

	case isapi.ReqSendResponseHeaderEx:
		shi, ok := readSendHeaderEx(mem, bufPtr)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		return hs.result(hs.conn.ServerSupportFunction(code, shi, nil, nil))

	case isapi.ReqMapURLToPath:
		size, ok := mem.ReadUint32Le(sizePtr)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		buf, ok := mem.Read(bufPtr, size)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		res := hs.conn.ServerSupportFunction(code, buf, &size, nil)
		mem.WriteUint32Le(sizePtr, size)
		return hs.result(res)

	case isapi.ReqMapURLToPathEx:
		url, ok := readCString(mem, bufPtr)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		if _, ok := mem.Read(typePtr, mapExSize); !ok || typePtr == 0 {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		var info isapi.URLMapExInfo
		if !hs.conn.ServerSupportFunction(code, url, nil, &info) {
			return hs.result(false)
		}
		mem.Write(typePtr, info.Path[:])
		mem.WriteUint32Le(typePtr+mapExOffFlags, info.Flags)
		mem.WriteUint32Le(typePtr+mapExOffMatchPath, info.MatchingPath)
		mem.WriteUint32Le(typePtr+mapExOffMatchURL, info.MatchingURL)
		return 1

	case isapi.ReqIOCompletion:
		if bufPtr == 0 {
			return hs.result(hs.conn.ServerSupportFunction(code, nil, nil, nil))
		}
		cb := hs.completion(ctx, bufPtr)
		if cb == nil {
			// the guest has no trampoline to call back through
			return hs.result(hs.conn.ServerSupportFunction(code, bufPtr, nil, nil))
		}
		return hs.result(hs.conn.ServerSupportFunction(code, cb, nil, typePtr))

	case isapi.ReqTransmitFile:
		return hs.transmitFile(ctx, mem, code, bufPtr)

	case isapi.ReqIsKeepConn, isapi.ReqIsConnected:
		if _, ok := mem.ReadUint32Le(bufPtr); !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		var v bool
		if !hs.conn.ServerSupportFunction(code, &v, nil, nil) {
			return hs.result(false)
		}
		writeBool(mem, bufPtr, v)
		return 1
	}

	// DONE_WITH_SESSION and the codes the server refuses take no arguments
	return hs.result(hs.conn.ServerSupportFunction(code, nil, nil, nil))
}

func readSendHeaderEx(mem api.Memory, ptr uint32) (*isapi.SendHeaderExInfo, bool) {
	if _, ok := mem.Read(ptr, sendHeaderExSize); !ok || ptr == 0 {
		return nil, false
	}
	u32 := func(off uint32) uint32 {
		v, _ := mem.ReadUint32Le(ptr + off)
		return v
	}
	status, ok := readCopy(mem, u32(0), u32(8))
	if !ok {
		return nil, false
	}
	header, ok := readCopy(mem, u32(4), u32(12))
	if !ok {
		return nil, false
	}
	return &isapi.SendHeaderExInfo{Status: status, Header: header, KeepConn: u32(16) != 0}, true
}

// completion returns a callback that re-enters the guest through its
// HseIoCompletion export, or nil when it has none.
func (hs *hostState) completion(ctx context.Context, fnIndex uint32) isapi.IOCompletionFunc {
	tramp := hs.mod.ExportedFunction(exportIOCompletion)
	if tramp == nil {
		return nil
	}
	path, ecbPtr := hs.path, hs.ecbPtr
	return func(_ *isapi.ControlBlock, arg any, n, errCode uint32) {
		guestCtx, _ := arg.(uint32)
		if _, err := tramp.Call(ctx, uint64(fnIndex), uint64(ecbPtr), uint64(guestCtx), uint64(n), uint64(errCode)); err != nil {
			logCallbackTrap(path, err)
		}
	}
}

// fileOpener is implemented by connections that open TransmitFile paths
// named by the guest, confined to the site's document tree.
type fileOpener interface {
	OpenFile(name string) (*os.File, error)
}

func (hs *hostState) transmitFile(ctx context.Context, mem api.Memory, code, ptr uint32) uint32 {
	if _, ok := mem.Read(ptr, tfSize); !ok || ptr == 0 {
		return hs.fault(isapi.ErrInvalidParameter)
	}
	field := func(off uint32) uint32 {
		v, _ := mem.ReadUint32Le(ptr + off)
		return v
	}

	tf := &isapi.TransmitFileInfo{
		BytesToWrite: field(tfOffBytesToWrite),
		Offset:       field(tfOffOffset),
		Flags:        field(tfOffFlags),
	}
	var okStatus, okHead, okTail bool
	tf.StatusCode, okStatus = readCString(mem, field(tfOffStatus))
	tf.Head, okHead = readCopy(mem, field(tfOffHead), field(tfOffHeadLen))
	tf.Tail, okTail = readCopy(mem, field(tfOffTail), field(tfOffTailLen))
	if !okStatus || !okHead || !okTail {
		return hs.fault(isapi.ErrInvalidParameter)
	}
	if fn := field(tfOffCallback); fn != 0 {
		tf.Callback = hs.completion(ctx, fn)
	}
	if c := field(tfOffContext); c != 0 {
		tf.Context = c
	}

	// a missing file reaches the connection as a nil handle
	if name, ok := readCString(mem, field(tfOffFile)); ok && name != "" {
		opener, ok := hs.conn.(fileOpener)
		if !ok {
			return hs.fault(isapi.ErrInvalidParameter)
		}
		f, err := opener.OpenFile(name)
		switch {
		case errors.Is(err, isapi.ErrInvalidParameter):
			return hs.fault(isapi.ErrInvalidParameter)
		case err == nil:
			defer f.Close()
			tf.File = f
		}
	}
	return hs.result(hs.conn.ServerSupportFunction(code, tf, nil, nil))
}
