// Package isapi runs ISAPI extensions behind a net/http server. It builds the
// extension control block for each request, serves the callbacks the
// extension makes through it and emulates the asynchronous completion model
// on top of a blocking wait.
package isapi

import (
	"context"
	"fmt"
	"os"
)

// Return values of HttpExtensionProc.
const (
	StatusSuccess         uint32 = 1
	StatusSuccessKeepConn uint32 = 2
	StatusPending         uint32 = 3
	StatusError           uint32 = 4
)

// ServerSupportFunction request codes.
const (
	ReqSendURLRedirectResp   uint32 = 1
	ReqSendURL               uint32 = 2
	ReqSendResponseHeader    uint32 = 3
	ReqDoneWithSession       uint32 = 4
	ReqMapURLToPath          uint32 = 1001
	ReqGetSSPIInfo           uint32 = 1002
	ReqAppendLogParameter    uint32 = 1003
	ReqIOCompletion          uint32 = 1005
	ReqTransmitFile          uint32 = 1006
	ReqRefreshISAPIACL       uint32 = 1007
	ReqIsKeepConn            uint32 = 1008
	ReqAsyncReadClient       uint32 = 1010
	ReqGetImpersonationToken uint32 = 1011
	ReqMapURLToPathEx        uint32 = 1012
	ReqAbortiveClose         uint32 = 1014
	ReqGetCertInfoEx         uint32 = 1015
	ReqSendResponseHeaderEx  uint32 = 1016
	ReqCloseConnection       uint32 = 1017
	ReqIsConnected           uint32 = 1018
	ReqExtensionTrigger      uint32 = 1020
)

// TerminateExtension flags.
const (
	TermAdvisoryUnload uint32 = 1
	TermMustUnload     uint32 = 2
)

// I/O flags for WriteClient and TransmitFile.
const (
	IOSync                uint32 = 0x1
	IOAsync               uint32 = 0x2
	IODisconnectAfterSend uint32 = 0x4
	IOSendHeaders         uint32 = 0x8
)

// Access flags reported by ReqMapURLToPathEx.
const (
	URLFlagsRead    uint32 = 0x001
	URLFlagsWrite   uint32 = 0x002
	URLFlagsExecute uint32 = 0x204 // execute + script
)

// Fixed buffer sizes from the ABI.
const (
	LogBufferLen = 80
	MaxPath      = 260
	MaxDescLen   = 256
)

// DefaultReportVersion is the server version placed in the control block, 5.0.
const DefaultReportVersion uint32 = 0x00050000

// Errno is a Win32 error code reported through Connection.LastError.
type Errno uint32

const (
	ErrnoSuccess          Errno = 0
	ErrWriteFault         Errno = 29
	ErrInvalidParameter   Errno = 87
	ErrInsufficientBuffer Errno = 122
	ErrInvalidIndex       Errno = 1413
)

func (e Errno) Error() string {
	switch e {
	case ErrnoSuccess:
		return "success"
	case ErrWriteFault:
		return "write fault"
	case ErrInvalidParameter:
		return "invalid parameter"
	case ErrInsufficientBuffer:
		return "insufficient buffer"
	case ErrInvalidIndex:
		return "invalid index"
	}
	return fmt.Sprintf("win32 error %d", uint32(e))
}

// Connection is the callback surface an extension reaches through
// ControlBlock.ConnID. Buffer capacities are min(*size, len(buf)).
type Connection interface {
	GetServerVariable(name string, buf []byte, size *uint32) bool
	WriteClient(buf []byte, n *uint32, reserved uint32) bool
	ReadClient(buf []byte, size *uint32) bool
	ServerSupportFunction(code uint32, buffer any, size *uint32, dataType any) bool
	LastError() Errno
	Context() context.Context
}

// ControlBlock is the extension control block handed to HttpExtensionProc.
type ControlBlock struct {
	Size           uint32
	Version        uint32
	ConnID         Connection
	HTTPStatusCode uint32
	LogData        [LogBufferLen]byte
	Method         string
	QueryString    string
	PathInfo       string
	PathTranslated string
	TotalBytes     uint32
	AvailableBytes uint32
	Data           []byte // NUL-terminated after AvailableBytes
	ContentType    string
}

// ControlBlockSize is the size of the control block in the 32-bit layout.
const ControlBlockSize = 144

// SetLogData copies s into LogData, truncated and NUL-terminated.
func (cb *ControlBlock) SetLogData(s string) {
	n := copy(cb.LogData[:LogBufferLen-1], s)
	cb.LogData[n] = 0
}

// LogMessage returns LogData up to its first NUL.
func (cb *ControlBlock) LogMessage() string {
	return cString(cb.LogData[:])
}

// VersionInfo is filled in by GetExtensionVersion.
type VersionInfo struct {
	ExtensionVersion uint32
	ExtensionDesc    string
}

// URLMapExInfo is the output of ReqMapURLToPathEx.
type URLMapExInfo struct {
	Path         [MaxPath]byte
	Flags        uint32
	MatchingPath uint32
	MatchingURL  uint32
}

// SendHeaderExInfo is the input of ReqSendResponseHeaderEx. Status and Header
// are already cut to their declared lengths and need not be NUL-terminated.
type SendHeaderExInfo struct {
	Status   []byte
	Header   []byte
	KeepConn bool
}

// IOCompletionFunc is the completion callback registered with ReqIOCompletion.
type IOCompletionFunc func(ecb *ControlBlock, ctx any, bytesIO uint32, errCode uint32)

// TransmitFileInfo is the input of ReqTransmitFile. BytesToWrite of zero
// sends the file from Offset to its end.
type TransmitFileInfo struct {
	Callback     IOCompletionFunc
	Context      any
	File         *os.File
	StatusCode   string
	BytesToWrite uint32
	Offset       uint32
	Head         []byte
	Tail         []byte
	Flags        uint32
}

// Entry point signatures resolved from a loaded module.
type (
	GetExtensionVersionFunc func(*VersionInfo) bool
	HttpExtensionProcFunc   func(*ControlBlock) uint32
	TerminateExtensionFunc  func(flags uint32) bool
)

// Entry point symbol names.
const (
	SymbolGetExtensionVersion = "GetExtensionVersion"
	SymbolHttpExtensionProc   = "HttpExtensionProc"
	SymbolTerminateExtension  = "TerminateExtension"
)

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
