package isapi

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"
)

// supportCall carries the arguments of one ServerSupportFunction call.
// after, when set, runs once the context lock is released.
type supportCall struct {
	code     uint32
	buffer   any
	size     *uint32
	dataType any
	after    func()
}

type supportFunc func(rc *RequestContext, call *supportCall) bool

var supportFuncs map[uint32]supportFunc

func init() {
	supportFuncs = map[uint32]supportFunc{
		ReqSendURLRedirectResp:  redirectResponse,
		ReqSendURL:              sendURL,
		ReqSendResponseHeader:   sendResponseHeader,
		ReqMapURLToPath:         mapURLToPath,
		ReqAppendLogParameter:   appendLogParameter,
		ReqIOCompletion:         ioCompletion,
		ReqTransmitFile:         transmitFile,
		ReqIsKeepConn:           isKeepConn,
		ReqMapURLToPathEx:       mapURLToPathEx,
		ReqSendResponseHeaderEx: sendResponseHeaderEx,
		ReqIsConnected:          isConnected,
	}
}

var supportNames = map[uint32]string{
	ReqSendURLRedirectResp:   "HSE_REQ_SEND_URL_REDIRECT_RESP",
	ReqSendURL:               "HSE_REQ_SEND_URL",
	ReqSendResponseHeader:    "HSE_REQ_SEND_RESPONSE_HEADER",
	ReqDoneWithSession:       "HSE_REQ_DONE_WITH_SESSION",
	ReqMapURLToPath:          "HSE_REQ_MAP_URL_TO_PATH",
	ReqGetSSPIInfo:           "HSE_REQ_GET_SSPI_INFO",
	ReqAppendLogParameter:    "HSE_APPEND_LOG_PARAMETER",
	ReqIOCompletion:          "HSE_REQ_IO_COMPLETION",
	ReqTransmitFile:          "HSE_REQ_TRANSMIT_FILE",
	ReqRefreshISAPIACL:       "HSE_REQ_REFRESH_ISAPI_ACL",
	ReqIsKeepConn:            "HSE_REQ_IS_KEEP_CONN",
	ReqAsyncReadClient:       "HSE_REQ_ASYNC_READ_CLIENT",
	ReqGetImpersonationToken: "HSE_REQ_GET_IMPERSONATION_TOKEN",
	ReqMapURLToPathEx:        "HSE_REQ_MAP_URL_TO_PATH_EX",
	ReqAbortiveClose:         "HSE_REQ_ABORTIVE_CLOSE",
	ReqGetCertInfoEx:         "HSE_REQ_GET_CERT_INFO_EX",
	ReqSendResponseHeaderEx:  "HSE_REQ_SEND_RESPONSE_HEADER_EX",
	ReqCloseConnection:       "HSE_REQ_CLOSE_CONNECTION",
	ReqIsConnected:           "HSE_REQ_IS_CONNECTED",
	ReqExtensionTrigger:      "HSE_REQ_EXTENSION_TRIGGER",
}

// SupportFunctionName returns the HSE_REQ name of code.
func SupportFunctionName(code uint32) string {
	if name, ok := supportNames[code]; ok {
		return name
	}
	return fmt.Sprintf("HSE_REQ_%d", code)
}

// ServerSupportFunction services one support request. Unknown and
// unimplemented codes fail with INVALID_PARAMETER and touch neither the
// caller's buffers nor the response.
func (rc *RequestContext) ServerSupportFunction(code uint32, buffer any, size *uint32, dataType any) bool {
	call := &supportCall{code: code, buffer: buffer, size: size, dataType: dataType}

	rc.mu.Lock()
	var ok bool
	switch {
	case code == ReqDoneWithSession:
		// still honoured after close so a late completion frees the extension
		ok = doneWithSession(rc, call)
	case rc.closed:
		rc.setErr(ErrInvalidParameter)
	default:
		fn, found := supportFuncs[code]
		if !found {
			fn = unsupported
		}
		ok = fn(rc, call)
	}
	rc.mu.Unlock()

	if call.after != nil {
		call.after()
	}
	return ok
}

// argBytes accepts the shapes a string argument arrives in.
func argBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	case *string:
		if b != nil {
			return []byte(*b)
		}
	}
	return nil
}

func invalidParameter(rc *RequestContext) bool {
	rc.setErr(ErrInvalidParameter)
	return false
}

func unsupported(rc *RequestContext, call *supportCall) bool {
	if rc.target.Dir.LogNotSupported {
		rc.h.warnUnsupported(rc.logger, call.code)
	}
	rc.h.metrics.RecordUnsupported(call.code)
	return invalidParameter(rc)
}

func redirectResponse(rc *RequestContext, call *supportCall) bool {
	rc.w.Header().Set("Location", cString(argBytes(call.buffer)))
	rc.setStatus(http.StatusFound)
	return true
}

func sendURL(rc *RequestContext, call *supportCall) bool {
	target := cString(argBytes(call.buffer))
	depth := redirectDepth(rc.r.Context())
	if depth >= rc.h.maxRedirects {
		rc.logger.Error("isapi internal redirect limit reached",
			zap.String("url", target), zap.Int("limit", rc.h.maxRedirects))
		return invalidParameter(rc)
	}
	u, err := rc.r.URL.Parse(target)
	if err != nil || target == "" {
		rc.logger.Warn("isapi internal redirect to an invalid url", zap.String("url", target), zap.Error(err))
		return invalidParameter(rc)
	}
	rc.redirected = true
	rc.h.internalRedirect(rc, u, depth+1)
	return true
}

func sendResponseHeader(rc *RequestContext, call *supportCall) bool {
	if err := rc.sendHeader(argBytes(call.buffer), argBytes(call.dataType)); err != nil {
		rc.setErr(errnoFor(err))
		return false
	}
	return true
}

func sendResponseHeaderEx(rc *RequestContext, call *supportCall) bool {
	shi, ok := call.buffer.(*SendHeaderExInfo)
	if !ok || shi == nil {
		return invalidParameter(rc)
	}
	if err := rc.sendHeader(shi.Status, shi.Header); err != nil {
		rc.setErr(errnoFor(err))
		return false
	}
	return true
}

func errnoFor(err error) Errno {
	if errors.Is(err, errHeaderPremature) || errors.Is(err, errHeaderMalformed) {
		return ErrInvalidParameter
	}
	return ErrWriteFault
}

func doneWithSession(rc *RequestContext, _ *supportCall) bool {
	rc.done.Signal()
	return true
}

func mapURLToPath(rc *RequestContext, call *supportCall) bool {
	buf, ok := call.buffer.([]byte)
	if !ok || call.size == nil {
		return invalidParameter(rc)
	}
	dst := bounded(buf, call.size)
	t := rc.site.mapper.Resolve(cString(dst))

	n := truncCString(dst, t.Filename)
	if t.IsDir() && n < len(dst)-1 {
		dst[n] = '\\'
		n++
		dst[n] = 0
	}
	*call.size = uint32(n)
	return true
}

func mapURLToPathEx(rc *RequestContext, call *supportCall) bool {
	info, ok := call.dataType.(*URLMapExInfo)
	if !ok || info == nil {
		return invalidParameter(rc)
	}
	uri := cString(bounded(argBytes(call.buffer), call.size))
	t := rc.site.mapper.Resolve(uri)

	matchURL := len(uri)
	matchPath := truncCString(info.Path[:], filepath.ToSlash(t.Filename))

	// start from a full match, then give back the path info and fix up
	// directory slashes
	if t.PathInfo != "" {
		truncCString(info.Path[matchPath:], t.PathInfo)
		matchURL = max(matchURL-len(t.PathInfo), 0)
		if t.IsDir() && matchPath < MaxPath-1 {
			matchPath++
			matchURL++
		}
	} else if t.IsDir() && matchPath < MaxPath-1 {
		info.Path[matchPath] = '/'
		matchPath++
		info.Path[matchPath] = 0
	}

	if t.Info == nil {
		for matchPath > 0 && matchURL > 0 && info.Path[matchPath-1] != '/' {
			matchPath--
			matchURL--
		}
	}

	for i := 0; i < MaxPath && info.Path[i] != 0; i++ {
		if info.Path[i] == '/' {
			info.Path[i] = '\\'
		}
	}

	info.MatchingPath = uint32(matchPath)
	info.MatchingURL = uint32(matchURL)
	info.Flags = accessFlags(t.Info)
	return true
}

func appendLogParameter(rc *RequestContext, call *supportCall) bool {
	param := cString(argBytes(call.buffer))
	rc.notes["isapi-parameter"] = param
	if rc.target.Dir.AppendLogToQuery {
		rc.logQuery += param
	}
	if rc.target.Dir.AppendLogToErrors {
		rc.logger.Info("isapi log parameter", zap.String("parameter", param))
	}
	return true
}

func ioCompletion(rc *RequestContext, call *supportCall) bool {
	if !rc.ext.Options().FakeAsync {
		return unsupported(rc, call)
	}
	switch fn := call.buffer.(type) {
	case nil:
		rc.ioComplete = nil
	case IOCompletionFunc:
		rc.ioComplete = fn
	case func(*ControlBlock, any, uint32, uint32):
		rc.ioComplete = fn
	default:
		return invalidParameter(rc)
	}
	rc.ioArg = call.dataType
	return true
}

func isKeepConn(rc *RequestContext, call *supportCall) bool {
	out, ok := call.buffer.(*bool)
	if !ok || out == nil {
		return invalidParameter(rc)
	}
	*out = !rc.r.Close && rc.r.ProtoAtLeast(1, 1)
	return true
}

func isConnected(rc *RequestContext, call *supportCall) bool {
	out, ok := call.buffer.(*bool)
	if !ok || out == nil {
		return invalidParameter(rc)
	}
	*out = rc.r.Context().Err() == nil
	return true
}
