package isapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// responseWriter records whether the header went out so the handler knows
// if it may still write an error response.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.ResponseWriter.WriteHeader(code)
	if code < http.StatusOK {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// FlushError pushes buffered output to the client.
func (w *responseWriter) FlushError() error {
	err := http.NewResponseController(w.ResponseWriter).Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RequestContext is the per-request connection an extension calls back
// through. Callbacks are serialized; once the request is finished the
// context is closed and every callback except DONE_WITH_SESSION fails.
type RequestContext struct {
	mu      sync.Mutex
	closed  bool
	lastErr atomic.Uint32

	h      *Handler
	site   *site
	r      *http.Request
	w      *responseWriter
	ext    *LoadedExtension
	target *Target
	env    *Environ
	ecb    *ControlBlock
	logger *zap.Logger

	status     int
	notes      map[string]string
	logQuery   string
	body       io.Reader
	remaining  int64 // -1 while the body length is unknown
	done       *completion
	ioComplete IOCompletionFunc
	ioArg      any
	redirected bool
}

func newRequestContext(h *Handler, s *site, w *responseWriter, r *http.Request, ext *LoadedExtension, t *Target, logger *zap.Logger) *RequestContext {
	env := buildEnviron(r, envInput{
		documentRoot:   s.mapper.DocumentRoot(),
		filename:       t.Filename,
		scriptName:     t.ScriptName(),
		pathInfo:       t.PathInfo,
		pathTranslated: s.mapper.TranslatePath(t.PathInfo),
	})

	var body io.Reader = http.NoBody
	if r.Body != nil {
		body = r.Body
	}

	rc := &RequestContext{
		h:         h,
		site:      s,
		r:         r,
		w:         w,
		ext:       ext,
		target:    t,
		env:       env,
		logger:    logger,
		notes:     make(map[string]string),
		logQuery:  r.URL.RawQuery,
		body:      body,
		remaining: r.ContentLength,
		done:      newCompletion(),
	}

	pathInfo, _ := env.Get("PATH_INFO")
	pathTranslated, _ := env.Get("PATH_TRANSLATED")
	rc.ecb = &ControlBlock{
		Size:           ControlBlockSize,
		Version:        ext.Options().ReportVersion,
		ConnID:         rc,
		Method:         r.Method,
		QueryString:    r.URL.RawQuery,
		PathInfo:       pathInfo,
		PathTranslated: pathTranslated,
		ContentType:    r.Header.Get("Content-Type"),
	}
	return rc
}

// ControlBlock returns the control block handed to the extension.
func (rc *RequestContext) ControlBlock() *ControlBlock { return rc.ecb }

// Note returns a request note set by a callback, e.g. "isapi-parameter".
func (rc *RequestContext) Note(key string) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.notes[key]
}

// Context returns the request context; it is done when the client goes away.
func (rc *RequestContext) Context() context.Context {
	return rc.r.Context()
}

// LastError returns the error code of the last failed callback.
func (rc *RequestContext) LastError() Errno {
	return Errno(rc.lastErr.Load())
}

func (rc *RequestContext) setErr(e Errno) {
	rc.lastErr.Store(uint32(e))
}

// ErrBodyTruncated is returned when the client sends fewer body bytes than
// its Content-Length announced.
var ErrBodyTruncated = errors.New("isapi: request body truncated")

// stageBody reads up to the read-ahead size of the request body into the
// control block. A body of unknown length reports math.MaxUint32 as its
// total until the end is seen.
func (rc *RequestContext) stageBody() error {
	length := rc.r.ContentLength
	if length == 0 {
		return nil
	}

	readahead := int64(max(rc.target.Dir.ReadAheadBuffer, 0))
	var total uint32 = math.MaxUint32
	avail := readahead
	if length > 0 {
		total = uint32(min(length, math.MaxUint32))
		avail = min(length, readahead)
	}

	buf := make([]byte, avail+1)
	n, err := io.ReadFull(rc.body, buf[:avail])
	eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	switch {
	case err == nil:
		if rc.remaining > 0 {
			rc.remaining -= int64(n)
		}
	case eof && length < 0:
		total = uint32(n)
		rc.remaining = 0
	case eof:
		return fmt.Errorf("%w: got %d of %d bytes", ErrBodyTruncated, n, length)
	default:
		return err
	}
	buf[n] = 0

	rc.ecb.TotalBytes = total
	rc.ecb.AvailableBytes = uint32(n)
	rc.ecb.Data = buf[:n]
	return nil
}

// setStatus records the response status on the request and in the control
// block.
func (rc *RequestContext) setStatus(code int) {
	rc.status = code
	rc.ecb.HTTPStatusCode = uint32(code)
}

// responseStatus is the status the header goes out with.
func (rc *RequestContext) responseStatus() int {
	if rc.status != 0 {
		return rc.status
	}
	if c := rc.ecb.HTTPStatusCode; c >= 100 && c <= 599 {
		return int(c)
	}
	return http.StatusOK
}

// commit sends the response header unless it has gone out already.
func (rc *RequestContext) commit() {
	if !rc.w.wroteHeader {
		rc.w.WriteHeader(rc.responseStatus())
	}
}

func (rc *RequestContext) writeBody(p []byte) (int, error) {
	rc.commit()
	if len(p) == 0 {
		return 0, nil
	}
	return rc.w.Write(p)
}

func (rc *RequestContext) flush() error {
	rc.commit()
	return rc.w.FlushError()
}

// close fails every later callback. It returns false if already closed.
func (rc *RequestContext) close() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	rc.closed = true
	return true
}
