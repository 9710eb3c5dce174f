package isapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/isapigw/config"
	gwerrors "github.com/wudi/isapigw/internal/errors"
	"github.com/wudi/isapigw/internal/logging"
	"github.com/wudi/isapigw/internal/metrics"
	"github.com/wudi/isapigw/internal/tracing"
)

// StatusClientClosed is recorded when the client left before a pending
// request completed.
const StatusClientClosed = 499

// site is the part of the configuration that is swapped on reload.
type site struct {
	mapper   *Mapper
	handlers *HandlerMap
}

type redirectDepthKey struct{}

func redirectDepth(ctx context.Context) int {
	d, _ := ctx.Value(redirectDepthKey{}).(int)
	return d
}

// Handler serves requests whose script is assigned to the ISAPI handler.
// Everything else goes to next, or is served from the filesystem when next
// is nil.
type Handler struct {
	registry       *Registry
	site           atomic.Pointer[site]
	next           http.Handler
	root           http.Handler
	metrics        *metrics.Collector
	tracer         *tracing.Tracer
	maxRedirects   int
	unsupportedLog *rate.Limiter
}

// NewHandler creates a handler for the site in cfg. m and t may be nil.
func NewHandler(reg *Registry, cfg *config.Config, m *metrics.Collector, t *tracing.Tracer) *Handler {
	limit := rate.Inf
	burst := 1
	if rps := cfg.ISAPI.UnsupportedLogRPS; rps > 0 {
		limit = rate.Limit(rps)
		burst = max(int(rps), 1)
	}
	h := &Handler{
		registry:       reg,
		metrics:        m,
		tracer:         t,
		maxRedirects:   cfg.ISAPI.MaxRedirects,
		unsupportedLog: rate.NewLimiter(limit, burst),
	}
	h.Update(cfg)
	return h
}

// Update swaps in the mapping and handler rules of cfg. Requests already in
// flight keep the site they started with.
func (h *Handler) Update(cfg *config.Config) {
	h.site.Store(&site{
		mapper:   NewMapper(cfg),
		handlers: NewHandlerMap(cfg.Handlers),
	})
}

// SetNext sets the handler for requests the ISAPI handler declines.
func (h *Handler) SetNext(next http.Handler) { h.next = next }

// SetRoot sets the handler internal redirects are dispatched through,
// normally the outermost server handler. Call before serving.
func (h *Handler) SetRoot(root http.Handler) { h.root = root }

// Registry returns the extension registry.
func (h *Handler) Registry() *Registry { return h.registry }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.site.Load()
	t := s.mapper.Resolve(r.URL.Path)
	if s.handlers.Match(t.ScriptName()) != config.HandlerISAPI {
		if h.next != nil {
			h.next.ServeHTTP(w, r)
			return
		}
		serveStatic(w, r, t)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := logging.With(zap.String("request_id", requestID), zap.String("extension", t.Filename))

	if gerr, reason := checkTarget(t); gerr != nil {
		logger.Warn("isapi request rejected", zap.String("path", r.URL.Path), zap.String("reason", reason))
		gerr.WithRequestID(requestID).WriteJSON(w)
		return
	}

	ext, err := h.registry.Acquire(t.Filename)
	if err != nil {
		gwerrors.ErrInternalServer.WithRequestID(requestID).WriteJSON(w)
		return
	}

	start := time.Now()
	ctx, span := h.tracer.StartSpan(r.Context(), "isapi.HttpExtensionProc",
		attribute.String("isapi.extension", ext.Path()),
		attribute.String("request_id", requestID),
	)
	defer span.End()

	rw := &responseWriter{ResponseWriter: w}
	rc := newRequestContext(h, s, rw, r.WithContext(ctx), ext, t, logger)
	status := h.serve(rc)
	span.SetAttributes(attribute.Int("http.status_code", status))

	elapsed := time.Since(start)
	h.metrics.RecordRequest(ext.Path(), status, elapsed)
	logger.Debug("isapi request complete",
		zap.String("path", r.URL.Path),
		zap.String("query", rc.logQuery),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
	)
}

// checkTarget applies the preconditions for running an extension.
func checkTarget(t *Target) (*gwerrors.GatewayError, string) {
	switch {
	case !t.Dir.ExecCGI:
		return gwerrors.ErrForbidden, "ExecCGI is off in this directory"
	case t.Info == nil:
		return gwerrors.ErrNotFound, "file does not exist"
	case !t.IsRegular():
		return gwerrors.ErrForbidden, "not a regular file"
	case t.Dir.AcceptPathInfo == config.PathInfoReject && t.PathInfo != "":
		return gwerrors.ErrNotFound, "path info is not accepted"
	}
	return nil, ""
}

// serve runs the extension for one request and returns the status recorded
// for it.
func (h *Handler) serve(rc *RequestContext) int {
	if err := rc.stageBody(); err != nil {
		rc.logger.Error("failed to read isapi request body", zap.Error(err))
		rc.close()
		h.release(rc)
		return h.finish(rc, http.StatusInternalServerError)
	}

	rv, err := h.invoke(rc)
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, ErrRegistryClosed):
		rc.logger.Warn("isapi extension unavailable", zap.Error(err))
		rc.close()
		h.release(rc)
		return h.finish(rc, http.StatusServiceUnavailable)
	case errors.Is(err, ErrExtensionPanic):
		rc.logger.Error("isapi extension crashed", zap.Error(err))
		rc.close()
		h.release(rc)
		return h.finish(rc, http.StatusInternalServerError)
	case errors.Is(err, ErrCompletionTimeout):
		rc.logger.Error("isapi extension did not complete a pending request",
			zap.Duration("timeout", rc.ext.Options().Timeout))
		h.metrics.RecordCompletionTimeout(rc.ext.Path())
		rc.close()
		h.releaseOnCompletion(rc)
		return h.finish(rc, http.StatusInternalServerError)
	default:
		rc.logger.Debug("client went away before a pending request completed", zap.Error(err))
		rc.close()
		h.releaseOnCompletion(rc)
		return StatusClientClosed
	}

	if msg := rc.ecb.LogMessage(); msg != "" {
		rc.logger.Info("isapi extension log", zap.String("log_data", msg))
	}

	rc.mu.Lock()
	rc.closed = true
	switch rv {
	case 0, StatusSuccess, StatusSuccessKeepConn:
	case StatusPending:
		if !rc.ext.Options().FakeAsync {
			if rc.target.Dir.LogNotSupported {
				rc.logger.Warn("isapi asynchronous request refused")
			}
			rc.setStatus(http.StatusInternalServerError)
		}
	case StatusError:
		rc.setStatus(http.StatusInternalServerError)
	default:
		rc.logger.Warn("isapi extension returned an unknown status", zap.Uint32("status", rv))
		rc.setStatus(http.StatusInternalServerError)
	}
	final := rc.finalStatus()
	rc.mu.Unlock()

	h.release(rc)
	return h.finish(rc, final)
}

// invoke calls HttpExtensionProc under the extension's breaker and waits
// for completion when the request goes pending.
func (h *Handler) invoke(rc *RequestContext) (uint32, error) {
	proc := rc.ext.procFunc()
	if proc == nil {
		return 0, ErrRegistryClosed
	}
	opts := rc.ext.Options()
	return rc.ext.breaker.Execute(func() (uint32, error) {
		rv, err := callProc(proc, rc.ecb)
		if err != nil || rv != StatusPending || !opts.FakeAsync {
			return rv, err
		}
		return rv, rc.done.Wait(rc.r.Context(), opts.Timeout)
	})
}

func callProc(proc HttpExtensionProcFunc, ecb *ControlBlock) (rv uint32, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrExtensionPanic, p)
		}
	}()
	return proc(ecb), nil
}

// finalStatus prefers the status the extension left in the control block.
// Caller holds rc.mu.
func (rc *RequestContext) finalStatus() int {
	if c := rc.ecb.HTTPStatusCode; c >= 100 && c <= 599 {
		return int(c)
	}
	if rc.status != 0 {
		return rc.status
	}
	return http.StatusOK
}

// finish ends the response if nothing has been sent and returns the status
// the client saw. The context must be closed.
func (h *Handler) finish(rc *RequestContext, code int) int {
	switch {
	case rc.w.wroteHeader:
		return rc.w.status
	case rc.redirected:
		return code
	case code >= http.StatusInternalServerError:
		gwerrors.FromStatus(code).WriteJSON(rc.w)
	default:
		rc.w.WriteHeader(code)
	}
	return code
}

func (h *Handler) release(rc *RequestContext) {
	err := h.registry.Release(rc.ext, false)
	if err != nil && !errors.Is(err, ErrUnloadRefused) {
		rc.logger.Warn("failed to release isapi extension", zap.Error(err))
	}
}

// releaseOnCompletion holds the reference of an abandoned pending request
// until the extension finally signals completion or the registry closes.
func (h *Handler) releaseOnCompletion(rc *RequestContext) {
	go func() {
		select {
		case <-rc.done.Done():
		case <-h.registry.Done():
		}
		h.release(rc)
	}()
}

// internalRedirect serves u as a GET for the same client. Any unread body
// is discarded first.
func (h *Handler) internalRedirect(rc *RequestContext, u *url.URL, depth int) {
	if _, err := io.Copy(io.Discard, rc.body); err != nil {
		rc.logger.Debug("failed to drain request body before redirect", zap.Error(err))
	}
	rc.remaining = 0

	r := rc.r.Clone(context.WithValue(rc.r.Context(), redirectDepthKey{}, depth))
	r.Method = http.MethodGet
	r.URL = u
	r.RequestURI = u.RequestURI()
	r.Header.Del("Content-Length")
	r.ContentLength = 0
	r.Body = http.NoBody

	h.metrics.RecordRedirect()
	rc.logger.Debug("isapi internal redirect", zap.String("url", u.String()), zap.Int("depth", depth))

	root := h.root
	if root == nil {
		root = h
	}
	root.ServeHTTP(rc.w, r)
}

func (h *Handler) warnUnsupported(logger *zap.Logger, code uint32) {
	if !h.unsupportedLog.Allow() {
		return
	}
	logger.Warn("isapi ServerSupportFunction request not supported",
		zap.Uint32("code", code),
		zap.String("function", SupportFunctionName(code)),
	)
}

// serveStatic is the default handler for files that are not extensions.
func serveStatic(w http.ResponseWriter, r *http.Request, t *Target) {
	if t.Info == nil {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	if t.PathInfo != "" && !t.IsDir() && t.Dir.AcceptPathInfo != config.PathInfoAccept {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	http.ServeFile(w, r, t.Filename)
}
