package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/isapigw/internal/listener"
	"github.com/wudi/isapigw/internal/logging"
)

var accessRWPool = sync.Pool{
	New: func() any { return &accessLogWriter{} },
}

// AccessLog writes one structured entry per request. Requests for paths in
// skip are not logged.
func AccessLog(skip []string) Middleware {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			lw := accessRWPool.Get().(*accessLogWriter)
			lw.ResponseWriter = w
			lw.status = http.StatusOK
			lw.bytes = 0

			next.ServeHTTP(lw, r)

			var fields [10]zap.Field
			n := 0
			fields[n] = zap.String("request_id", RequestIDFromContext(r.Context())); n++
			fields[n] = zap.String("remote_addr", r.RemoteAddr); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("path", r.URL.Path); n++
			fields[n] = zap.Int("status", lw.status); n++
			fields[n] = zap.Int64("body_bytes", lw.bytes); n++
			fields[n] = zap.Duration("response_time", time.Since(start)); n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery); n++
			}
			if id := listener.IDFromContext(r.Context()); id != "" {
				fields[n] = zap.String("listener", id); n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}
			logging.Info("HTTP request", fields[:n]...)

			lw.ResponseWriter = nil
			accessRWPool.Put(lw)
		})
	}
}

// accessLogWriter records the status and body size. Unwrap lets
// http.ResponseController reach the connection for flushes.
type accessLogWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *accessLogWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = status >= 200
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessLogWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *accessLogWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
