package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/isapigw/internal/logging"
)

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	defer logging.SetGlobal(prev)

	h := NewChain(RequestID(), AccessLog([]string{"/healthz"})).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
		// later status calls are ignored by net/http and by the log
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/scripts/app.dll?x=1", nil)
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) || fields["body_bytes"] != int64(7) {
		t.Errorf("status %v bytes %v", fields["status"], fields["body_bytes"])
	}
	if fields["request_id"] != "abc" || fields["query"] != "x=1" || fields["path"] != "/scripts/app.dll" {
		t.Errorf("fields = %v", fields)
	}
}

func TestAccessLogWriterUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &accessLogWriter{ResponseWriter: rec}
	if err := http.NewResponseController(w).Flush(); err != nil {
		t.Errorf("flush through wrapper: %v", err)
	}
	if !rec.Flushed {
		t.Error("recorder not flushed")
	}
}
