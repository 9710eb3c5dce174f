package isapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/isapigw/config"
	"github.com/wudi/isapigw/internal/logging"
	"github.com/wudi/isapigw/internal/metrics"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func observeGlobal(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(prev) })
	return logs
}

func TestHandlerServesExtension(t *testing.T) {
	f := newFixture(t)
	target := f.register("hello.dll", func(ecb *ControlBlock) uint32 {
		writeString(ecb, "hello")
		return StatusSuccess
	})

	rec := f.get(target)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello")
	}

	ext, ok := f.reg.Lookup(f.path("hello.dll"))
	if !ok {
		t.Fatal("extension not registered")
	}
	if ext.Refs() != 0 || ext.Loaded() {
		t.Errorf("after request refs = %d loaded = %v", ext.Refs(), ext.Loaded())
	}

	f.get(target)
	if ext.Loads() != 2 {
		t.Errorf("loads = %d, want one per request without caching", ext.Loads())
	}
}

func TestHandlerControlBlock(t *testing.T) {
	f := newFixture(t)
	var got ControlBlock
	target := f.register("ecb.dll", func(ecb *ControlBlock) uint32 {
		got = *ecb
		return StatusSuccess
	})

	r := httptest.NewRequest(http.MethodPost, target+"/more/path?q=1", strings.NewReader("payload"))
	r.Header.Set("Content-Type", "text/plain")
	f.do(r)

	if got.Size != ControlBlockSize || got.Version != DefaultReportVersion {
		t.Errorf("size = %d version = %#x", got.Size, got.Version)
	}
	if got.Method != http.MethodPost || got.QueryString != "q=1" || got.ContentType != "text/plain" {
		t.Errorf("method = %q query = %q type = %q", got.Method, got.QueryString, got.ContentType)
	}
	if got.PathInfo != "/more/path" {
		t.Errorf("path info = %q", got.PathInfo)
	}
	if got.PathTranslated != filepath.Join(f.root, "more", "path") {
		t.Errorf("path translated = %q", got.PathTranslated)
	}
	if got.TotalBytes != 7 || got.AvailableBytes != 7 || string(got.Data) != "payload" {
		t.Errorf("body total = %d avail = %d data = %q", got.TotalBytes, got.AvailableBytes, got.Data)
	}
}

func TestHandlerRedirectResponse(t *testing.T) {
	f := newFixture(t)
	target := f.register("moved.dll", func(ecb *ControlBlock) uint32 {
		ecb.ConnID.ServerSupportFunction(ReqSendURLRedirectResp, "http://example.com/new", nil, nil)
		return StatusSuccess
	})

	rec := f.get(target)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "http://example.com/new" {
		t.Errorf("location = %q", loc)
	}
}

func TestHandlerStatusFromControlBlock(t *testing.T) {
	f := newFixture(t)
	target := f.register("gone.dll", func(ecb *ControlBlock) uint32 {
		ecb.HTTPStatusCode = http.StatusGone
		return StatusSuccessKeepConn
	})

	if rec := f.get(target); rec.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", rec.Code)
	}
}

func TestHandlerErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		rv   uint32
	}{
		{"error", StatusError},
		{"unknown", 77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			target := f.register("fail.dll", func(*ControlBlock) uint32 { return tt.rv })

			rec := f.get(target)
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
		})
	}
}

func TestHandlerPendingCompletedImmediately(t *testing.T) {
	f := newFixture(t)
	target := f.register("quick.dll", func(ecb *ControlBlock) uint32 {
		writeString(ecb, "done early")
		ecb.ConnID.ServerSupportFunction(ReqDoneWithSession, nil, nil, nil)
		return StatusPending
	})

	start := time.Now()
	rec := f.get(target)
	if rec.Code != http.StatusOK || rec.Body.String() != "done early" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed >= f.cfg.ISAPI.Timeout {
		t.Errorf("waited %v for an already completed request", elapsed)
	}
	ext, _ := f.reg.Lookup(f.path("quick.dll"))
	if ext.Refs() != 0 {
		t.Errorf("refs = %d, want 0", ext.Refs())
	}
}

func TestHandlerPendingCompletedLater(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.ISAPI.Timeout = 2 * time.Second })
	target := f.register("slow.dll", func(ecb *ControlBlock) uint32 {
		go func() {
			time.Sleep(20 * time.Millisecond)
			writeString(ecb, "async body")
			ecb.ConnID.ServerSupportFunction(ReqDoneWithSession, nil, nil, nil)
		}()
		return StatusPending
	})

	rec := f.get(target)
	if rec.Code != http.StatusOK || rec.Body.String() != "async body" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestHandlerPendingWithoutFakeAsync(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.ISAPI.FakeAsync = boolPtr(false) })
	target := f.register("async.dll", func(*ControlBlock) uint32 { return StatusPending })

	if rec := f.get(target); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandlerCompletionTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.ISAPI.Timeout = 50 * time.Millisecond })
	logs := observeGlobal(t, zapcore.ErrorLevel)

	var (
		mu      sync.Mutex
		stalled *ControlBlock
	)
	target := f.register("stuck.dll", func(ecb *ControlBlock) uint32 {
		mu.Lock()
		stalled = ecb
		mu.Unlock()
		return StatusPending
	})

	rec := f.get(target)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if logs.FilterMessage("isapi extension did not complete a pending request").Len() != 1 {
		t.Error("timeout not logged")
	}

	ext, _ := f.reg.Lookup(f.path("stuck.dll"))
	if ext.Refs() != 1 || !ext.Loaded() {
		t.Fatalf("abandoned request released early: refs = %d", ext.Refs())
	}

	mu.Lock()
	ecb := stalled
	mu.Unlock()
	if writeString(ecb, "too late") {
		t.Error("late write accepted")
	}
	if rec.Body.String() == "too late" {
		t.Error("late write reached the client")
	}

	ecb.ConnID.ServerSupportFunction(ReqDoneWithSession, nil, nil, nil)
	waitFor(t, "deferred release", func() bool { return ext.Refs() == 0 })
	waitFor(t, "unload", func() bool { return !ext.Loaded() })
}

func TestHandlerBreakerOpensAfterTimeouts(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.ISAPI.Timeout = 20 * time.Millisecond
		cfg.ISAPI.Breaker.FailureThreshold = 1
		cfg.ISAPI.Breaker.OpenTimeout = time.Minute
	})
	calls := 0
	target := f.register("flaky.dll", func(*ControlBlock) uint32 {
		calls++
		return StatusPending
	})

	if rec := f.get(target); rec.Code != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want 500", rec.Code)
	}
	rec := f.get(target)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d, want 503", rec.Code)
	}
	if calls != 1 {
		t.Errorf("extension called %d times with the breaker open", calls)
	}
	st := f.reg.Snapshot()
	if len(st) != 1 || st[0].Breaker != "open" {
		t.Errorf("snapshot = %+v", st)
	}
}

func TestHandlerExtensionPanic(t *testing.T) {
	f := newFixture(t)
	target := f.register("crash.dll", func(*ControlBlock) uint32 { panic("bad pointer") })

	rec := f.get(target)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	ext, _ := f.reg.Lookup(f.path("crash.dll"))
	if ext.Refs() != 0 {
		t.Errorf("refs = %d after panic", ext.Refs())
	}
}

func TestHandlerClientGoneWhilePending(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.ISAPI.Timeout = 5 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var pending *ControlBlock
	target := f.register("abandon.dll", func(ecb *ControlBlock) uint32 {
		pending = ecb
		cancel()
		return StatusPending
	})

	r := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	rec := f.do(r)
	if rec.Body.Len() != 0 {
		t.Errorf("body written for a departed client: %q", rec.Body.String())
	}

	ext, _ := f.reg.Lookup(f.path("abandon.dll"))
	if ext.Refs() != 1 {
		t.Fatalf("refs = %d, want the pending reference held", ext.Refs())
	}
	pending.ConnID.ServerSupportFunction(ReqDoneWithSession, nil, nil, nil)
	waitFor(t, "deferred release", func() bool { return ext.Refs() == 0 })
}

func TestHandlerPreconditions(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Directories = append(cfg.Directories, config.DirectoryConfig{
			Path:           filepath.ToSlash(filepath.Join(cfg.DocumentRoot, "scripts", "strict")),
			AcceptPathInfo: config.PathInfoReject,
		})
	})
	f.register("ok.dll", okProc)
	mustMkdir(t, f.path("dir.dll"))
	mustWrite(t, f.path(filepath.Join("strict", "s.dll")), "MZ")
	f.loader.Register(f.path(filepath.Join("strict", "s.dll")), EntryPoints{
		GetExtensionVersion: acceptVersion("strict"),
		HttpExtensionProc:   okProc,
	})

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"exec disabled", "/noexec/hello.dll", http.StatusForbidden},
		{"missing file", "/scripts/missing.dll", http.StatusNotFound},
		{"directory", "/scripts/dir.dll", http.StatusForbidden},
		{"path info rejected", "/scripts/strict/s.dll/extra", http.StatusNotFound},
		{"path info accepted by default", "/scripts/ok.dll/extra", http.StatusOK},
		{"no path info", "/scripts/strict/s.dll", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.get(tt.target); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandlerDeclinesToStaticFiles(t *testing.T) {
	f := newFixture(t)

	rec := f.get("/static/page.txt")
	if rec.Code != http.StatusOK || rec.Body.String() != "static page" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec := f.get("/static/absent.txt"); rec.Code != http.StatusNotFound {
		t.Errorf("missing static status = %d", rec.Code)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	f.handler.SetNext(next)
	if rec := f.get("/static/page.txt"); rec.Code != http.StatusTeapot {
		t.Errorf("next handler not used: %d", rec.Code)
	}
}

func TestHandlerReadAhead(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Directories[0].ISAPI.ReadAheadBuffer = intPtr(4)
	})

	var (
		total, avail uint32
		staged, rest string
		terminated   bool
	)
	target := f.register("body.dll", func(ecb *ControlBlock) uint32 {
		total, avail = ecb.TotalBytes, ecb.AvailableBytes
		staged = string(ecb.Data)
		terminated = ecb.Data[:avail+1][avail] == 0
		buf := make([]byte, 3)
		for {
			n := uint32(len(buf))
			if !ecb.ConnID.ReadClient(buf, &n) || n == 0 {
				break
			}
			rest += string(buf[:n])
		}
		return StatusSuccess
	})

	f.do(httptest.NewRequest(http.MethodPost, target, strings.NewReader("abcdefghij")))
	if total != 10 || avail != 4 || staged != "abcd" || !terminated {
		t.Errorf("total = %d avail = %d staged = %q terminated = %v", total, avail, staged, terminated)
	}
	if rest != "efghij" {
		t.Errorf("rest = %q", rest)
	}
}

func TestHandlerUnknownLengthBody(t *testing.T) {
	tests := []struct {
		name      string
		readahead int
		total     uint32
		avail     uint32
	}{
		{"fits in read-ahead", 64, 3, 3},
		{"larger than read-ahead", 2, 0xFFFFFFFF, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(cfg *config.Config) {
				cfg.Directories[0].ISAPI.ReadAheadBuffer = intPtr(tt.readahead)
			})
			var total, avail uint32
			var all string
			target := f.register("chunked.dll", func(ecb *ControlBlock) uint32 {
				total, avail = ecb.TotalBytes, ecb.AvailableBytes
				all = string(ecb.Data)
				buf := make([]byte, 16)
				n := uint32(len(buf))
				for ecb.ConnID.ReadClient(buf, &n) && n > 0 {
					all += string(buf[:n])
					n = uint32(len(buf))
				}
				return StatusSuccess
			})

			r := httptest.NewRequest(http.MethodPost, target, io.MultiReader(strings.NewReader("abc")))
			if r.ContentLength != -1 {
				t.Fatalf("content length = %d, want unknown", r.ContentLength)
			}
			f.do(r)
			if total != tt.total || avail != tt.avail {
				t.Errorf("total = %#x avail = %d", total, avail)
			}
			if all != "abc" {
				t.Errorf("body = %q", all)
			}
		})
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestHandlerBodyReadFailure(t *testing.T) {
	tests := []struct {
		name   string
		body   io.Reader
		length int64
	}{
		{"shorter than content length", strings.NewReader("abc"), 10},
		{"short inside read-ahead", strings.NewReader("a"), 2},
		{"read error", failingReader{errors.New("connection reset")}, 5},
		{"read error with unknown length", failingReader{errors.New("connection reset")}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			called := false
			target := f.register("body.dll", func(ecb *ControlBlock) uint32 {
				called = true
				return StatusSuccess
			})

			r := httptest.NewRequest(http.MethodPost, target, tt.body)
			r.ContentLength = tt.length
			rec := f.do(r)
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", rec.Code)
			}
			if called {
				t.Error("extension invoked with an incomplete body")
			}
			if ext, ok := f.reg.Lookup(f.path("body.dll")); ok && ext.Refs() != 0 {
				t.Errorf("refs = %d after failed read", ext.Refs())
			}
		})
	}
}

func TestHandlerTransmitFile(t *testing.T) {
	f := newFixture(t)
	file := filepath.Join(t.TempDir(), "data.txt")
	mustWrite(t, file, "0123456789")

	var (
		gotCtx        any
		gotN, gotCode uint32
		called        bool
	)
	target := f.register("tf.dll", func(ecb *ControlBlock) uint32 {
		fh, err := os.Open(file)
		if err != nil {
			return StatusError
		}
		defer fh.Close()
		tf := &TransmitFileInfo{
			Callback: func(_ *ControlBlock, ctx any, n, code uint32) {
				gotCtx, gotN, gotCode, called = ctx, n, code, true
			},
			Context:      "tf-context",
			File:         fh,
			StatusCode:   "200 OK",
			Head:         []byte("Content-Type: text/plain\r\n\r\n["),
			Tail:         []byte("]"),
			Offset:       2,
			BytesToWrite: 3,
			Flags:        IOAsync | IOSendHeaders,
		}
		if !ecb.ConnID.ServerSupportFunction(ReqTransmitFile, tf, nil, nil) {
			return StatusError
		}
		return StatusSuccess
	})

	rec := f.get(target)
	if rec.Code != http.StatusOK || rec.Body.String() != "[234]" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if !called || gotCtx != "tf-context" || gotN != 5 || gotCode != 0 {
		t.Errorf("callback called = %v ctx = %v n = %d code = %d", called, gotCtx, gotN, gotCode)
	}
}

func TestHandlerTransmitFileToEnd(t *testing.T) {
	f := newFixture(t)
	file := filepath.Join(t.TempDir(), "data.txt")
	mustWrite(t, file, "0123456789")

	target := f.register("tail.dll", func(ecb *ControlBlock) uint32 {
		fh, err := os.Open(file)
		if err != nil {
			return StatusError
		}
		defer fh.Close()
		tf := &TransmitFileInfo{File: fh, Head: []byte(">"), Offset: 7}
		ecb.ConnID.ServerSupportFunction(ReqTransmitFile, tf, nil, nil)
		return StatusSuccess
	})

	if rec := f.get(target); rec.Body.String() != ">789" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandlerInternalRedirect(t *testing.T) {
	f := newFixture(t)
	f.register("echo.dll", func(ecb *ControlBlock) uint32 {
		writeString(ecb, ecb.Method+" "+ecb.QueryString)
		return StatusSuccess
	})
	fwd := f.register("fwd.dll", func(ecb *ControlBlock) uint32 {
		if !ecb.ConnID.ServerSupportFunction(ReqSendURL, "/scripts/echo.dll?from=fwd", nil, nil) {
			return StatusError
		}
		return StatusSuccess
	})
	stat := f.register("tostatic.dll", func(ecb *ControlBlock) uint32 {
		ecb.ConnID.ServerSupportFunction(ReqSendURL, "/static/page.txt", nil, nil)
		return StatusSuccess
	})

	rec := f.do(httptest.NewRequest(http.MethodPost, fwd, strings.NewReader("discard me")))
	if rec.Code != http.StatusOK || rec.Body.String() != "GET from=fwd" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec := f.get(stat); rec.Body.String() != "static page" {
		t.Errorf("static redirect body = %q", rec.Body.String())
	}
}

func TestHandlerInternalRedirectLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.ISAPI.MaxRedirects = 2 })
	depth := 0
	var target string
	target = f.register("loop.dll", func(ecb *ControlBlock) uint32 {
		depth++
		if !ecb.ConnID.ServerSupportFunction(ReqSendURL, target, nil, nil) {
			writeString(ecb, "stop")
		}
		return StatusSuccess
	})

	rec := f.get(target)
	if rec.Body.String() != "stop" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if depth != 3 {
		t.Errorf("extension ran %d times, want 3", depth)
	}
}

func TestHandlerLogsExtensionLogData(t *testing.T) {
	f := newFixture(t)
	logs := observeGlobal(t, zapcore.InfoLevel)
	target := f.register("log.dll", func(ecb *ControlBlock) uint32 {
		ecb.SetLogData("custom entry")
		return StatusSuccess
	})

	f.get(target)
	entries := logs.FilterMessage("isapi extension log").All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["log_data"] != "custom entry" || ctx["request_id"] == "" {
		t.Errorf("context = %v", ctx)
	}
}

func TestHandlerMetrics(t *testing.T) {
	f := newFixture(t)
	m := metrics.NewCollector()
	h := NewHandler(f.reg, f.cfg, m, nil)
	target := f.register("m.dll", func(ecb *ControlBlock) uint32 {
		ecb.ConnID.ServerSupportFunction(ReqGetSSPIInfo, nil, nil, nil)
		writeString(ecb, "ok")
		return StatusSuccess
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"isapigw_requests_total{",
		`status="200"`,
		`isapigw_unsupported_calls_total{code="1002"} 1`,
		"isapigw_request_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHandlerUpdateSwapsSite(t *testing.T) {
	f := newFixture(t)
	f.register("hello.dll", func(ecb *ControlBlock) uint32 {
		writeString(ecb, "hello")
		return StatusSuccess
	})

	cfg := *f.cfg
	cfg.Handlers = []config.HandlerConfig{{Pattern: "**/*.isa", Handler: config.HandlerISAPI}}
	f.handler.Update(&cfg)

	rec := f.get("/scripts/hello.dll")
	if rec.Body.String() == "hello" {
		t.Error("extension still mapped after update")
	}
	if rec.Body.String() != "MZ" {
		t.Errorf("body = %q, want the file served as static content", rec.Body.String())
	}
}
