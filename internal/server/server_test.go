package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wudi/isapigw/config"
	internalconfig "github.com/wudi/isapigw/internal/config"
	"github.com/wudi/isapigw/internal/isapi"
)

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func hello(body string) isapi.EntryPoints {
	return isapi.EntryPoints{
		GetExtensionVersion: func(info *isapi.VersionInfo) bool {
			info.ExtensionVersion = 0x00050000
			info.ExtensionDesc = "hello"
			return true
		},
		HttpExtensionProc: func(ecb *isapi.ControlBlock) uint32 {
			n := uint32(len(body))
			ecb.ConnID.WriteClient([]byte(body), &n, isapi.IOSync)
			return isapi.StatusSuccess
		},
	}
}

// testConfig lays out a document root with an executable scripts
// directory and binds everything to loopback ephemeral ports.
func testConfig(t *testing.T) (*config.Config, *isapi.StaticLoader) {
	t.Helper()
	root := t.TempDir()
	dll := filepath.Join(root, "scripts", "hello.dll")
	mustWrite(t, dll, "MZ")
	mustWrite(t, filepath.Join(root, "index.txt"), "static")

	exec := true
	cfg := config.DefaultConfig()
	cfg.DocumentRoot = root
	cfg.Directories = []config.DirectoryConfig{{Path: filepath.Join(root, "scripts"), ExecCGI: &exec}}
	cfg.Listeners[0].ID = "site"
	cfg.Listeners[0].Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Shutdown.Timeout = 2 * time.Second
	cfg.ISAPI.Wasm.RuntimeMode = "interpreter"

	static := isapi.NewStaticLoader()
	static.Register(dll, hello("hello"))
	return cfg, static
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServerRun(t *testing.T) {
	cfg, static := testConfig(t)
	s, err := New(context.Background(), cfg, WithStaticLoader(static))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Listeners().Bound():
	case <-time.After(2 * time.Second):
		t.Fatal("listeners not bound")
	}
	site, _ := s.Listeners().Get("site")
	admin, _ := s.Listeners().Get("admin")

	if code, body := get(t, "http://"+site.Addr()+"/scripts/hello.dll"); code != http.StatusOK || body != "hello" {
		t.Errorf("extension: %d %q", code, body)
	}
	if code, body := get(t, "http://"+site.Addr()+"/index.txt"); code != http.StatusOK || body != "static" {
		t.Errorf("static: %d %q", code, body)
	}

	code, body := get(t, "http://"+admin.Addr()+"/extensions")
	if code != http.StatusOK || !strings.Contains(body, "hello.dll") {
		t.Errorf("/extensions: %d %s", code, body)
	}
	code, body = get(t, "http://"+admin.Addr()+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "isapigw_requests_total") {
		t.Errorf("/metrics: %d", code)
	}
	if code, _ := get(t, "http://"+admin.Addr()+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz: %d", code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	select {
	case <-s.Registry().Done():
	default:
		t.Error("registry still open after Run")
	}
}

func TestServerPreloadsCacheFiles(t *testing.T) {
	cfg, static := testConfig(t)
	cfg.ISAPI.CacheFiles = []string{
		filepath.Join(cfg.DocumentRoot, "scripts", "hello.dll"),
		filepath.Join(cfg.DocumentRoot, "scripts", "missing.dll"),
	}
	s, err := New(context.Background(), cfg, WithStaticLoader(static))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	snap := s.Registry().Snapshot()
	if len(snap) != 1 || !snap[0].Loaded || !snap[0].Pinned || snap[0].Description != "hello" {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scripts/hello.dll", nil))
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if static.Opens(cfg.ISAPI.CacheFiles[0]) != 1 {
		t.Errorf("opens = %d, pinned extension reopened", static.Opens(cfg.ISAPI.CacheFiles[0]))
	}
}

func TestAdminHandler(t *testing.T) {
	cfg, static := testConfig(t)
	s, err := New(context.Background(), cfg, WithStaticLoader(static))
	if err != nil {
		t.Fatal(err)
	}
	admin := s.adminHandler()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/extensions", http.StatusOK},
		{http.MethodGet, "/listeners", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/reload", http.StatusBadRequest}, // no config file
		{http.MethodGet, "/reload", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			admin.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/listeners", nil))
	var got struct {
		Listeners []listenerStatus `json:"listeners"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Listeners) != 2 || got.Listeners[0].ID != "admin" || got.Listeners[1].ID != "site" {
		t.Errorf("listeners = %+v", got.Listeners)
	}

	s.Close()
	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz after close = %d", rec.Code)
	}
}

func TestServerReload(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a", "page.txt"), "first")
	mustWrite(t, filepath.Join(dir, "b", "page.txt"), "second")
	path := filepath.Join(dir, "isapigw.yaml")
	write := func(root string) {
		mustWrite(t, path, `
listeners:
  - id: site
    address: 127.0.0.1:0
admin:
  enabled: false
document_root: `+root+`
isapi:
  wasm:
    runtime_mode: interpreter
`)
	}
	write("a")

	cfg, err := internalconfig.NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(context.Background(), cfg, WithConfigPath(path))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	fetch := func() string {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page.txt", nil))
		return rec.Body.String()
	}
	if got := fetch(); got != "first" {
		t.Fatalf("before reload = %q", got)
	}

	write("b")
	s.Reload()
	if got := fetch(); got != "second" {
		t.Errorf("after reload = %q", got)
	}
	if s.Config().DocumentRoot != filepath.Join(dir, "b") {
		t.Errorf("document root = %q", s.Config().DocumentRoot)
	}

	// a broken file keeps the running configuration
	mustWrite(t, path, "listeners: []\n")
	s.Reload()
	if got := fetch(); got != "second" {
		t.Errorf("after failed reload = %q", got)
	}
}
