package isapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/isapigw/config"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func acceptVersion(desc string) GetExtensionVersionFunc {
	return func(info *VersionInfo) bool {
		info.ExtensionVersion = 0x00050000
		info.ExtensionDesc = desc
		return true
	}
}

// writeString sends s through WriteClient.
func writeString(ecb *ControlBlock, s string) bool {
	n := uint32(len(s))
	return ecb.ConnID.WriteClient([]byte(s), &n, IOSync)
}

// fixture is a document root with a scripts directory that may run
// extensions, backed by a StaticLoader.
type fixture struct {
	t       *testing.T
	root    string
	cfg     *config.Config
	loader  *StaticLoader
	reg     *Registry
	handler *Handler
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "scripts", "sub"))
	mustWrite(t, filepath.Join(root, "static", "page.txt"), "static page")
	mustWrite(t, filepath.Join(root, "noexec", "hello.dll"), "MZ")

	cfg := config.DefaultConfig()
	cfg.DocumentRoot = root
	cfg.Directories = []config.DirectoryConfig{
		{Path: filepath.ToSlash(filepath.Join(root, "scripts")), ExecCGI: boolPtr(true)},
	}
	cfg.ISAPI.Timeout = 200 * time.Millisecond
	for _, o := range opts {
		o(cfg)
	}

	loader := NewStaticLoader()
	reg := NewRegistry(loader, cfg.ISAPI, nil)
	t.Cleanup(func() { reg.Close() })

	return &fixture{
		t:       t,
		root:    root,
		cfg:     cfg,
		loader:  loader,
		reg:     reg,
		handler: NewHandler(reg, cfg, nil, nil),
	}
}

// register creates scripts/<name> and binds proc to it. It returns the URL
// path of the extension.
func (f *fixture) register(name string, proc HttpExtensionProcFunc) string {
	f.t.Helper()
	return f.registerEntry(name, EntryPoints{
		GetExtensionVersion: acceptVersion(name),
		HttpExtensionProc:   proc,
	})
}

func (f *fixture) registerEntry(name string, ep EntryPoints) string {
	f.t.Helper()
	path := f.path(name)
	if _, err := os.Stat(path); err != nil {
		mustWrite(f.t, path, "MZ")
	}
	f.loader.Register(path, ep)
	return "/scripts/" + name
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.root, "scripts", name)
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, target, nil))
}

// newTestContext builds a request context for target without running an
// extension, for exercising callbacks directly.
func (f *fixture) newTestContext(r *http.Request, target string) (*RequestContext, *httptest.ResponseRecorder) {
	f.t.Helper()
	name := filepath.Base(target)
	f.register(name, func(*ControlBlock) uint32 { return StatusSuccess })

	s := f.handler.site.Load()
	tg := s.mapper.Resolve(r.URL.Path)
	ext, err := f.reg.Acquire(tg.Filename)
	if err != nil {
		f.t.Fatal(err)
	}
	f.t.Cleanup(func() { f.reg.Release(ext, false) })

	rec := httptest.NewRecorder()
	rc := newRequestContext(f.handler, s, &responseWriter{ResponseWriter: rec}, r, ext, tg, zap.NewNop())
	return rc, rec
}
