package isapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wudi/isapigw/config"
)

func TestMapperResolve(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "scripts", "app.dll"), "MZ")
	mustMkdir(t, filepath.Join(root, "scripts", "sub"))
	aliased := t.TempDir()
	mustWrite(t, filepath.Join(aliased, "tool.dll"), "MZ")

	m := NewMapper(&config.Config{
		DocumentRoot: root,
		Aliases:      []config.AliasConfig{{URL: "/tools/", Path: aliased}},
	})

	tests := []struct {
		name     string
		uri      string
		filename string
		pathInfo string
		exists   bool
	}{
		{"file", "/scripts/app.dll", filepath.Join(root, "scripts", "app.dll"), "", true},
		{"file with path info", "/scripts/app.dll/a/b", filepath.Join(root, "scripts", "app.dll"), "/a/b", true},
		{"directory", "/scripts/sub", filepath.Join(root, "scripts", "sub"), "", true},
		{"directory with slash", "/scripts/sub/", filepath.Join(root, "scripts", "sub"), "/", true},
		{"missing", "/scripts/none.dll/x", filepath.Join(root, "scripts", "none.dll"), "/x", false},
		{"dot segments", "/scripts/../scripts/./app.dll", filepath.Join(root, "scripts", "app.dll"), "", true},
		{"no escape above root", "/../../etc/passwd", filepath.Join(root, "etc"), "/passwd", false},
		{"alias", "/tools/tool.dll/info", filepath.Join(aliased, "tool.dll"), "/info", true},
		{"root", "/", root, "/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Resolve(tt.uri)
			if got.Filename != tt.filename {
				t.Errorf("filename = %q, want %q", got.Filename, tt.filename)
			}
			if got.PathInfo != tt.pathInfo {
				t.Errorf("path info = %q, want %q", got.PathInfo, tt.pathInfo)
			}
			if (got.Info != nil) != tt.exists {
				t.Errorf("exists = %v, want %v", got.Info != nil, tt.exists)
			}
		})
	}
}

func TestTargetScriptName(t *testing.T) {
	t.Parallel()
	tg := &Target{URI: "/scripts/app.dll/a/b", PathInfo: "/a/b"}
	if got := tg.ScriptName(); got != "/scripts/app.dll" {
		t.Errorf("script name = %q", got)
	}
}

func TestMapperDirectorySettings(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "cgi", "deep", "x.dll"), "MZ")
	cgi := filepath.ToSlash(filepath.Join(root, "cgi"))

	m := NewMapper(&config.Config{
		DocumentRoot: root,
		Directories: []config.DirectoryConfig{
			{
				Path:    cgi,
				ExecCGI: boolPtr(true),
				ISAPI:   config.ISAPIDirectoryConfig{ReadAheadBuffer: intPtr(1024)},
			},
			{
				Path:           cgi + "/deep",
				AcceptPathInfo: config.PathInfoReject,
				ISAPI:          config.ISAPIDirectoryConfig{LogNotSupported: boolPtr(true)},
			},
		},
	})

	deep := m.Resolve("/cgi/deep/x.dll").Dir
	want := DirSettings{
		ExecCGI:           true,
		AcceptPathInfo:    config.PathInfoReject,
		ReadAheadBuffer:   1024,
		LogNotSupported:   true,
		AppendLogToErrors: true,
		AppendLogToQuery:  true,
	}
	if deep != want {
		t.Errorf("deep settings = %+v, want %+v", deep, want)
	}

	outside := m.Resolve("/other.dll").Dir
	if outside.ExecCGI || outside.ReadAheadBuffer != DefaultReadAheadBuffer {
		t.Errorf("outside settings = %+v", outside)
	}
}

func TestMapperTranslatePath(t *testing.T) {
	root := t.TempDir()
	m := NewMapper(&config.Config{DocumentRoot: root})

	if got := m.TranslatePath(""); got != "" {
		t.Errorf("empty path info translated to %q", got)
	}
	if got := m.TranslatePath("/a/b"); got != filepath.Join(root, "a", "b") {
		t.Errorf("translated = %q", got)
	}
}

func TestMapperContains(t *testing.T) {
	root := t.TempDir()
	aliased := t.TempDir()
	outside := t.TempDir()
	mustWrite(t, filepath.Join(outside, "secret"), "x")
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	m := NewMapper(&config.Config{
		DocumentRoot: root,
		Aliases:      []config.AliasConfig{{URL: "/icons/", Path: aliased}},
	})

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"under root", filepath.Join(root, "a", "b.txt"), true},
		{"root itself", root, true},
		{"under alias", filepath.Join(aliased, "i.png"), true},
		{"outside", filepath.Join(outside, "secret"), false},
		{"dot dot", root + "/a/../../" + filepath.Base(outside) + "/secret", false},
		{"symlink out", filepath.Join(root, "link"), false},
		{"sibling prefix", root + "-other/file", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Contains(tt.path); got != tt.want {
				t.Errorf("Contains(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestAccessFlags(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	mustWrite(t, p, "x")
	m := NewMapper(&config.Config{DocumentRoot: dir})

	info := m.Resolve("/f").Info
	if got := accessFlags(info); got != URLFlagsRead|URLFlagsWrite {
		t.Errorf("flags = %#x", got)
	}
	if got := accessFlags(nil); got != 0 {
		t.Errorf("flags for missing = %#x", got)
	}
}

func TestHandlerMapMatch(t *testing.T) {
	t.Parallel()
	hm := NewHandlerMap([]config.HandlerConfig{
		{Pattern: "static/**", Handler: config.HandlerFile},
		{Pattern: "**/*.dll", Handler: config.HandlerISAPI},
	})

	tests := []struct {
		script string
		want   string
	}{
		{"/scripts/app.dll", config.HandlerISAPI},
		{"/APP.DLL", config.HandlerISAPI},
		{"/static/x.dll", config.HandlerFile},
		{"/scripts/app.exe", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := hm.Match(tt.script); got != tt.want {
			t.Errorf("Match(%q) = %q, want %q", tt.script, got, tt.want)
		}
	}
}
