package isapi

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wudi/isapigw/config"
	cfgpkg "github.com/wudi/isapigw/internal/config"
)

// Directory settings defaults.
const (
	DefaultReadAheadBuffer = 48192
)

// DirSettings are the merged per-directory settings for one resolved path.
type DirSettings struct {
	ExecCGI           bool
	AcceptPathInfo    string
	ReadAheadBuffer   int
	LogNotSupported   bool
	AppendLogToErrors bool
	AppendLogToQuery  bool
}

func dirSettings(d config.DirectoryConfig) DirSettings {
	return DirSettings{
		ExecCGI:           config.BoolValue(d.ExecCGI, false),
		AcceptPathInfo:    d.AcceptPathInfo,
		ReadAheadBuffer:   config.IntValue(d.ISAPI.ReadAheadBuffer, DefaultReadAheadBuffer),
		LogNotSupported:   config.BoolValue(d.ISAPI.LogNotSupported, false),
		AppendLogToErrors: config.BoolValue(d.ISAPI.AppendLogToErrors, true),
		AppendLogToQuery:  config.BoolValue(d.ISAPI.AppendLogToQuery, true),
	}
}

// Target is the result of mapping a URI onto the filesystem.
type Target struct {
	URI      string
	Filename string
	PathInfo string
	Info     fs.FileInfo // nil when nothing exists at Filename
	Dir      DirSettings
}

// ScriptName is the part of the URI that names Filename.
func (t *Target) ScriptName() string {
	return strings.TrimSuffix(t.URI, t.PathInfo)
}

// IsDir reports whether the target is an existing directory.
func (t *Target) IsDir() bool { return t.Info != nil && t.Info.IsDir() }

// IsRegular reports whether the target is an existing regular file.
func (t *Target) IsRegular() bool { return t.Info != nil && t.Info.Mode().IsRegular() }

type alias struct {
	url  string // without trailing slash
	path string
}

// Mapper resolves URIs against the document root and aliases, walking
// segment by segment so trailing segments past a file become path info.
type Mapper struct {
	root    string
	aliases []alias
	dirs    []config.DirectoryConfig
}

// NewMapper builds a mapper from cfg.
func NewMapper(cfg *config.Config) *Mapper {
	m := &Mapper{
		root: filepath.Clean(cfg.DocumentRoot),
		dirs: cfg.Directories,
	}
	for _, a := range cfg.Aliases {
		m.aliases = append(m.aliases, alias{
			url:  strings.TrimRight(a.URL, "/"),
			path: filepath.Clean(a.Path),
		})
	}
	sort.SliceStable(m.aliases, func(i, j int) bool {
		return len(m.aliases[i].url) > len(m.aliases[j].url)
	})
	return m
}

// DocumentRoot returns the configured document root.
func (m *Mapper) DocumentRoot() string { return m.root }

// Resolve maps uri onto the filesystem.
func (m *Mapper) Resolve(uri string) *Target {
	clean := path.Clean("/" + uri)
	if strings.HasSuffix(uri, "/") && clean != "/" {
		clean += "/"
	}

	base, rest := m.root, clean
	for _, a := range m.aliases {
		if a.url == "" {
			continue
		}
		if rest == a.url || strings.HasPrefix(rest, a.url+"/") {
			base, rest = a.path, rest[len(a.url):]
			break
		}
	}

	t := &Target{URI: clean}
	cur := base
	pos := 0
	for pos < len(rest) {
		end := len(rest)
		if i := strings.IndexByte(rest[pos+1:], '/'); i >= 0 {
			end = pos + 1 + i
		}
		seg := rest[pos+1 : end]
		if seg == "" {
			break
		}
		candidate := filepath.Join(cur, seg)
		fi, err := os.Stat(candidate)
		if err != nil {
			t.Filename = candidate
			t.PathInfo = rest[end:]
			t.Dir = m.settingsFor(candidate)
			return t
		}
		if !fi.IsDir() {
			t.Filename = candidate
			t.Info = fi
			t.PathInfo = rest[end:]
			t.Dir = m.settingsFor(candidate)
			return t
		}
		cur = candidate
		pos = end
	}

	t.Filename = cur
	t.PathInfo = rest[pos:]
	if fi, err := os.Stat(cur); err == nil {
		t.Info = fi
	}
	t.Dir = m.settingsFor(cur)
	return t
}

// Contains reports whether name lies inside the document root or an alias
// directory. Symlinks are resolved on both sides.
func (m *Mapper) Contains(name string) bool {
	name = realPath(name)
	if within(name, realPath(m.root)) {
		return true
	}
	for _, a := range m.aliases {
		if within(name, realPath(a.path)) {
			return true
		}
	}
	return false
}

func realPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}

func within(name, dir string) bool {
	rel, err := filepath.Rel(dir, name)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// TranslatePath maps path info the way PATH_TRANSLATED is derived.
func (m *Mapper) TranslatePath(pathInfo string) string {
	if pathInfo == "" {
		return ""
	}
	t := m.Resolve(pathInfo)
	return t.Filename + t.PathInfo
}

func (m *Mapper) settingsFor(filename string) DirSettings {
	return dirSettings(cfgpkg.DirectoryFor(m.dirs, filepath.ToSlash(filename)))
}

// accessFlags derives the MAP_URL_TO_PATH_EX flags from owner permissions.
func accessFlags(fi fs.FileInfo) uint32 {
	if fi == nil {
		return 0
	}
	perm := fi.Mode().Perm()
	var flags uint32
	if perm&0o400 != 0 {
		flags |= URLFlagsRead
	}
	if perm&0o200 != 0 {
		flags |= URLFlagsWrite
	}
	if perm&0o100 != 0 {
		flags |= URLFlagsExecute
	}
	return flags
}
