package isapi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrSymbolNotFound is returned by Module.Lookup for a missing export.
	ErrSymbolNotFound = errors.New("isapi: symbol not found")
	// ErrModuleNotFound is returned by a Loader with nothing at the path.
	ErrModuleNotFound = errors.New("isapi: module not found")
)

// Loader opens extension modules from the filesystem.
type Loader interface {
	Open(path string) (Module, error)
}

// Module is an opened extension. Lookup returns one of the entry point
// function types for the matching symbol name.
type Module interface {
	Lookup(symbol string) (any, error)
	Close() error
}

// EntryPoints is a set of in-process entry points registered with a
// StaticLoader. TerminateExtension may be nil.
type EntryPoints struct {
	GetExtensionVersion GetExtensionVersionFunc
	HttpExtensionProc   HttpExtensionProcFunc
	TerminateExtension  TerminateExtensionFunc
}

// StaticLoader serves extensions compiled into the server, keyed by the
// path that maps to them. The file at the path only needs to exist for the
// request preconditions; its content is never read.
type StaticLoader struct {
	mu    sync.RWMutex
	exts  map[string]EntryPoints
	opens map[string]int
}

// NewStaticLoader creates an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{
		exts:  make(map[string]EntryPoints),
		opens: make(map[string]int),
	}
}

// Register binds ext to path, replacing any previous binding.
func (l *StaticLoader) Register(path string, ext EntryPoints) {
	key := staticKey(path)
	l.mu.Lock()
	l.exts[key] = ext
	l.mu.Unlock()
}

// Opens reports how many times path has been opened.
func (l *StaticLoader) Opens(path string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opens[staticKey(path)]
}

// Open implements Loader.
func (l *StaticLoader) Open(path string) (Module, error) {
	key := staticKey(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	ext, ok := l.exts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
	}
	l.opens[key]++
	return &staticModule{ext: ext}, nil
}

func staticKey(path string) string {
	return strings.ToLower(NormalizePath(path))
}

type staticModule struct {
	ext EntryPoints
}

func (m *staticModule) Lookup(symbol string) (any, error) {
	switch symbol {
	case SymbolGetExtensionVersion:
		if m.ext.GetExtensionVersion != nil {
			return m.ext.GetExtensionVersion, nil
		}
	case SymbolHttpExtensionProc:
		if m.ext.HttpExtensionProc != nil {
			return m.ext.HttpExtensionProc, nil
		}
	case SymbolTerminateExtension:
		if m.ext.TerminateExtension != nil {
			return m.ext.TerminateExtension, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
}

func (m *staticModule) Close() error { return nil }

// MultiLoader picks a loader by file extension, falling back to Default.
type MultiLoader struct {
	ByExt   map[string]Loader // keys include the dot, e.g. ".wasm"
	Default Loader
}

// Open implements Loader.
func (l *MultiLoader) Open(path string) (Module, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ld, ok := l.ByExt[ext]; ok {
		return ld.Open(path)
	}
	if l.Default == nil {
		return nil, fmt.Errorf("isapi: no loader for %q files", ext)
	}
	return l.Default.Open(path)
}

// NormalizePath returns the absolute, cleaned form of path used as the
// registry identity.
func NormalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// resolveEntryPoints looks up the three entry points of mod. The version and
// processing entries are mandatory.
func resolveEntryPoints(mod Module) (GetExtensionVersionFunc, HttpExtensionProcFunc, TerminateExtensionFunc, error) {
	sym, err := mod.Lookup(SymbolGetExtensionVersion)
	if err != nil {
		return nil, nil, nil, err
	}
	version, ok := sym.(GetExtensionVersionFunc)
	if !ok {
		return nil, nil, nil, fmt.Errorf("isapi: %s has type %T", SymbolGetExtensionVersion, sym)
	}

	sym, err = mod.Lookup(SymbolHttpExtensionProc)
	if err != nil {
		return nil, nil, nil, err
	}
	proc, ok := sym.(HttpExtensionProcFunc)
	if !ok {
		return nil, nil, nil, fmt.Errorf("isapi: %s has type %T", SymbolHttpExtensionProc, sym)
	}

	var terminate TerminateExtensionFunc
	if sym, err = mod.Lookup(SymbolTerminateExtension); err == nil {
		if terminate, ok = sym.(TerminateExtensionFunc); !ok {
			return nil, nil, nil, fmt.Errorf("isapi: %s has type %T", SymbolTerminateExtension, sym)
		}
	} else if !errors.Is(err, ErrSymbolNotFound) {
		return nil, nil, nil, err
	}
	return version, proc, terminate, nil
}

// isRegularFile reports whether path names an existing regular file.
func isRegularFile(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}
