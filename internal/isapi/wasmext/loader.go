package wasmext

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wudi/isapigw/config"
	"github.com/wudi/isapigw/internal/isapi"
	"github.com/wudi/isapigw/internal/logging"
)

type compiledEntry struct {
	compiled wazero.CompiledModule
	modTime  time.Time
	size     int64
}

// Loader opens .wasm extensions on a shared wazero runtime. Compiled code
// is cached per path and rebuilt when the file changes.
type Loader struct {
	runtime  wazero.Runtime
	poolSize int

	mu    sync.Mutex
	cache map[string]*compiledEntry
}

// NewLoader creates the runtime and registers the host module.
func NewLoader(ctx context.Context, cfg config.WasmConfig) (*Loader, error) {
	var rtCfg wazero.RuntimeConfig
	if cfg.RuntimeMode == "interpreter" {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfigCompiler()
	}

	maxPages := cfg.MaxMemoryPages
	if maxPages <= 0 {
		maxPages = 256 // 16MB
	}
	// a departed client interrupts a running guest
	rtCfg = rtCfg.WithMemoryLimitPages(uint32(maxPages)).WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if err := instantiateHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmext: host module: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Loader{
		runtime:  rt,
		poolSize: poolSize,
		cache:    make(map[string]*compiledEntry),
	}, nil
}

// Open implements isapi.Loader.
func (l *Loader) Open(path string) (isapi.Module, error) {
	ctx := context.Background()
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", isapi.ErrModuleNotFound, path)
		}
		return nil, err
	}

	compiled, err := l.compile(ctx, path, fi)
	if err != nil {
		return nil, err
	}
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		return nil, fmt.Errorf("wasmext: %s does not export %q", path, exportMemory)
	}
	def, ok := compiled.ExportedFunctions()[exportAllocate]
	if !ok || !i32Signature(def, 1) {
		return nil, fmt.Errorf("wasmext: %s must export %s(i32) -> i32", path, exportAllocate)
	}

	pool, err := newInstancePool(ctx, l.runtime, compiled, l.poolSize)
	if err != nil {
		return nil, fmt.Errorf("wasmext: instantiate %s: %w", path, err)
	}
	return &Module{path: path, compiled: compiled, pool: pool}, nil
}

func (l *Loader) compile(ctx context.Context, path string, fi fs.FileInfo) (wazero.CompiledModule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.cache[path]; ok {
		if e.modTime.Equal(fi.ModTime()) && e.size == fi.Size() {
			return e.compiled, nil
		}
		e.compiled.Close(ctx)
		delete(l.cache, path)
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	compiled, err := l.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmext: compile %s: %w", path, err)
	}
	l.cache[path] = &compiledEntry{compiled: compiled, modTime: fi.ModTime(), size: fi.Size()}
	logging.Debug("wasm extension compiled", zap.String("extension", path), zap.Int("bytes", len(wasmBytes)))
	return compiled, nil
}

// Close closes the runtime and every instance created from it.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.cache = make(map[string]*compiledEntry)
	l.mu.Unlock()
	return l.runtime.Close(ctx)
}
