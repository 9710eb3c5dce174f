package isapi

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/isapigw/config"
	"github.com/wudi/isapigw/internal/logging"
	"github.com/wudi/isapigw/internal/metrics"
)

var (
	// ErrUnloadRefused means TerminateExtension vetoed an advisory unload.
	ErrUnloadRefused = errors.New("isapi: extension refused to unload")
	// ErrVersionRejected means GetExtensionVersion returned false.
	ErrVersionRejected = errors.New("isapi: GetExtensionVersion failed")
	// ErrRegistryClosed is returned by Acquire after Close.
	ErrRegistryClosed = errors.New("isapi: registry closed")
	// ErrCompletionTimeout means a pending request never signalled completion.
	ErrCompletionTimeout = errors.New("isapi: completion wait timed out")
	// ErrExtensionPanic means an entry point crashed.
	ErrExtensionPanic = errors.New("isapi: extension panicked")
)

// DefaultTimeout bounds the completion wait of a pending request.
const DefaultTimeout = 60 * time.Second

// Options are the per-extension settings fixed when the entry is created.
type Options struct {
	Timeout       time.Duration
	FakeAsync     bool
	ReportVersion uint32
}

// LoadedExtension is one extension file known to the registry. Entries are
// never removed; an unloaded entry keeps its place and is reloaded on the
// next Acquire.
type LoadedExtension struct {
	path    string
	opts    Options
	breaker *gobreaker.CircuitBreaker[uint32]

	mu        sync.Mutex
	module    Module
	version   GetExtensionVersionFunc
	proc      HttpExtensionProcFunc
	terminate TerminateExtensionFunc
	info      VersionInfo
	refs      int
	loads     int
	pinned    bool
}

// Path returns the normalized file path identifying the extension.
func (e *LoadedExtension) Path() string { return e.path }

// Options returns the extension's settings.
func (e *LoadedExtension) Options() Options { return e.opts }

// Refs returns the current reference count.
func (e *LoadedExtension) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// Loaded reports whether the module is currently open.
func (e *LoadedExtension) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.module != nil
}

// Loads returns how many times the module has been opened.
func (e *LoadedExtension) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Info returns what GetExtensionVersion reported on the last load.
func (e *LoadedExtension) Info() VersionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

func (e *LoadedExtension) procFunc() HttpExtensionProcFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc
}

func (e *LoadedExtension) matches(path string) bool {
	return strings.EqualFold(e.path, path)
}

// ExtensionStatus is a point-in-time view of a registry entry.
type ExtensionStatus struct {
	Path          string `json:"path"`
	Loaded        bool   `json:"loaded"`
	Pinned        bool   `json:"pinned"`
	Refs          int    `json:"refs"`
	Loads         int    `json:"loads"`
	Version       string `json:"version,omitempty"`
	Description   string `json:"description,omitempty"`
	Breaker       string `json:"breaker"`
	Timeout       string `json:"timeout"`
	FakeAsync     bool   `json:"fake_async"`
	ReportVersion string `json:"report_version"`
}

// Registry is the table of extensions loaded by the server. Each entry's
// refcount and module handle are guarded by the entry's own mutex.
type Registry struct {
	loader    Loader
	defaults  Options
	overrides map[string]config.ExtensionConfig
	breaker   config.BreakerConfig
	metrics   *metrics.Collector

	mu      sync.Mutex
	entries []*LoadedExtension

	loaded    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a registry that opens modules with loader. m may be nil.
func NewRegistry(loader Loader, cfg config.ISAPIConfig, m *metrics.Collector) *Registry {
	defaults := Options{
		Timeout:       cfg.Timeout,
		FakeAsync:     config.BoolValue(cfg.FakeAsync, true),
		ReportVersion: cfg.ReportVersion,
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultTimeout
	}
	if defaults.ReportVersion == 0 {
		defaults.ReportVersion = DefaultReportVersion
	}

	overrides := make(map[string]config.ExtensionConfig, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		overrides[strings.ToLower(NormalizePath(ext.Path))] = ext
	}

	return &Registry{
		loader:    loader,
		defaults:  defaults,
		overrides: overrides,
		breaker:   cfg.Breaker,
		metrics:   m,
		done:      make(chan struct{}),
	}
}

// Acquire returns the entry for path with its refcount incremented, loading
// the module first if it is not resident.
func (r *Registry) Acquire(path string) (*LoadedExtension, error) {
	select {
	case <-r.done:
		return nil, ErrRegistryClosed
	default:
	}

	ext := r.entry(NormalizePath(path))

	ext.mu.Lock()
	defer ext.mu.Unlock()
	if ext.module == nil {
		if err := r.load(ext); err != nil {
			r.metrics.RecordLoad(false)
			logging.Error("failed to load isapi extension", zap.String("extension", ext.path), zap.Error(err))
			return nil, err
		}
		r.metrics.RecordLoad(true)
	}
	ext.refs++
	return ext, nil
}

func (r *Registry) entry(path string) *LoadedExtension {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.matches(path) {
			return e
		}
	}
	e := &LoadedExtension{path: path, opts: r.optionsFor(path)}
	e.breaker = r.newBreaker(path)
	r.entries = append(r.entries, e)
	return e
}

func (r *Registry) optionsFor(path string) Options {
	opts := r.defaults
	o, ok := r.overrides[strings.ToLower(path)]
	if !ok {
		return opts
	}
	if o.Timeout > 0 {
		opts.Timeout = o.Timeout
	}
	if o.FakeAsync != nil {
		opts.FakeAsync = *o.FakeAsync
	}
	if o.ReportVersion != 0 {
		opts.ReportVersion = o.ReportVersion
	}
	return opts
}

func (r *Registry) newBreaker(path string) *gobreaker.CircuitBreaker[uint32] {
	cfg := r.breaker
	return gobreaker.NewCircuitBreaker[uint32](gobreaker.Settings{
		Name:        path,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.FailureThreshold > 0 && counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrCompletionTimeout) && !errors.Is(err, ErrExtensionPanic)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.metrics.SetBreakerState(name, breakerGauge(to))
			logging.Warn("isapi extension breaker state changed",
				zap.String("extension", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	}
	return metrics.BreakerClosed
}

// load opens the module and negotiates the version. Caller holds ext.mu.
func (r *Registry) load(ext *LoadedExtension) error {
	mod, err := r.loader.Open(ext.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", ext.path, err)
	}

	version, proc, terminate, err := resolveEntryPoints(mod)
	if err != nil {
		mod.Close()
		return fmt.Errorf("resolve %s: %w", ext.path, err)
	}

	var info VersionInfo
	ok, err := safeCall(func() bool { return version(&info) })
	if err != nil || !ok {
		mod.Close()
		if err == nil {
			err = ErrVersionRejected
		}
		return fmt.Errorf("%s: %w", ext.path, err)
	}
	if len(info.ExtensionDesc) >= MaxDescLen {
		info.ExtensionDesc = info.ExtensionDesc[:MaxDescLen-1]
	}

	ext.module = mod
	ext.version = version
	ext.proc = proc
	ext.terminate = terminate
	ext.info = info
	ext.loads++
	r.metrics.SetLoaded(int(r.loaded.Add(1)))

	logging.Info("isapi extension loaded",
		zap.String("extension", ext.path),
		zap.String("version", formatVersion(info.ExtensionVersion)),
		zap.String("description", info.ExtensionDesc),
	)
	return nil
}

// Release drops one reference. The module is unloaded when the last
// reference goes or when force is set; TerminateExtension may veto an
// advisory unload, which returns ErrUnloadRefused and keeps the module
// resident.
func (r *Registry) Release(ext *LoadedExtension, force bool) error {
	ext.mu.Lock()
	defer ext.mu.Unlock()

	if ext.refs > 0 {
		ext.refs--
	}
	if force {
		ext.refs = 0
	}
	if (ext.refs > 0 && !force) || ext.module == nil {
		return nil
	}

	if ext.terminate != nil {
		flags := TermAdvisoryUnload
		if force {
			flags = TermMustUnload
		}
		ok, err := safeCall(func() bool { return ext.terminate(flags) })
		if err != nil {
			logging.Error("TerminateExtension panicked", zap.String("extension", ext.path), zap.Error(err))
		}
		if !ok && !force {
			return ErrUnloadRefused
		}
	}

	err := ext.module.Close()
	ext.module = nil
	ext.version = nil
	ext.proc = nil
	ext.terminate = nil
	ext.pinned = false
	r.metrics.SetLoaded(int(r.loaded.Add(-1)))

	logging.Info("isapi extension unloaded", zap.String("extension", ext.path), zap.Bool("forced", force))
	if err != nil {
		return fmt.Errorf("close %s: %w", ext.path, err)
	}
	return nil
}

// Preload loads each file and holds a reference for the life of the
// registry so its first request is a cache hit. Files that are missing or
// not regular are skipped with a warning.
func (r *Registry) Preload(paths []string) int {
	n := 0
	for _, p := range paths {
		regular, err := isRegularFile(p)
		if err != nil || !regular {
			logging.Warn("isapi cache file is not a regular file, skipped",
				zap.String("extension", p), zap.Error(err))
			continue
		}
		ext, err := r.Acquire(p)
		if err != nil {
			logging.Warn("isapi cache file failed to load, skipped", zap.String("extension", p), zap.Error(err))
			continue
		}
		ext.mu.Lock()
		if ext.pinned {
			// already holding the pin reference
			ext.refs--
		}
		ext.pinned = true
		ext.mu.Unlock()
		n++
	}
	return n
}

// Lookup returns the entry for path without touching its refcount.
func (r *Registry) Lookup(path string) (*LoadedExtension, bool) {
	path = NormalizePath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.matches(path) {
			return e, true
		}
	}
	return nil, false
}

// Snapshot returns the status of every entry in load order.
func (r *Registry) Snapshot() []ExtensionStatus {
	r.mu.Lock()
	entries := make([]*LoadedExtension, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	out := make([]ExtensionStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := ExtensionStatus{
			Path:          e.path,
			Loaded:        e.module != nil,
			Pinned:        e.pinned,
			Refs:          e.refs,
			Loads:         e.loads,
			Breaker:       e.breaker.State().String(),
			Timeout:       e.opts.Timeout.String(),
			FakeAsync:     e.opts.FakeAsync,
			ReportVersion: formatVersion(e.opts.ReportVersion),
		}
		if e.module != nil {
			st.Version = formatVersion(e.info.ExtensionVersion)
			st.Description = e.info.ExtensionDesc
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Done is closed when the registry shuts down.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Close force-unloads every extension. Later Acquire calls fail.
func (r *Registry) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		entries := make([]*LoadedExtension, len(r.entries))
		copy(entries, r.entries)
		r.mu.Unlock()
		for _, e := range entries {
			if err := r.Release(e, true); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func formatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d", v>>16, v&0xffff)
}

// safeCall runs fn, turning a panic into ErrExtensionPanic.
func safeCall(fn func() bool) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = fmt.Errorf("%w: %v", ErrExtensionPanic, p)
		}
	}()
	return fn(), nil
}
