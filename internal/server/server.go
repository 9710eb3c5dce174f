package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/isapigw/config"
	internalconfig "github.com/wudi/isapigw/internal/config"
	"github.com/wudi/isapigw/internal/isapi"
	"github.com/wudi/isapigw/internal/isapi/wasmext"
	"github.com/wudi/isapigw/internal/listener"
	"github.com/wudi/isapigw/internal/logging"
	"github.com/wudi/isapigw/internal/metrics"
	"github.com/wudi/isapigw/internal/middleware"
	"github.com/wudi/isapigw/internal/tracing"
)

// Server owns the extension registry, the site handler and every listener.
type Server struct {
	configPath string
	startTime  time.Time

	mu  sync.RWMutex
	cfg *config.Config

	wasm      *wasmext.Loader
	static    *isapi.StaticLoader
	registry  *isapi.Registry
	handler   *isapi.Handler
	root      http.Handler
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	listeners *listener.Manager
	watcher   *internalconfig.Watcher

	reloads    int
	lastReload time.Time
	closeOnce  sync.Once
}

// Option customises a Server.
type Option func(*Server)

// WithStaticLoader serves in-process extensions registered on l for every
// file that is not a .wasm module.
func WithStaticLoader(l *isapi.StaticLoader) Option {
	return func(s *Server) { s.static = l }
}

// WithConfigPath enables reloads from path, on SIGHUP and on file change.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.configPath = path }
}

// New builds the server for cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, startTime: time.Now(), static: isapi.NewStaticLoader()}
	for _, o := range opts {
		o(s)
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	s.tracer = tracer
	if cfg.Admin.Metrics.Enabled {
		s.metrics = metrics.NewCollector()
	}

	s.wasm, err = wasmext.NewLoader(ctx, cfg.ISAPI.Wasm)
	if err != nil {
		tracer.Close()
		return nil, err
	}
	loader := &isapi.MultiLoader{
		ByExt:   map[string]isapi.Loader{".wasm": s.wasm},
		Default: s.static,
	}
	s.registry = isapi.NewRegistry(loader, cfg.ISAPI, s.metrics)
	s.handler = isapi.NewHandler(s.registry, cfg, s.metrics, s.tracer)
	s.root = middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.If(cfg.Logging.AccessLog.Enabled, middleware.AccessLog(cfg.Logging.AccessLog.SkipPaths)),
		s.tracer.Middleware(),
	).Then(s.handler)
	s.handler.SetRoot(s.root)

	if n := len(cfg.ISAPI.CacheFiles); n > 0 {
		loaded := s.registry.Preload(cfg.ISAPI.CacheFiles)
		logging.Info("isapi cache files preloaded", zap.Int("loaded", loaded), zap.Int("configured", n))
	}

	s.listeners, err = listener.FromConfig(cfg.Listeners, s.root, cfg.Shutdown.Timeout)
	if err != nil {
		s.Close()
		return nil, err
	}
	if cfg.Admin.Enabled {
		admin, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           "admin",
			Address:      adminAddress(cfg.Admin),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
		if err == nil {
			err = s.listeners.Add(admin)
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("admin listener: %w", err)
		}
	}

	if s.configPath != "" {
		s.watcher, err = internalconfig.NewWatcher(s.configPath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("config watcher: %w", err)
		}
		s.watcher.OnChange(s.apply)
	}
	return s, nil
}

func adminAddress(cfg config.AdminConfig) string {
	if cfg.Address != "" {
		return cfg.Address
	}
	return ":" + strconv.Itoa(cfg.Port)
}

// Handler returns the site handler wrapped in the request pipeline.
func (s *Server) Handler() http.Handler { return s.root }

// Registry returns the extension registry.
func (s *Server) Registry() *isapi.Registry { return s.registry }

// Listeners returns the listener manager.
func (s *Server) Listeners() *listener.Manager { return s.listeners }

// Config returns the configuration currently in effect.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or a
// listener fails. SIGHUP reloads the configuration. Every extension is
// force-unloaded before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("config file watch unavailable", zap.String("path", s.configPath), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listeners.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				s.Reload()
			}
		}
	})

	err := g.Wait()
	logging.Info("shutting down")
	s.Close()
	logging.Info("server shutdown complete")
	return err
}

// Reload re-reads the config file. Mapping and handler rules take effect
// for new requests; registry settings need a restart.
func (s *Server) Reload() {
	if s.watcher == nil {
		logging.Warn("reload requested without a config file")
		return
	}
	s.watcher.Reload()
}

func (s *Server) apply(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.reloads++
	s.lastReload = time.Now()
	s.mu.Unlock()

	s.handler.Update(cfg)
	logging.Info("site configuration applied",
		zap.String("document_root", cfg.DocumentRoot),
		zap.Int("directories", len(cfg.Directories)),
		zap.Int("handlers", len(cfg.Handlers)),
	)
}

// Close stops the config watcher, force-unloads every extension and
// releases the wasm runtime and tracer. Run calls it on the way out.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if err := s.registry.Close(); err != nil {
			logging.Error("extension unload errors", zap.Error(err))
		}
		if err := s.wasm.Close(context.Background()); err != nil {
			logging.Error("wasm runtime close error", zap.Error(err))
		}
		if err := s.tracer.Close(); err != nil {
			logging.Error("tracer shutdown error", zap.Error(err))
		}
	})
}
