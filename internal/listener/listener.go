package listener

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/isapigw/config"
	"github.com/wudi/isapigw/internal/logging"
)

// Listener is a bound network endpoint serving the request pipeline.
type Listener interface {
	// ID returns the listener's configured identifier.
	ID() string

	// Addr returns the bound address, or the configured one before Listen.
	Addr() string

	// Listen binds the socket. It must be called before Serve.
	Listen() error

	// Serve accepts connections until Stop. It returns nil after a clean stop.
	Serve() error

	// Stop drains in-flight requests until ctx expires.
	Stop(ctx context.Context) error
}

// Manager runs a set of listeners as one unit.
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	grace     time.Duration
	bound     chan struct{}
	boundOnce sync.Once
}

// NewManager creates a manager that gives in-flight requests up to grace to
// finish when it stops.
func NewManager(grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Manager{listeners: make(map[string]Listener), grace: grace, bound: make(chan struct{})}
}

// FromConfig builds an HTTP listener for every configured entry.
func FromConfig(cfgs []config.ListenerConfig, handler http.Handler, grace time.Duration) (*Manager, error) {
	m := NewManager(grace)
	for _, lc := range cfgs {
		l, err := NewHTTPListener(HTTPListenerConfig{
			ID:                lc.ID,
			Address:           lc.Address,
			Handler:           handler,
			TLS:               lc.TLS,
			ReadTimeout:       lc.HTTP.ReadTimeout,
			WriteTimeout:      lc.HTTP.WriteTimeout,
			IdleTimeout:       lc.HTTP.IdleTimeout,
			MaxHeaderBytes:    lc.HTTP.MaxHeaderBytes,
			ReadHeaderTimeout: lc.HTTP.ReadHeaderTimeout,
			EnableHTTP3:       lc.HTTP.EnableHTTP3,
		})
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.ID, err)
		}
		if err := m.Add(l); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers a listener. IDs must be unique.
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}
	m.listeners[l.ID()] = l
	return nil
}

// Get returns a listener by ID.
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// Count returns the number of registered listeners.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns the listener IDs in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedIDs()
}

// Bound is closed once Run has bound every listener.
func (m *Manager) Bound() <-chan struct{} { return m.bound }

func (m *Manager) snapshot() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Listener, 0, len(m.listeners))
	for _, id := range m.sortedIDs() {
		out = append(out, m.listeners[id])
	}
	return out
}

func (m *Manager) sortedIDs() []string {
	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run binds every listener, serves until ctx is cancelled or one listener
// fails, then stops them all. Binding errors are returned before anything
// is served.
func (m *Manager) Run(ctx context.Context) error {
	ls := m.snapshot()
	for i, l := range ls {
		if err := l.Listen(); err != nil {
			for _, bound := range ls[:i] {
				bound.Stop(context.Background())
			}
			return fmt.Errorf("listener %s: %w", l.ID(), err)
		}
		logging.Info("listener started", zap.String("listener", l.ID()), zap.String("address", l.Addr()))
	}
	m.boundOnce.Do(func() { close(m.bound) })

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range ls {
		g.Go(func() error {
			if err := l.Serve(); err != nil {
				return fmt.Errorf("listener %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), m.grace)
		defer cancel()
		return m.stop(stopCtx, ls)
	})
	return g.Wait()
}

func (m *Manager) stop(ctx context.Context, ls []Listener) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ls))
	for i, l := range ls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("stopping listener", zap.String("listener", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
