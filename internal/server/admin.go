package server

import (
	"encoding/json"
	"net/http"
	"time"

	gwerrors "github.com/wudi/isapigw/internal/errors"
	"github.com/wudi/isapigw/internal/isapi"
	"github.com/wudi/isapigw/internal/listener"
)

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /extensions", s.handleExtensions)
	mux.HandleFunc("GET /listeners", s.handleListeners)
	mux.HandleFunc("POST /reload", s.handleReload)

	if s.metrics != nil {
		path := s.cfg.Admin.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports degraded once the registry has shut down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	select {
	case <-s.registry.Done():
		status, code = "shutting_down", http.StatusServiceUnavailable
	default:
	}

	loaded := 0
	for _, e := range s.registry.Snapshot() {
		if e.Loaded {
			loaded++
		}
	}
	writeJSON(w, code, map[string]any{
		"status":            status,
		"timestamp":         time.Now().Format(time.RFC3339),
		"uptime":            time.Since(s.startTime).String(),
		"extensions_loaded": loaded,
		"tracing":           s.tracer.IsEnabled(),
	})
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	exts := s.registry.Snapshot()
	if exts == nil {
		exts = []isapi.ExtensionStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"extensions": exts})
}

type listenerStatus struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	TLS         bool   `json:"tls"`
	HTTP3       bool   `json:"http3"`
	ActiveConns int64  `json:"active_conns"`
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	out := []listenerStatus{}
	for _, id := range s.listeners.List() {
		l, _ := s.listeners.Get(id)
		st := listenerStatus{ID: id, Address: l.Addr()}
		if hl, ok := l.(*listener.HTTPListener); ok {
			st.TLS = hl.TLSEnabled()
			st.HTTP3 = hl.HTTP3Enabled()
			st.ActiveConns = hl.ActiveConns()
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"listeners": out})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		gwerrors.ErrBadRequest.WithDetails("server was started without a config file").WriteJSON(w)
		return
	}
	s.Reload()

	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := map[string]any{"reloads": s.reloads}
	if !s.lastReload.IsZero() {
		resp["last_reload"] = s.lastReload.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
