// Package inspect exposes a read-only HTTP view of a running loom runtime:
// persisted stack state, the live node set, the audit log, Prometheus
// metrics and a websocket stream of audit events as they happen.
//
// Embedders mount the router wherever they serve HTTP:
//
//	srv := inspect.New(handle)
//	http.ListenAndServe(":9090", srv.Router())
package inspect

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/pkg/state"
)

// Server serves the inspector for one runtime handle.
type Server struct {
	handle *loom.Handle
	logger *slog.Logger
	hub    *hub
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// New creates an inspector over handle and subscribes to its audit stream.
func New(handle *loom.Handle, opts ...ServerOption) *Server {
	s := &Server{
		handle: handle,
		logger: slog.Default().With("component", "inspect"),
		hub:    newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	handle.Runtime().Machine().OnAudit(func(stack string, entry state.AuditEntry) {
		s.hub.broadcast(liveEvent{Stack: stack, Entry: entry})
	})
	return s
}

// Router builds the chi router for the inspector endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stacks/{stack}", s.handleStack)
	r.Get("/stacks/{stack}/nodes", s.handleNodes)
	r.Get("/stacks/{stack}/audit", s.handleAudit)
	r.Get("/live", s.handleLive)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	stack := chi.URLParam(r, "stack")
	st, err := s.handle.Runtime().Machine().LoadState(r.Context(), stack)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "stack not found", http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	stack := chi.URLParam(r, "stack")
	if stack == s.handle.Runtime().Stack() {
		writeJSON(w, s.handle.Nodes())
		return
	}
	st, err := s.handle.Runtime().Machine().LoadState(r.Context(), stack)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "stack not found", http.StatusNotFound)
		return
	}
	writeJSON(w, st.Nodes)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	stack := chi.URLParam(r, "stack")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	machine := s.handle.Runtime().Machine()
	entries, err := machine.GetAuditLog(r.Context(), stack, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
