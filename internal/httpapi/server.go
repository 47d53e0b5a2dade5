// Package httpapi is the operator-facing REST surface: device and port
// inspection, routing matrix edits, virtual tool CRUD, reflex status, and
// the management endpoints, plus /metrics and /healthz.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/ports"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/reflex"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/virtual"
)

// Reloader re-reads operator config and republishes the external tool
// surface.
type Reloader interface {
	Reload() error
}

// ReflexView is the slice of the reflex engine the API exposes.
type ReflexView interface {
	List() []reflex.Status
	EnqueueEvent(name string, data map[string]any) bool
}

// HistoryView reads back the reflex execution log.
type HistoryView interface {
	Recent(reflexID string, limit int) ([]reflex.ExecutionRecord, error)
}

// Deps are the stores and components the handlers serve from. Reflexes and
// History may be nil when the reflex engine is disabled.
type Deps struct {
	Devices  *registry.Store
	Ports    *ports.Store
	Matrix   *ports.Matrix
	Router   *ports.Router
	Virtual  *virtual.Store
	Reloader Reloader
	Reflexes ReflexView
	History  HistoryView
}

// Server is the REST surface over one listener.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New builds the server with all routes registered.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger.With("component", "http")}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /ports", s.handlePorts)

	mux.HandleFunc("GET /routing", s.handleRouting)
	mux.HandleFunc("GET /routing/connections", s.handleConnections)
	mux.HandleFunc("POST /routing/connect", s.handleConnect)
	mux.HandleFunc("POST /routing/disconnect", s.handleDisconnect)
	mux.HandleFunc("PUT /routing/connection/{id}", s.handleUpdateConnection)

	mux.HandleFunc("GET /virtual-tools", s.handleVirtualList)
	mux.HandleFunc("POST /virtual-tools", s.handleVirtualCreate)
	mux.HandleFunc("GET /virtual-tools/{name}", s.handleVirtualGet)
	mux.HandleFunc("PUT /virtual-tools/{name}", s.handleVirtualUpdate)
	mux.HandleFunc("DELETE /virtual-tools/{name}", s.handleVirtualDelete)

	mux.HandleFunc("POST /management/reload", s.handleReload)
	mux.HandleFunc("POST /management/events", s.handleEvent)

	mux.HandleFunc("GET /reflexes", s.handleReflexes)
	mux.HandleFunc("GET /reflexes/history", s.handleReflexHistory)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.http.Addr = addr
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	s.writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
