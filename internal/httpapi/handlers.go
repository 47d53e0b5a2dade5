package httpapi

import (
	"net/http"
	"strconv"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/ports"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/virtual"
)

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	showOffline := r.URL.Query().Get("show_offline") == "true"
	devices := s.deps.Devices.List(showOffline)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.deps.Devices.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "unknown device: "+id)
		return
	}
	out := map[string]any{"device": rec}
	if dp, ok := s.deps.Ports.Get(id); ok {
		out["ports"] = dp
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": s.deps.Ports.List()})
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.deps.Matrix.List(),
		"stats":       s.deps.Router.Stats(),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"connections": s.deps.Matrix.List()})
}

type connectRequest struct {
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Transform   ports.Transform `json:"transform"`
	Description string          `json:"description"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" || req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "source and target are required")
		return
	}
	conn, err := s.deps.Matrix.Connect(req.Source, req.Target, req.Transform, req.Description)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	// Unknown endpoints are allowed; the caller just gets told.
	warnings := s.endpointWarnings(req.Source, req.Target)
	out := map[string]any{"connection": conn}
	if len(warnings) > 0 {
		out["warnings"] = warnings
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) endpointWarnings(source, target string) []string {
	var warnings []string
	if dev, port, err := ports.SplitPortID(source); err == nil {
		if !s.deps.Ports.HasOutport(dev, port) {
			warnings = append(warnings, "source outport not declared: "+source)
		}
	}
	if dev, port, err := ports.SplitPortID(target); err == nil {
		if !s.deps.Ports.HasInport(dev, port) {
			warnings = append(warnings, "target inport not declared: "+target)
		}
	}
	return warnings
}

type disconnectRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if !s.decode(w, r, &req) {
		return
	}
	removed, err := s.deps.Matrix.Disconnect(req.Source, req.Target)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "not_found", "no such connection")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var upd ports.ConnectionUpdate
	if !s.decode(w, r, &upd) {
		return
	}
	conn, err := s.deps.Matrix.Update(id, upd)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"connection": conn})
}

func (s *Server) handleVirtualList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"virtual_tools": s.deps.Virtual.List()})
}

type virtualToolRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Bindings    []virtual.Binding `json:"bindings"`
}

func (s *Server) handleVirtualCreate(w http.ResponseWriter, r *http.Request) {
	var req virtualToolRequest
	if !s.decode(w, r, &req) {
		return
	}
	tool, err := s.deps.Virtual.Upsert(req.Name, req.Description, req.Bindings)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.reloadSurface()
	s.writeJSON(w, http.StatusCreated, map[string]any{"virtual_tool": tool})
}

func (s *Server) handleVirtualGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tool, ok := s.deps.Virtual.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "unknown virtual tool: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"virtual_tool": tool})
}

func (s *Server) handleVirtualUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.deps.Virtual.Get(name); !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "unknown virtual tool: "+name)
		return
	}
	var req virtualToolRequest
	if !s.decode(w, r, &req) {
		return
	}
	tool, err := s.deps.Virtual.Upsert(name, req.Description, req.Bindings)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.reloadSurface()
	s.writeJSON(w, http.StatusOK, map[string]any{"virtual_tool": tool})
}

func (s *Server) handleVirtualDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	removed, err := s.deps.Virtual.Delete(name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "not_found", "unknown virtual tool: "+name)
		return
	}
	s.reloadSurface()
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) reloadSurface() {
	if s.deps.Reloader == nil {
		return
	}
	if err := s.deps.Reloader.Reload(); err != nil {
		s.logger.Warn("surface reload failed", "error", err)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reloader == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "reload is not wired")
		return
	}
	if err := s.deps.Reloader.Reload(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

type eventRequest struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reflexes == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "reflex engine is disabled")
		return
	}
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "event name is required")
		return
	}
	if !s.deps.Reflexes.EnqueueEvent(req.Name, req.Data) {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "event queue is full")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

func (s *Server) handleReflexes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reflexes == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "reflex engine is disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reflexes": s.deps.Reflexes.List()})
}

func (s *Server) handleReflexHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "reflex history is disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = v
	}
	records, err := s.deps.History.Recent(r.URL.Query().Get("reflex_id"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}
