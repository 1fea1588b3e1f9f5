package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/router"
	"github.com/migadu/dbrouter/pkg/routing"
)

// Request/Response types

type AddBackendRequest struct {
	Name           string `json:"name"`
	Driver         string `json:"driver,omitempty"`
	DSN            string `json:"dsn,omitempty"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	User           string `json:"user,omitempty"`
	Password       string `json:"password,omitempty"`
	Database       string `json:"database,omitempty"`
	TLS            bool   `json:"tls,omitempty"`
	MaxConns       int    `json:"max_conns,omitempty"`
	MinConns       int    `json:"min_conns,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	Dialect        string `json:"dialect,omitempty"`
}

func (req AddBackendRequest) config() config.BackendConfig {
	cfg := config.BackendConfig{
		Driver:         req.Driver,
		DSN:            req.DSN,
		Host:           req.Host,
		User:           req.User,
		Password:       req.Password,
		Name:           req.Database,
		TLSMode:        req.TLS,
		MaxConns:       req.MaxConns,
		MinConns:       req.MinConns,
		ConnectTimeout: req.ConnectTimeout,
		Dialect:        req.Dialect,
	}
	if req.Port != 0 {
		cfg.Port = req.Port
	}
	return cfg
}

type SwitchDefaultRequest struct {
	Name string `json:"name"`
}

type BackendInfo struct {
	Name                string     `json:"name"`
	Default             bool       `json:"default"`
	Healthy             bool       `json:"healthy"`
	Status              string     `json:"status"`
	Dialect             string     `json:"dialect"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	PendingRecovery     bool       `json:"pending_recovery"`
}

// Handler functions

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	def := s.engine.Default()
	status := s.engine.HealthStatus()

	backends := make([]BackendInfo, 0, len(status))
	for _, rec := range s.engine.Records() {
		info := BackendInfo{
			Name:                rec.Name,
			Default:             rec.Name == def,
			Healthy:             status[rec.Name],
			Status:              rec.Status,
			Dialect:             string(rec.Dialect),
			LastError:           rec.LastError,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			PendingRecovery:     rec.PendingRecovery,
		}
		if !rec.LastCheckedAt.IsZero() {
			t := rec.LastCheckedAt
			info.LastCheckedAt = &t
		}
		backends = append(backends, info)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"default":  def,
		"backends": backends,
		"count":    len(backends),
	})
}

func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req AddBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Backend name is required")
		return
	}
	if req.DSN == "" && req.Host == "" {
		s.writeError(w, http.StatusBadRequest, "Either dsn or host is required")
		return
	}

	if err := s.engine.AddBackend(r.Context(), req.Name, req.config()); err != nil {
		var cfgErr *backend.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			s.writeError(w, http.StatusBadGateway, cfgErr.Error())
		case errors.Is(err, routing.ErrClosed):
			s.writeError(w, http.StatusServiceUnavailable, "Routing engine is shutting down")
		default:
			logger.Warn("Admin API: Error adding backend", "component", "ADMIN-API", "backend", req.Name, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to add backend")
		}
		return
	}

	logger.Info("Admin API: Backend added", "component", "ADMIN-API", "backend", req.Name)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"name":    req.Name,
		"message": "Backend added",
	})
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.engine.RemoveBackend(name); err != nil {
		if errors.Is(err, routing.ErrUnknownBackend) {
			s.writeError(w, http.StatusNotFound, "Backend not found")
			return
		}
		if name == s.engine.Default() {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		logger.Warn("Admin API: Error removing backend", "component", "ADMIN-API", "backend", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to remove backend")
		return
	}

	logger.Info("Admin API: Backend removed", "component", "ADMIN-API", "backend", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.engine.ResetBreaker(name); err != nil {
		s.writeError(w, http.StatusNotFound, "Backend not found")
		return
	}

	logger.Info("Admin API: Circuit breaker reset", "component", "ADMIN-API", "backend", name)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":  name,
		"state": s.engine.BreakerState(name).String(),
	})
}

func (s *Server) handleDialect(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	d, err := s.engine.Dialect(r.Context(), name)
	if err != nil {
		if errors.Is(err, routing.ErrUnknownBackend) {
			s.writeError(w, http.StatusNotFound, "Backend not found")
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"dialect": string(d),
	})
}

func (s *Server) handleSwitchDefault(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SwitchDefaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Backend name is required")
		return
	}

	if err := s.engine.SwitchDefault(req.Name); err != nil {
		if errors.Is(err, routing.ErrUnknownBackend) {
			s.writeError(w, http.StatusNotFound, "Backend not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to switch default backend")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"default": req.Name})
}

func (s *Server) healthSummary() map[string]any {
	status := s.engine.HealthStatus()
	healthy := 0
	for _, ok := range status {
		if ok {
			healthy++
		}
	}
	return map[string]any{
		"backends": status,
		"healthy":  healthy,
		"total":    len(status),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.healthSummary())
}

func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CheckNow(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Health check did not complete: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.healthSummary())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "Event store is not enabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	name := r.URL.Query().Get("backend")

	history, err := s.history.History(r.Context(), name, limit)
	if err != nil {
		logger.Warn("Admin API: Error reading event history", "component", "ADMIN-API", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read event history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": history,
		"count":  len(history),
	})
}

func (s *Server) handleFailoverStatus(w http.ResponseWriter, r *http.Request) {
	fo := s.engine.Failover()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"priority": fo.Priority(),
		"backends": fo.HealthStatus(),
	})
}

// handleFailoverMark serves both /failure and /recovered.
func (s *Server) handleFailoverMark(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	fo := s.engine.Failover()

	if strings.HasSuffix(r.URL.Path, "/recovered") {
		fo.MarkRecovered(name)
	} else {
		fo.MarkFailure(name)
	}
	logger.Info("Admin API: Failover state changed", "component", "ADMIN-API", "backend", name, "path", r.URL.Path)

	healthy, known := fo.HealthStatus()[name]
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"healthy": healthy || !known,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var rc router.RoutingContext
	if stmt := q.Get("query"); stmt != "" {
		rc = router.ForStatement(stmt)
	}
	if k := q.Get("kind"); k != "" {
		kind, err := router.ParseOperationKind(k)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rc.Kind = kind
	}
	rc.Override = q.Get("override")
	rc.TenantID = q.Get("tenant")
	rc.CallerID = "admin-api"

	b, err := s.engine.Resolve(r.Context(), rc)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"backend": b.Name,
		"kind":    rc.Kind.String(),
	})
}
