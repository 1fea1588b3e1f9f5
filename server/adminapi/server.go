package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/backend"
	"github.com/migadu/dbrouter/pkg/circuitbreaker"
	"github.com/migadu/dbrouter/pkg/dialect"
	"github.com/migadu/dbrouter/pkg/events"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/router"
	"github.com/migadu/dbrouter/pkg/routing"
)

// Engine is the routing engine surface the API exposes. *routing.Engine
// implements it.
type Engine interface {
	Records() []health.Record
	Default() string
	AddBackend(ctx context.Context, name string, cfg config.BackendConfig) error
	RemoveBackend(name string) error
	Dialect(ctx context.Context, name string) (dialect.Dialect, error)
	SwitchDefault(name string) error
	HealthStatus() map[string]bool
	CheckNow(ctx context.Context) error
	Stats() routing.Stats
	Failover() *router.FailoverRouter
	ResetBreaker(name string) error
	BreakerState(name string) circuitbreaker.State
	Resolve(ctx context.Context, rc router.RoutingContext) (*backend.Backend, error)
}

// EventHistory serves persisted health events.
type EventHistory interface {
	History(ctx context.Context, backend string, limit int) ([]events.Event, error)
}

// Server represents the admin HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	engine       Engine
	history      EventHistory
	server       *http.Server
}

// ServerOptions holds configuration options for the admin HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	History      EventHistory // optional
}

// New creates a new admin HTTP API server
func New(engine Engine, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}
	if engine == nil {
		return nil, fmt.Errorf("routing engine is required for admin API server")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		engine:       engine,
		history:      options.History,
	}, nil
}

// Run serves the API until ctx is done. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server", "component", "ADMIN-API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "component", "ADMIN-API", "error", err)
		}
	}()

	logger.Info("Admin API: Starting server", "component", "ADMIN-API", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin API server failed: %w", err)
	}
	return nil
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Backend management
	v1.HandleFunc("/backends", s.handleListBackends).Methods("GET")
	v1.HandleFunc("/backends", s.handleAddBackend).Methods("POST")
	v1.HandleFunc("/backends/{name}", s.handleRemoveBackend).Methods("DELETE")
	v1.HandleFunc("/backends/{name}/dialect", s.handleDialect).Methods("GET")
	v1.HandleFunc("/backends/{name}/breaker/reset", s.handleResetBreaker).Methods("POST")
	v1.HandleFunc("/default", s.handleSwitchDefault).Methods("PUT")

	// Health
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/health/check", s.handleCheckNow).Methods("POST")
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/events", s.handleEvents).Methods("GET")

	// Failover router state
	v1.HandleFunc("/failover", s.handleFailoverStatus).Methods("GET")
	v1.HandleFunc("/failover/{name}/failure", s.handleFailoverMark).Methods("POST")
	v1.HandleFunc("/failover/{name}/recovered", s.handleFailoverMark).Methods("POST")

	// Routing dry run
	v1.HandleFunc("/resolve", s.handleResolve).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("Admin API: Request", "component", "ADMIN-API", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request completed", "component", "ADMIN-API", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "component", "ADMIN-API", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
