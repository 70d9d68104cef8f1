package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gateinfra/toolgate/internal/audit"
	"github.com/gateinfra/toolgate/internal/broker"
	"github.com/gateinfra/toolgate/internal/registry"
	"github.com/gateinfra/toolgate/internal/security"
	"github.com/gateinfra/toolgate/internal/types"
)

// adminServer exposes the arbitration and profile operations over HTTP.
// Every route sits behind the auth middleware; mutating routes
// additionally require the admin role.
type adminServer struct {
	broker   *broker.Broker
	registry *registry.Registry
	auditLog *audit.Log
	logger   *slog.Logger
	started  time.Time
}

func newAdminServer(b *broker.Broker, reg *registry.Registry, auditLog *audit.Log, logger *slog.Logger) *adminServer {
	return &adminServer{
		broker:   b,
		registry: reg,
		auditLog: auditLog,
		logger:   logger.With("component", "admin"),
		started:  time.Now(),
	}
}

func (s *adminServer) routes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(s.loggingMiddleware(h)))
	}
	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(security.RequireAdmin(s.loggingMiddleware(h))))
	}

	handle("/api/status", s.handleStatus)
	handle("/api/requests", s.handleRequests)
	handle("/api/tools", s.handleTools)
	handle("/api/trust", s.handleTrust)
	handle("/api/decisions", s.handleDecisions)
	handle("/api/audit", s.handleAudit)
	admin("/api/profile", s.handleProfile)
	admin("/api/profiles/", s.handleProfileDelete)
}

func (s *adminServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleStatus returns daemon status
func (s *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"version": version,
		"uptime":  time.Since(s.started).Seconds(),
		"profile": s.broker.ActiveProfile(),
		"tools":   len(s.registry.List()),
	})
}

// handleRequests is the arbitration entry point: a tool invocation is
// posted here and the response carries the outcome. The request blocks
// until policy, a remembered decision, or a human resolves it, or the
// arbitration window expires.
func (s *adminServer) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.PermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = types.NewRequestID()
	}

	outcome, err := s.broker.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrUnknownTool):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, broker.ErrNoActiveProfile):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	s.respondJSON(w, outcome)
}

// handleTools lists the registered tool manifests
func (s *adminServer) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, s.registry.List())
}

// handleTrust reads or sets the active profile's trust level
func (s *adminServer) handleTrust(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		level, err := s.broker.TrustLevel()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.respondJSON(w, map[string]interface{}{
			"profile": s.broker.ActiveProfile(),
			"level":   int(level),
		})

	case http.MethodPut:
		claims, _ := security.FromContext(r.Context())
		if claims == nil || claims.Role != security.RoleAdmin {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		var body struct {
			Level int `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.broker.SetTrustLevel(types.TrustLevel(body.Level)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Info("trust level changed",
			"profile", s.broker.ActiveProfile(), "level", body.Level, "by", claims.Approver)
		s.respondJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDecisions lists or forgets remembered decisions
func (s *adminServer) handleDecisions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		all, err := s.broker.RememberedAll()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.respondJSON(w, all)

	case http.MethodDelete:
		claims, _ := security.FromContext(r.Context())
		if claims == nil || claims.Role != security.RoleAdmin {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		tool := r.URL.Query().Get("tool")
		fingerprint := r.URL.Query().Get("fingerprint")
		if tool == "" || fingerprint == "" {
			http.Error(w, "tool and fingerprint are required", http.StatusBadRequest)
			return
		}
		if err := s.broker.Forget(tool, fingerprint); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.respondJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAudit returns recent resolution records for a profile
func (s *adminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auditLog == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}

	profile := r.URL.Query().Get("profile")
	if profile == "" {
		profile = s.broker.ActiveProfile()
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.auditLog.Recent(r.Context(), profile, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, records)
}

// handleProfile reads or switches the active profile. Switching cancels
// every in-flight arbitration under the old profile.
func (s *adminServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, map[string]string{"profile": s.broker.ActiveProfile()})

	case http.MethodPut:
		var body struct {
			Profile string `json:"profile"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.broker.SwitchProfile(body.Profile); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Info("profile switched", "profile", body.Profile)
		s.respondJSON(w, map[string]string{"profile": body.Profile})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProfileDelete purges a profile's stored decisions: DELETE /api/profiles/{id}
func (s *adminServer) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	profileID := strings.TrimPrefix(r.URL.Path, "/api/profiles/")
	if profileID == "" || strings.Contains(profileID, "/") {
		http.Error(w, "profile id required", http.StatusBadRequest)
		return
	}

	if err := s.broker.DeleteProfile(profileID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("profile purged", "profile", profileID)
	s.respondJSON(w, map[string]string{"status": "ok"})
}

func (s *adminServer) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
