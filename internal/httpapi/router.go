// Package httpapi is the HTTP transport: bearer authentication middleware,
// the delegation dispatch endpoint and the operational surface (health,
// metrics). All authorization decisions happen in the auth and delegation
// layers; handlers here only translate outcomes to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/core"
	"github.com/tokengate/tokengate/internal/delegation"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Core      *core.CoreContext
	Realm     string
	Gatherer  prometheus.Gatherer
	RateLimit *RateLimitConfig // nil disables limiting
}

// delegateReq is the request body for the delegate endpoint.
type delegateReq struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// delegateResp is the response body for the delegate endpoint.
type delegateResp struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// sessionResp is the sanitized session view returned to the caller. Raw
// claims and the bearer token never leave the server.
type sessionResp struct {
	UserID         string   `json:"userId"`
	Issuer         string   `json:"issuer"`
	LegacyUsername string   `json:"legacyUsername,omitempty"`
	PrimaryRole    string   `json:"primaryRole"`
	CustomRoles    []string `json:"customRoles,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	ExpiresAt      string   `json:"expiresAt"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Operational surface (unauthenticated)
	r.Get("/healthz", s.Health)
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	authn := NewAuthMiddleware(s.Core.AuthService, s.Realm)
	r.Group(func(r chi.Router) {
		r.Use(authn.Handler)
		if s.RateLimit != nil {
			r.Use(RateLimitMiddleware(*s.RateLimit))
		}

		r.Get("/v1/session", s.SessionInfo)
		r.Post("/v1/session/logout", s.Logout)
		r.Get("/v1/audit", s.AuditQuery)
		r.Post("/v1/delegate/{module}", s.Delegate)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Health reports liveness plus per-module delegation health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	modules := map[string]bool{}
	for _, name := range s.Core.DelegationRegistry.List() {
		m, ok := s.Core.DelegationRegistry.Get(name)
		modules[name] = ok && m.HealthCheck(ctx)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "modules": modules})
}

// SessionInfo returns the caller's own sanitized session.
func (s *Server) SessionInfo(w http.ResponseWriter, r *http.Request) {
	sess := SessionFrom(r.Context())
	writeJSON(w, http.StatusOK, sessionResp{
		UserID:         sess.UserID,
		Issuer:         sess.Issuer,
		LegacyUsername: sess.LegacyUsername,
		PrimaryRole:    sess.PrimaryRole,
		CustomRoles:    sess.CustomRoles,
		Permissions:    sess.Permissions,
		Scopes:         sess.Scopes,
		ExpiresAt:      sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout drops the caller's delegation-cache session. The bearer token
// itself stays valid until it expires; only cached delegation tokens are
// discarded.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	sess := SessionFrom(r.Context())
	sid := s.Core.ActivateCacheSession(sess.Claims.AccessToken)
	if sid != "" {
		s.Core.ClearCacheSession(sid)
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

// AuditQuery exposes the in-memory audit trail to administrators.
func (s *Server) AuditQuery(w http.ResponseWriter, r *http.Request) {
	sess := SessionFrom(r.Context())
	if err := auth.RequireRole(sess, auth.RoleAdmin); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Source: q.Get("source"),
		UserID: q.Get("userId"),
		Action: q.Get("action"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		filter.Since = t
	}
	if success := q.Get("success"); success != "" {
		v := success == "true"
		filter.Success = &v
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.Core.AuditService.Query(filter)})
}

// Delegate routes one call to a named delegation module. Downstream
// failures come back as success=false in a 200; only transport-level
// problems map to error statuses.
func (s *Server) Delegate(w http.ResponseWriter, r *http.Request) {
	moduleName := chi.URLParam(r, "module")
	sess := SessionFrom(r.Context())

	var req delegateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}

	sessionID := s.Core.ActivateCacheSession(sess.Claims.AccessToken)
	result, err := s.Core.DelegationRegistry.Delegate(r.Context(), moduleName, sess, req.Action, req.Params, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, delegation.ErrModuleNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown module"})
		case errors.Is(err, delegation.ErrModuleNotReady):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "module not ready"})
		case auth.KindOf(err) == auth.KindSessionRejected:
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "session rejected"})
		default:
			log.Ctx(r.Context()).Error().Err(err).Str("module", moduleName).Msg("delegate failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, delegateResp{
		Success: result.Success,
		Data:    result.Data,
		Error:   result.Err,
	})
}
