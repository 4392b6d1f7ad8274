package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/auth"
)

type contextKey string

const (
	sessionKey       contextKey = "session"
	correlationIDKey contextKey = "correlationId"
)

// maxDescriptionBytes bounds anything echoed into WWW-Authenticate headers.
const maxDescriptionBytes = 200

// BearerToken extracts the compact JWT from the Authorization header. The
// scheme match is case-insensitive per RFC 6750.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AuthMiddleware authenticates every request through the auth service and
// attaches the resulting session to the request context. It never mutates
// the session it stores.
type AuthMiddleware struct {
	authService *auth.Service
	realm       string
}

// NewAuthMiddleware builds the middleware for a server realm.
func NewAuthMiddleware(authService *auth.Service, realm string) *AuthMiddleware {
	if realm == "" {
		realm = "tokengate"
	}
	return &AuthMiddleware{authService: authService, realm: realm}
}

// Handler wraps next with bearer authentication. Missing or malformed
// credentials yield 401 invalid_request, failed validation yields 401
// invalid_token, and a valid token whose principal maps to no role yields
// 403 insufficient_scope.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			m.challenge(w, http.StatusUnauthorized, "invalid_request", "bearer token required")
			return
		}

		result, err := m.authService.Authenticate(r.Context(), token)
		if err != nil {
			log.Ctx(r.Context()).Warn().
				Str("kind", string(auth.KindOf(err))).
				Msg("authentication failed")
			m.challenge(w, http.StatusUnauthorized, "invalid_token", describe(err))
			return
		}
		if result.Rejected {
			m.challenge(w, http.StatusForbidden, "insufficient_scope", result.RejectionReason)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, result.Session)
		logger := log.Ctx(ctx).With().
			Str("user_id", result.Session.UserID).
			Str("role", result.Session.PrimaryRole).
			Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// challenge writes an RFC 6750 WWW-Authenticate response.
func (m *AuthMiddleware) challenge(w http.ResponseWriter, status int, oauthError, description string) {
	value := fmt.Sprintf("Bearer realm=%q, error=%q", m.realm, oauthError)
	if description != "" {
		value += fmt.Sprintf(", error_description=%q", Sanitize(description))
	}
	w.Header().Set("WWW-Authenticate", value)
	http.Error(w, http.StatusText(status), status)
}

// describe maps an auth error onto a short, client-safe description. Only
// the structured detail is exposed, never wrapped causes.
func describe(err error) string {
	var ae *auth.Error
	if errors.As(err, &ae) && ae.Detail != "" {
		return ae.Detail
	}
	return "token validation failed"
}

// SessionFrom retrieves the authenticated session attached by the
// middleware, nil when the request was not authenticated.
func SessionFrom(ctx context.Context) *auth.Session {
	s, _ := ctx.Value(sessionKey).(*auth.Session)
	return s
}

// CorrelationMiddleware reads X-Correlation-ID and adds it to context,
// generating a new one if the client didn't provide it. This enables
// end-to-end request tracing across client and server logs.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Add to response headers for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// Sanitize strips control characters and truncates to maxDescriptionBytes,
// keeping header values single-line and bounded.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if b.Len()+len(string(r)) > maxDescriptionBytes {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}
