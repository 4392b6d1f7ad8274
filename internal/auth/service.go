package auth

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/audit"
)

// auditSource tags every entry emitted by the authentication service.
const auditSource = "auth:service"

// AuthResult carries the session plus an explicit rejected flag so the
// middleware can distinguish invalid tokens (401) from valid tokens with an
// unmapped principal (403) without inspecting errors.
type AuthResult struct {
	Session         *Session
	Rejected        bool
	RejectionReason string
}

// Service composes validation, role mapping and session construction.
type Service struct {
	dispatcher *Dispatcher
	mappers    map[string]*RoleMapper // keyed by issuer
	sessions   *SessionManager
	audit      audit.Service
}

// NewService wires the authentication pipeline. mappers is keyed by issuer
// and must cover every IDP the dispatcher knows.
func NewService(dispatcher *Dispatcher, mappers map[string]*RoleMapper, sessions *SessionManager, auditSvc audit.Service) *Service {
	if auditSvc == nil {
		auditSvc = audit.NewNop()
	}
	return &Service{
		dispatcher: dispatcher,
		mappers:    mappers,
		sessions:   sessions,
		audit:      auditSvc,
	}
}

// Dispatcher exposes the underlying validator dispatcher for warm-up.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Authenticate validates the bearer token and builds the session. Validation
// failures return an error; an unmapped principal returns a rejected result.
func (s *Service) Authenticate(ctx context.Context, bearerToken string) (*AuthResult, error) {
	claims, err := s.dispatcher.Validate(ctx, bearerToken)
	if err != nil {
		log.Ctx(ctx).Warn().Str("kind", string(KindOf(err))).Msg("token validation failed")
		return nil, err
	}

	mapper, ok := s.mappers[claims.Issuer]
	if !ok {
		// The dispatcher only routes configured issuers, so a missing mapper
		// is a wiring bug.
		panic("auth: no role mapper for issuer " + claims.Issuer)
	}

	roles := mapper.Determine(claims)
	session := s.sessions.Create(claims, roles)

	meta := map[string]any{
		"issuer":   session.Issuer,
		"audience": claims.Audience,
		"role":     session.PrimaryRole,
	}

	if session.Rejected {
		s.audit.Log(audit.Entry{
			Source:   auditSource,
			UserID:   session.UserID,
			Action:   "auth_rejected",
			Success:  false,
			Metadata: meta,
			Error:    session.RejectionReason,
		})
		return &AuthResult{
			Session:         session,
			Rejected:        true,
			RejectionReason: session.RejectionReason,
		}, nil
	}

	s.audit.Log(audit.Entry{
		Source:   auditSource,
		UserID:   session.UserID,
		Action:   "authenticate_success",
		Success:  true,
		Metadata: meta,
	})
	return &AuthResult{Session: session}, nil
}
