package auth

import (
	"fmt"
	"time"
)

// SessionVersion is the current session record version.
const SessionVersion = 1

// Session is the normalized, immutable per-request view of the authenticated
// principal. Only SessionManager.Create constructs one.
type Session struct {
	Version         int
	UserID          string
	Issuer          string
	LegacyUsername  string
	PrimaryRole     string
	CustomRoles     []string
	Permissions     []string
	Scopes          []string
	Claims          *Claims
	Rejected        bool
	RejectionReason string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// SessionManager builds and validates Session records.
type SessionManager struct {
	now func() time.Time
}

// NewSessionManager returns a session manager using wall-clock time.
func NewSessionManager() *SessionManager {
	return &SessionManager{now: time.Now}
}

// Create builds a session from validated claims and a role-mapping result.
// It panics on invariant violations: those indicate a bug in the role
// mapper, not bad input.
func (sm *SessionManager) Create(claims *Claims, roles RoleMapResult) *Session {
	if claims == nil {
		panic("session: create called with nil claims")
	}
	if roles.PrimaryRole == RoleUnassigned && (len(roles.Permissions) > 0 || len(roles.Scopes) > 0) {
		panic("session: unassigned role must carry no permissions or scopes")
	}

	s := &Session{
		Version:     SessionVersion,
		UserID:      claims.Subject,
		Issuer:      claims.Issuer,
		PrimaryRole: roles.PrimaryRole,
		CustomRoles: roles.CustomRoles,
		Permissions: roles.Permissions,
		Scopes:      roles.Scopes,
		Claims:      claims,
		CreatedAt:   sm.now().UTC(),
		ExpiresAt:   claims.ExpiresAt,
	}
	if username, ok := claims.String("preferred_username"); ok {
		s.LegacyUsername = username
	}

	if roles.PrimaryRole == RoleUnassigned {
		s.Rejected = true
		s.RejectionReason = roles.FailureReason
		if s.RejectionReason == "" {
			s.RejectionReason = "no role mapping for principal"
		}
	}
	return s
}

// Validate defensively checks a session received from untrusted code.
func (sm *SessionManager) Validate(s *Session) error {
	switch {
	case s == nil:
		return fmt.Errorf("session is nil")
	case s.Version != SessionVersion:
		return fmt.Errorf("unsupported session version %d", s.Version)
	case s.Claims == nil:
		return fmt.Errorf("session has no claims")
	case s.PrimaryRole == "":
		return fmt.Errorf("session has no primary role")
	case s.PrimaryRole == RoleUnassigned && !s.Rejected:
		return fmt.Errorf("unassigned session must be rejected")
	case s.PrimaryRole == RoleUnassigned && (len(s.Permissions) > 0 || len(s.Scopes) > 0):
		return fmt.Errorf("unassigned session must carry no permissions or scopes")
	}
	return nil
}

// Migrate upgrades a v0 record (no version, no rejected flag) to the current
// version. It is a fixed point for v1 inputs: migrating twice equals
// migrating once.
func (sm *SessionManager) Migrate(s *Session) *Session {
	if s == nil {
		return nil
	}
	if s.Version == SessionVersion {
		return s
	}

	out := *s
	out.Version = SessionVersion
	out.Rejected = out.PrimaryRole == RoleUnassigned || out.PrimaryRole == ""
	if out.Rejected && out.RejectionReason == "" {
		out.RejectionReason = "migrated session has no assigned role"
	}
	if out.Issuer == "" {
		if out.Claims != nil && out.Claims.Issuer != "" {
			out.Issuer = out.Claims.Issuer
		} else {
			out.Issuer = "unknown"
		}
	}
	return &out
}
