package auth

import "strings"

// Authorization helpers. Soft checks return booleans and are meant for
// computing per-request tool visibility; hard (Require*) checks return an
// AUTHORIZATION_FAILED error carrying what was missing and are meant for use
// inside handlers.

// IsAuthenticated reports whether the session is usable at all.
func IsAuthenticated(s *Session) bool {
	return s != nil && !s.Rejected && s.PrimaryRole != RoleUnassigned
}

// HasRole checks the primary role and custom roles.
func HasRole(s *Session, role string) bool {
	if !IsAuthenticated(s) {
		return false
	}
	if s.PrimaryRole == role {
		return true
	}
	for _, r := range s.CustomRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the session holds at least one of the roles.
func HasAnyRole(s *Session, roles ...string) bool {
	for _, r := range roles {
		if HasRole(s, r) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the session holds every role.
func HasAllRoles(s *Session, roles ...string) bool {
	if !IsAuthenticated(s) {
		return false
	}
	for _, r := range roles {
		if !HasRole(s, r) {
			return false
		}
	}
	return true
}

// HasScope reports whether the session carries the scope.
func HasScope(s *Session, scope string) bool {
	if !IsAuthenticated(s) {
		return false
	}
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the session carries at least one scope.
func HasAnyScope(s *Session, scopes ...string) bool {
	for _, sc := range scopes {
		if HasScope(s, sc) {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether the session carries every scope.
func HasAllScopes(s *Session, scopes ...string) bool {
	if !IsAuthenticated(s) {
		return false
	}
	for _, sc := range scopes {
		if !HasScope(s, sc) {
			return false
		}
	}
	return true
}

func missingRole(role string) *Error {
	return &Error{
		Kind:   KindAuthorizationFailed,
		Detail: "missing required role",
		Meta:   map[string]string{"missing_role": role},
	}
}

func missingScope(scope string) *Error {
	return &Error{
		Kind:   KindAuthorizationFailed,
		Detail: "missing required scope",
		Meta:   map[string]string{"missing_scope": scope},
	}
}

// RequireRole fails unless the session holds the role.
func RequireRole(s *Session, role string) error {
	if !HasRole(s, role) {
		return missingRole(role)
	}
	return nil
}

// RequireAnyRole fails unless the session holds at least one of the roles.
func RequireAnyRole(s *Session, roles ...string) error {
	if !HasAnyRole(s, roles...) {
		return missingRole(join(roles))
	}
	return nil
}

// RequireAllRoles fails on the first role the session is missing.
func RequireAllRoles(s *Session, roles ...string) error {
	for _, r := range roles {
		if !HasRole(s, r) {
			return missingRole(r)
		}
	}
	return nil
}

// RequireScope fails unless the session carries the scope.
func RequireScope(s *Session, scope string) error {
	if !HasScope(s, scope) {
		return missingScope(scope)
	}
	return nil
}

// RequireAnyScope fails unless the session carries at least one scope.
func RequireAnyScope(s *Session, scopes ...string) error {
	if !HasAnyScope(s, scopes...) {
		return missingScope(join(scopes))
	}
	return nil
}

// RequireAllScopes fails on the first scope the session is missing.
func RequireAllScopes(s *Session, scopes ...string) error {
	for _, sc := range scopes {
		if !HasScope(s, sc) {
			return missingScope(sc)
		}
	}
	return nil
}

func join(items []string) string {
	return strings.Join(items, ",")
}
