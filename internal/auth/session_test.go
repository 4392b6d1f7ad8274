package auth

import (
	"testing"
	"time"
)

func validClaims() *Claims {
	return &Claims{
		Issuer:    testIssuer,
		Subject:   "user-1",
		Audience:  []string{testAudience},
		ExpiresAt: time.Now().Add(time.Hour),
		Raw: map[string]any{
			"preferred_username": "jdoe",
		},
	}
}

func TestSessionManager_Create(t *testing.T) {
	sm := NewSessionManager()
	s := sm.Create(validClaims(), RoleMapResult{
		PrimaryRole: RoleUser,
		Permissions: []string{"read:own"},
		Scopes:      []string{"user:read"},
	})

	if s.Version != SessionVersion {
		t.Errorf("expected version %d, got %d", SessionVersion, s.Version)
	}
	if s.UserID != "user-1" {
		t.Errorf("expected user id user-1, got %s", s.UserID)
	}
	if s.LegacyUsername != "jdoe" {
		t.Errorf("expected legacy username from preferred_username, got %q", s.LegacyUsername)
	}
	if s.Rejected {
		t.Error("mapped session must not be rejected")
	}
	if err := sm.Validate(s); err != nil {
		t.Errorf("created session failed validation: %v", err)
	}
}

func TestSessionManager_UnassignedIsRejected(t *testing.T) {
	sm := NewSessionManager()
	s := sm.Create(validClaims(), RoleMapResult{
		PrimaryRole:   RoleUnassigned,
		MappingFailed: true,
		FailureReason: "no role indicators matched",
	})

	if !s.Rejected {
		t.Fatal("unassigned session must be rejected")
	}
	if s.RejectionReason != "no role indicators matched" {
		t.Errorf("unexpected rejection reason: %q", s.RejectionReason)
	}
	if len(s.Permissions) != 0 || len(s.Scopes) != 0 {
		t.Error("rejected session must carry no grants")
	}
}

func TestSessionManager_CreatePanicsOnBadInput(t *testing.T) {
	sm := NewSessionManager()

	expectPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		fn()
	}

	expectPanic("nil claims", func() {
		sm.Create(nil, RoleMapResult{PrimaryRole: RoleUser})
	})
	expectPanic("unassigned with permissions", func() {
		sm.Create(validClaims(), RoleMapResult{
			PrimaryRole: RoleUnassigned,
			Permissions: []string{"read:own"},
		})
	})
}

func TestSessionManager_ValidateRejectsInconsistent(t *testing.T) {
	sm := NewSessionManager()

	cases := []struct {
		name string
		s    *Session
	}{
		{"nil", nil},
		{"wrong version", &Session{Version: 99}},
		{"no claims", &Session{Version: SessionVersion, PrimaryRole: RoleUser}},
		{"unassigned not rejected", &Session{
			Version: SessionVersion, Claims: validClaims(),
			PrimaryRole: RoleUnassigned, Rejected: false,
		}},
		{"unassigned with scopes", &Session{
			Version: SessionVersion, Claims: validClaims(),
			PrimaryRole: RoleUnassigned, Rejected: true, Scopes: []string{"user:read"},
		}},
	}
	for _, tc := range cases {
		if err := sm.Validate(tc.s); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestSessionManager_MigrateV0(t *testing.T) {
	sm := NewSessionManager()
	v0 := &Session{
		UserID:      "user-1",
		PrimaryRole: RoleUnassigned,
		Claims:      validClaims(),
	}

	migrated := sm.Migrate(v0)
	if migrated.Version != SessionVersion {
		t.Errorf("expected version %d, got %d", SessionVersion, migrated.Version)
	}
	if !migrated.Rejected {
		t.Error("migrated unassigned session must be rejected")
	}
	if migrated.Issuer != testIssuer {
		t.Errorf("expected issuer backfilled from claims, got %q", migrated.Issuer)
	}
}

func TestSessionManager_MigrateIsFixedPoint(t *testing.T) {
	sm := NewSessionManager()
	s := sm.Create(validClaims(), RoleMapResult{PrimaryRole: RoleUser})

	once := sm.Migrate(s)
	twice := sm.Migrate(once)
	if once != twice {
		t.Error("migrating a current-version session must return it unchanged")
	}
}

func TestSessionManager_MigrateNoIssuer(t *testing.T) {
	sm := NewSessionManager()
	v0 := &Session{UserID: "user-1", PrimaryRole: RoleUser}
	migrated := sm.Migrate(v0)
	if migrated.Issuer != "unknown" {
		t.Errorf("expected issuer placeholder, got %q", migrated.Issuer)
	}
}
