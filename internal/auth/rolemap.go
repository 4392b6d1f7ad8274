package auth

import (
	"fmt"
	"sort"
)

// Role constants. Unassigned is the sentinel for "authenticated but not
// mapped to anything"; sessions carrying it are always rejected.
const (
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleGuest      = "guest"
	RoleUnassigned = "unassigned"
)

// RoleDef describes one mappable role: the claim values that indicate it and
// the permissions/scopes it grants.
type RoleDef struct {
	Indicators  []string
	Permissions []string
	Scopes      []string
}

// RoleMappings is the per-IDP claim-to-role projection table.
type RoleMappings struct {
	Admin  RoleDef
	User   RoleDef
	Guest  RoleDef
	Custom map[string]RoleDef

	// CustomOrder fixes the evaluation order for custom roles. When empty,
	// names are evaluated lexicographically so the outcome is deterministic.
	CustomOrder []string
}

func (m RoleMappings) customOrder() []string {
	if len(m.CustomOrder) > 0 {
		return m.CustomOrder
	}
	names := make([]string, 0, len(m.Custom))
	for name := range m.Custom {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleMapResult is the outcome of projecting claims onto roles. It is a
// value, never an error: mapping failures are data.
type RoleMapResult struct {
	PrimaryRole   string
	CustomRoles   []string
	Permissions   []string
	Scopes        []string
	MappingFailed bool
	FailureReason string
}

// roleClaimKeys are the claim names inspected for role indicators.
var roleClaimKeys = []string{"roles", "groups", "role"}

// RoleMapper projects token claims onto roles, permissions and scopes.
type RoleMapper struct {
	mappings RoleMappings
}

// NewRoleMapper builds a mapper from one IDP's mapping table.
func NewRoleMapper(mappings RoleMappings) *RoleMapper {
	return &RoleMapper{mappings: mappings}
}

// Determine never fails: any internal panic is converted into an unassigned
// result with the reason recorded. Priority is admin > user > custom (in
// configured order) > guest.
func (m *RoleMapper) Determine(claims *Claims) (result RoleMapResult) {
	defer func() {
		if r := recover(); r != nil {
			result = unassigned(fmt.Sprintf("role mapping panicked: %v", r))
		}
	}()

	if claims == nil {
		return unassigned("no claims")
	}

	present := make(map[string]bool)
	for _, key := range roleClaimKeys {
		for _, v := range claims.StringList(key) {
			present[v] = true
		}
	}

	matches := func(def RoleDef) bool {
		for _, ind := range def.Indicators {
			if present[ind] {
				return true
			}
		}
		return false
	}

	var matched []RoleDef
	primary := ""

	if matches(m.mappings.Admin) {
		primary = RoleAdmin
		matched = append(matched, m.mappings.Admin)
	}
	if matches(m.mappings.User) {
		if primary == "" {
			primary = RoleUser
		}
		matched = append(matched, m.mappings.User)
	}

	var custom []string
	for _, name := range m.mappings.customOrder() {
		def := m.mappings.Custom[name]
		if matches(def) {
			if primary == "" {
				primary = name
			}
			custom = append(custom, name)
			matched = append(matched, def)
		}
	}

	if matches(m.mappings.Guest) {
		if primary == "" {
			primary = RoleGuest
		}
		matched = append(matched, m.mappings.Guest)
	}

	if primary == "" {
		return unassigned("no role indicators matched")
	}

	result = RoleMapResult{
		PrimaryRole: primary,
		CustomRoles: custom,
	}
	permSet := make(map[string]bool)
	scopeSet := make(map[string]bool)
	for _, def := range matched {
		for _, p := range def.Permissions {
			if !permSet[p] {
				permSet[p] = true
				result.Permissions = append(result.Permissions, p)
			}
		}
		for _, s := range def.Scopes {
			if !scopeSet[s] {
				scopeSet[s] = true
				result.Scopes = append(result.Scopes, s)
			}
		}
	}
	for _, s := range claims.Scopes() {
		if !scopeSet[s] {
			scopeSet[s] = true
			result.Scopes = append(result.Scopes, s)
		}
	}
	return result
}

// unassigned builds the failure result, upholding the invariant that an
// unassigned role carries no permissions and no scopes.
func unassigned(reason string) RoleMapResult {
	return RoleMapResult{
		PrimaryRole:   RoleUnassigned,
		MappingFailed: true,
		FailureReason: reason,
	}
}
