// Package auth turns request credentials into a TenantContext.
//
// Two authenticators share one outcome type: static API keys from
// IDIS_API_KEYS_JSON (the X-IDIS-API-Key header) and HS256 bearer tokens for
// integration services. Both fail uniformly: any missing, malformed, or
// unknown credential yields the same generic unauthorized error, so
// responses never reveal whether a key exists.
package auth

import "strings"

// Role is the closed set of actor roles.
type Role string

const (
	RoleAdmin              Role = "ADMIN"
	RoleAnalyst            Role = "ANALYST"
	RolePartner            Role = "PARTNER"
	RoleAuditor            Role = "AUDITOR"
	RoleIntegrationService Role = "INTEGRATION_SERVICE"
)

// ValidRole reports membership in the closed role set.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RolePartner, RoleAuditor, RoleIntegrationService:
		return true
	}
	return false
}

// ParseRoles maps raw strings onto the closed set. Unknown roles are
// dropped, never passed through: an unrecognized role must not accidentally
// match a future privileged one.
func ParseRoles(raw []string) []Role {
	var out []Role
	for _, s := range raw {
		r := Role(strings.ToUpper(strings.TrimSpace(s)))
		if ValidRole(r) {
			out = append(out, r)
		}
	}
	return out
}

// TenantContext is the authenticated identity attached to every request.
// DataRegion is the tenant's residency region; the security perimeter
// compares it against the service region before any /v1 work happens.
type TenantContext struct {
	TenantID   string `json:"tenant_id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name"`
	Timezone   string `json:"timezone"`
	DataRegion string `json:"data_region"`
	Roles      []Role `json:"roles"`
}

// HasRole reports whether the actor holds r.
func (tc *TenantContext) HasRole(r Role) bool {
	for _, have := range tc.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// IsService reports whether the actor is a service principal rather than a
// human. Audit events use it for actor_type.
func (tc *TenantContext) IsService() bool {
	return tc.HasRole(RoleIntegrationService)
}

// RoleStrings returns the roles as plain strings for audit payloads.
func (tc *TenantContext) RoleStrings() []string {
	out := make([]string, len(tc.Roles))
	for i, r := range tc.Roles {
		out[i] = string(r)
	}
	return out
}
