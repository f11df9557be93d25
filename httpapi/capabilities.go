package httpapi

import "github.com/fleetwp/opsauth"

// capability names an action a role may perform. Privileged routes are
// mapped to capabilities in a static table instead of per-handler role
// checks, so the authorization surface is reviewable in one place.
type capability string

const (
	capEmergencyOverride capability = "mfa.emergency_disable"
	capAccountLock       capability = "account.lock"
	capSessionRevokeAny  capability = "session.revoke_any"
)

var roleCapabilities = map[opsauth.Role][]capability{
	opsauth.RoleSuperAdmin: {capEmergencyOverride, capAccountLock, capSessionRevokeAny},
	opsauth.RoleAdmin:      {capAccountLock, capSessionRevokeAny},
	opsauth.RoleOperator:   {},
	opsauth.RoleViewer:     {},
}

func roleHas(role opsauth.Role, cap capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == cap {
			return true
		}
	}
	return false
}
