package auth

// Role names recognized across the service.
const (
	RoleOperator  = "operator"  // federation-wide authority
	RoleModerator = "moderator" // community-scoped moderation
	RolePeer      = "peer"      // another federation node
)

// Permission keys checked at the HTTP boundary.
const (
	PermRuleWrite       = "rules.write"
	PermRuleWriteGlobal = "rules.write.global"
	PermBanGlobal       = "federation.ban.global"
	PermOverride        = "federation.override"
	PermScan            = "scan.run"
	PermPeerDeliver     = "federation.deliver"
	PermStatsRead       = "federation.stats.read"
)

var rolePermissions = map[string][]string{
	RoleOperator: {
		PermRuleWrite, PermRuleWriteGlobal, PermBanGlobal,
		PermOverride, PermScan, PermStatsRead,
	},
	RoleModerator: {
		PermRuleWrite, PermBanGlobal, PermOverride, PermScan, PermStatsRead,
	},
	RolePeer: {PermPeerDeliver},
}

// RolesHavePermission reports whether any of the roles grants the permission.
func RolesHavePermission(roles []string, perm string) bool {
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}
