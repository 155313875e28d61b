package auth

// Role represents a user role.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleTechnician Role = "technician"
	RoleReviewer   Role = "reviewer"
	RoleApprover   Role = "approver"
	RoleAdmin      Role = "admin"
)

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleViewer, RoleTechnician, RoleReviewer, RoleApprover, RoleAdmin:
		return Role(value), true
	default:
		return "", false
	}
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleTechnician:
		return 2
	case RoleReviewer:
		return 3
	case RoleApprover:
		return 4
	case RoleAdmin:
		return 5
	default:
		return 0
	}
}
