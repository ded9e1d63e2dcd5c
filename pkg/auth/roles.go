package auth

import "strings"

// Permission is one grantable action, written resource:action. A "*"
// segment matches anything from that point on.
type Permission string

const (
	PermToolsView     Permission = "tools:view"
	PermToolsExec     Permission = "tools:execute"
	PermServersView   Permission = "servers:view"
	PermServersManage Permission = "servers:manage"
	PermRulesView     Permission = "rules:view"
	PermRulesEdit     Permission = "rules:edit"
	PermIntentTrain   Permission = "intent:train"
	PermAuditView     Permission = "audit:view"
	PermUsersManage   Permission = "users:manage"
	PermAdmin         Permission = "admin:*"
)

// Role is a named permission set.
type Role struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// The three gateway roles. Deny by default: an unknown role has no
// permissions at all.
var (
	RoleAdmin = Role{
		Name:        "admin",
		Description: "Full access to every operation",
		Permissions: []Permission{PermAdmin},
	}
	RoleUser = Role{
		Name:        "user",
		Description: "Execute tools and inspect the catalog",
		Permissions: []Permission{
			PermToolsView, PermToolsExec,
			PermServersView, PermRulesView,
		},
	}
	RoleGuest = Role{
		Name:        "guest",
		Description: "Read-only catalog access",
		Permissions: []Permission{PermToolsView, PermServersView},
	}
)

var rolesByName = map[string]Role{
	RoleAdmin.Name: RoleAdmin,
	RoleUser.Name:  RoleUser,
	RoleGuest.Name: RoleGuest,
}

// KnownRole reports whether name is one of the gateway roles.
func KnownRole(name string) bool {
	_, ok := rolesByName[name]
	return ok
}

// RolePermissions returns the role's permissions as plain strings, the
// shape rule contexts carry. Unknown roles get none.
func RolePermissions(role string) []string {
	r, ok := rolesByName[role]
	if !ok {
		return nil
	}
	out := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		out[i] = string(p)
	}
	return out
}

// HasPermission reports whether the role covers the requested
// permission, honoring wildcard grants.
func HasPermission(role string, requested Permission) bool {
	r, ok := rolesByName[role]
	if !ok {
		return false
	}
	for _, granted := range r.Permissions {
		if matchPermission(granted, requested) {
			return true
		}
	}
	return false
}

// matchPermission checks whether a granted permission covers the
// requested one. "admin:*" covers everything; "tools:*" covers
// "tools:execute".
func matchPermission(granted, requested Permission) bool {
	if granted == requested {
		return true
	}
	if granted == PermAdmin {
		return true
	}
	gParts := strings.Split(string(granted), ":")
	rParts := strings.Split(string(requested), ":")
	for i, gp := range gParts {
		if gp == "*" {
			return true
		}
		if i >= len(rParts) || gp != rParts[i] {
			return false
		}
	}
	return len(gParts) == len(rParts)
}
