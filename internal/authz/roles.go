package authz

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a closed enumeration of account roles, ordered from least to most
// privileged.
type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperadmin Role = "SUPERADMIN"
)

// Permission is an opaque named capability. Permissions are never inherited
// between roles except through the baseline table below.
type Permission string

const (
	PermCreateUser              Permission = "CREATE_USER"
	PermViewUser                Permission = "VIEW_USER"
	PermEditUser                Permission = "EDIT_USER"
	PermDeleteUser              Permission = "DELETE_USER"
	PermEditUserRole            Permission = "EDIT_USER_ROLE"
	PermViewUserPermissions     Permission = "VIEW_USER_PERMISSIONS"
	PermManageUserPermissions   Permission = "MANAGE_USER_PERMISSIONS"
	PermViewUserRolePermissions Permission = "VIEW_USER_ROLE_PERMISSIONS"
)

// PermissionSet is a set of permissions keyed by name.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the permission.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Names returns the permissions as a sorted string slice for responses.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for p := range s {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// baselinePermissions is the single statically reviewable mapping from role to
// its fixed baseline permission set.
var baselinePermissions = map[Role]PermissionSet{
	RoleUser: NewPermissionSet(),
	RoleAdmin: NewPermissionSet(
		PermViewUser,
		PermCreateUser,
		PermEditUser,
		PermViewUserPermissions,
		PermViewUserRolePermissions,
	),
	RoleSuperadmin: NewPermissionSet(
		PermViewUser,
		PermCreateUser,
		PermEditUser,
		PermDeleteUser,
		PermEditUserRole,
		PermViewUserPermissions,
		PermManageUserPermissions,
		PermViewUserRolePermissions,
	),
}

// Roles lists all roles in ascending privilege order.
func Roles() []Role {
	return []Role{RoleUser, RoleAdmin, RoleSuperadmin}
}

// Baseline returns a copy of the baseline permission set for the role.
func Baseline(role Role) PermissionSet {
	base := baselinePermissions[role]
	out := make(PermissionSet, len(base))
	for p := range base {
		out[p] = struct{}{}
	}
	return out
}

// AllPermissions lists every known permission.
func AllPermissions() []Permission {
	return []Permission{
		PermCreateUser,
		PermViewUser,
		PermEditUser,
		PermDeleteUser,
		PermEditUserRole,
		PermViewUserPermissions,
		PermManageUserPermissions,
		PermViewUserRolePermissions,
	}
}

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleUser, RoleAdmin, RoleSuperadmin:
		return role, nil
	}
	return "", fmt.Errorf("authz: unknown role %q", raw)
}

// ParsePermission validates a permission name.
func ParsePermission(raw string) (Permission, error) {
	perm := Permission(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range AllPermissions() {
		if perm == known {
			return perm, nil
		}
	}
	return "", fmt.Errorf("authz: unknown permission %q", raw)
}
