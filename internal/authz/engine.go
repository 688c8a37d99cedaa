package authz

// Principal describes the authenticated actor for the duration of one request.
// It is rebuilt on every request from the access token claims plus a fresh
// override lookup; it is never persisted or cached across requests.
type Principal struct {
	UserID  int64
	Role    Role
	Granted PermissionSet
	Denied  PermissionSet
}

// EffectivePermissions computes (baseline ∪ granted) \ denied.
func (p Principal) EffectivePermissions() PermissionSet {
	effective := Baseline(p.Role)
	for perm := range p.Granted {
		effective[perm] = struct{}{}
	}
	for perm := range p.Denied {
		delete(effective, perm)
	}
	return effective
}

// DenyReason explains an authorization denial.
type DenyReason string

const (
	// DenyRoleNotAllowed means the principal's role is not in the allowed set.
	DenyRoleNotAllowed DenyReason = "RoleNotAllowed"
	// DenyPermissionMissing means a required permission is absent from the
	// principal's effective set.
	DenyPermissionMissing DenyReason = "PermissionMissing"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Requirement declares what an operation demands of its caller. Roles are
// combined with OR (any listed role suffices; empty means role is irrelevant)
// and Permissions with AND (all must be present). The two axes are independent.
type Requirement struct {
	Permissions []Permission
	Roles       []Role
}

// Require builds a Requirement for a single permission and an allowed-role set.
func Require(perm Permission, roles ...Role) Requirement {
	return Requirement{Permissions: []Permission{perm}, Roles: roles}
}

// Engine renders allow/deny decisions for principals against requirements.
type Engine struct{}

// NewEngine constructs an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Decide evaluates the requirement against the principal. The role check runs
// first; the permission check runs against the effective set, where denied
// overrides always win over both the baseline and explicit grants.
func (e *Engine) Decide(principal Principal, req Requirement) Decision {
	if len(req.Roles) > 0 {
		allowed := false
		for _, role := range req.Roles {
			if principal.Role == role {
				allowed = true
				break
			}
		}
		if !allowed {
			return Decision{Reason: DenyRoleNotAllowed}
		}
	}

	if len(req.Permissions) > 0 {
		effective := principal.EffectivePermissions()
		for _, perm := range req.Permissions {
			if !effective.Has(perm) {
				return Decision{Reason: DenyPermissionMissing}
			}
		}
	}

	return Decision{Allowed: true}
}
