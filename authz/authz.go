// Package authz decides who may invoke which operation.
//
// Authorization is a pure membership check: a principal's effective
// permission set is the union of the permissions granted by each of its
// roles, and an operation is allowed iff its required permission is in that
// set. There is no explicit deny and no role can subtract a permission
// another role granted. Unknown role names grant nothing and are not an
// error, so authorization is total over arbitrary principal data.
package authz

import (
	"log/slog"
	"sort"
)

// Permission is a capability token required by an operation.
type Permission string

// Permission tokens understood by the operation catalog.
const (
	PermSAPView      Permission = "SAP_VIEW"
	PermSAPStart     Permission = "SAP_START"
	PermSAPStop      Permission = "SAP_STOP"
	PermSAPRestart   Permission = "SAP_RESTART"
	PermHANAView     Permission = "HANA_VIEW"
	PermHANAStart    Permission = "HANA_START"
	PermHANAStop     Permission = "HANA_STOP"
	PermHANARestart  Permission = "HANA_RESTART"
	PermOSView       Permission = "OS_VIEW"
	PermAzureView    Permission = "AZURE_VIEW"
	PermAzureStart   Permission = "AZURE_START"
	PermAzureStop    Permission = "AZURE_STOP"
	PermAzureRestart Permission = "AZURE_RESTART"
	PermAzureResize  Permission = "AZURE_RESIZE"
	PermNSGView      Permission = "NSG_VIEW"
	PermNSGManage    Permission = "NSG_MANAGE"
)

var knownPermissions = map[Permission]struct{}{
	PermSAPView: {}, PermSAPStart: {}, PermSAPStop: {}, PermSAPRestart: {},
	PermHANAView: {}, PermHANAStart: {}, PermHANAStop: {}, PermHANARestart: {},
	PermOSView:    {},
	PermAzureView: {}, PermAzureStart: {}, PermAzureStop: {}, PermAzureRestart: {},
	PermAzureResize: {},
	PermNSGView:     {}, PermNSGManage: {},
}

// KnownPermission reports whether p is a permission token the operation
// catalog can require. Config validation uses this to reject typos.
func KnownPermission(p Permission) bool {
	_, ok := knownPermissions[p]
	return ok
}

// AllPermissions returns every known permission token, sorted.
func AllPermissions() []Permission {
	out := make([]Permission, 0, len(knownPermissions))
	for p := range knownPermissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Principal is an authenticated caller. Principals exist for the duration of
// a session and are never persisted.
type Principal struct {
	Username string
	Roles    []string
}

// Anonymous is the principal used when authentication is disabled.
func Anonymous() Principal {
	return Principal{Username: "anonymous"}
}

// Decision is the result of an authorization check. When Allowed is false,
// Missing names the permission the principal lacked; nothing about the
// configured role layout is exposed.
type Decision struct {
	Allowed bool
	Missing Permission
}

// Reason returns a short machine-readable denial reason for audit records.
func (d Decision) Reason() string {
	if d.Allowed {
		return ""
	}
	return "missing permission " + string(d.Missing)
}

// Engine evaluates permissions against an immutable role table loaded at
// boot. An open engine (no auth configured) allows everything.
type Engine struct {
	rolePerms map[string]map[Permission]struct{}
	open      bool
	logger    *slog.Logger
}

// NewEngine builds an engine from a role → permissions table.
func NewEngine(rolePermissions map[string][]string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	rolePerms := make(map[string]map[Permission]struct{}, len(rolePermissions))
	for role, perms := range rolePermissions {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[Permission(p)] = struct{}{}
		}
		rolePerms[role] = set
	}
	return &Engine{rolePerms: rolePerms, logger: logger}
}

// NewOpenEngine returns an engine that allows every request. Used when the
// configuration has no auth section.
func NewOpenEngine() *Engine {
	return &Engine{open: true, logger: slog.Default()}
}

// Open reports whether the engine allows everything.
func (e *Engine) Open() bool { return e.open }

// EffectivePermissions returns the union of the permissions granted by each
// role. Roles not present in the table contribute nothing.
func (e *Engine) EffectivePermissions(roles []string) map[Permission]struct{} {
	effective := make(map[Permission]struct{})
	for _, role := range roles {
		perms, ok := e.rolePerms[role]
		if !ok {
			e.logger.Debug("ignoring unknown role", "role", role)
			continue
		}
		for p := range perms {
			effective[p] = struct{}{}
		}
	}
	return effective
}

// Authorize checks whether the principal holds the required permission.
func (e *Engine) Authorize(principal Principal, required Permission) Decision {
	if e.open {
		return Decision{Allowed: true}
	}
	if _, ok := e.EffectivePermissions(principal.Roles)[required]; ok {
		return Decision{Allowed: true}
	}
	return Decision{Missing: required}
}
