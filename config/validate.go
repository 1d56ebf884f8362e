package config

import (
	"fmt"
	"strings"

	"github.com/azsap/sapops/authz"
)

// ValidationError aggregates every problem found in one validation pass so
// an operator can fix the whole file at once instead of replaying boots.
type ValidationError struct {
	Issues []error
}

// Error implements error.
func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "configuration invalid (%d problems):", len(e.Issues))
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue.Error())
	}
	return b.String()
}

// Unwrap exposes the individual issues to errors.Is/As.
func (e *ValidationError) Unwrap() []error { return e.Issues }

// Validate checks the configuration for structural problems. It returns a
// *ValidationError listing every violation, or nil. The process must refuse
// to start on a non-nil result; nothing here is recoverable at runtime.
func (c *Config) Validate() error {
	var issues []error
	fail := func(format string, args ...any) {
		issues = append(issues, fmt.Errorf(format, args...))
	}

	for id, sys := range c.Landscape.Systems {
		if strings.TrimSpace(id) == "" {
			fail("landscape: empty system id")
			continue
		}
		if strings.ContainsAny(id, " \t/") {
			fail("landscape: system %q: id must not contain whitespace or '/'", id)
		}
		if len(sys.Components) == 0 {
			fail("landscape: system %q: no components declared", id)
		}
		for name, comp := range sys.Components {
			where := fmt.Sprintf("landscape: system %q component %q", id, name)
			switch comp.Type {
			case ComponentTypeDatabase, ComponentTypeApplication:
			case "":
				fail("%s: missing type", where)
			default:
				fail("%s: unknown type %q", where, comp.Type)
			}
			if comp.Hostname != "" {
				ssh := EffectiveSSH(sys.SSH, comp.SSH)
				if ssh.Username == "" {
					fail("%s: hostname set but no ssh username", where)
				}
				if ssh.UseKeyAuth && ssh.KeyFile == "" {
					fail("%s: use_key_auth set but no key_file", where)
				}
				if !ssh.UseKeyAuth && ssh.Password == "" {
					fail("%s: password auth selected but no password", where)
				}
				if ssh.KeyRequiresPassphrase && !ssh.UseKeyAuth {
					fail("%s: key_requires_passphrase without use_key_auth", where)
				}
			}
			if comp.InstanceNumber != "" && !validInstanceNumber(comp.InstanceNumber) {
				fail("%s: instance_number %q must be two digits", where, comp.InstanceNumber)
			}
		}
	}

	if c.Azure != nil {
		if c.Azure.SubscriptionID == "" {
			fail("azure: subscription_id is required")
		}
		if c.Azure.ClientSecret != "" && (c.Azure.TenantID == "" || c.Azure.ClientID == "") {
			fail("azure: client_secret set but tenant_id or client_id missing")
		}
		for id, asys := range c.Azure.Systems {
			lsys, ok := c.Landscape.Systems[id]
			if !ok {
				fail("azure: system %q is not declared in the landscape", id)
				continue
			}
			if asys.ResourceGroup == "" && c.Azure.DefaultResourceGroup == "" {
				fail("azure: system %q: no resource_group and no default_resource_group", id)
			}
			for name, comp := range asys.Components {
				if _, ok := lsys.Components[name]; !ok {
					fail("azure: system %q component %q is not declared in the landscape", id, name)
				}
				if comp.VMName == "" {
					fail("azure: system %q component %q: vm_name is required", id, name)
				}
			}
		}
	}

	if c.Auth != nil {
		for user, password := range c.Auth.Users {
			if strings.TrimSpace(user) == "" {
				fail("auth: empty username")
			}
			if password == "" {
				fail("auth: user %q: empty password", user)
			}
		}
		for user := range c.Auth.UserRoles {
			if _, ok := c.Auth.Users[user]; !ok {
				fail("auth: user_roles entry %q has no matching user", user)
			}
		}
		// Unknown roles in user_roles are tolerated and grant nothing, but a
		// permission token nobody defined can only be a typo.
		for role, perms := range c.Auth.RolePermissions {
			for _, p := range perms {
				if !authz.KnownPermission(authz.Permission(p)) {
					fail("auth: role %q grants unknown permission %q", role, p)
				}
			}
		}
	}

	if c.HANA != nil {
		for id, ep := range c.HANA.Systems {
			lsys, ok := c.Landscape.Systems[id]
			if !ok {
				fail("hana: system %q is not declared in the landscape", id)
				continue
			}
			if ep.Port <= 0 || ep.Port > 65535 {
				fail("hana: system %q: port %d out of range", id, ep.Port)
			}
			if ep.TenantPort < 0 || ep.TenantPort > 65535 {
				fail("hana: system %q: tenant_port %d out of range", id, ep.TenantPort)
			}
			if ep.User == "" {
				fail("hana: system %q: user is required", id)
			}
			if ep.Host == "" && !hasDatabaseHost(lsys) {
				fail("hana: system %q: no host and no database component hostname to fall back to", id)
			}
		}
	}

	switch c.Dispatch.QueuePolicy {
	case QueuePolicyQueue, QueuePolicyReject:
	default:
		fail("dispatch: unknown queue_policy %q", c.Dispatch.QueuePolicy)
	}

	switch c.Server.Transport {
	case TransportStdio, TransportSSE:
	default:
		fail("server: unknown transport %q", c.Server.Transport)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validInstanceNumber(nr string) bool {
	if len(nr) != 2 {
		return false
	}
	for _, r := range nr {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hasDatabaseHost(sys SystemConfig) bool {
	for _, comp := range sys.Components {
		if comp.Type == ComponentTypeDatabase && comp.Hostname != "" {
			return true
		}
	}
	return false
}
