// Package registry holds the immutable landscape snapshot every other
// component reads. It is built once at boot from validated configuration and
// never mutated, so lookups need no synchronization.
//
// Lookup failures distinguish an unknown system or component (ErrNotFound,
// the caller named something that does not exist) from a known component
// that simply has no target on the requested plane (ErrTargetNotConfigured).
// Operations requiring an absent plane must fail with the latter rather than
// silently doing nothing.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/azsap/sapops/config"
)

// Plane identifies which execution backend owns a target.
type Plane string

// The two execution planes.
const (
	PlaneShell Plane = "shell"
	PlaneCloud Plane = "cloud"
)

var (
	// ErrNotFound means the system or component is not in the registry.
	ErrNotFound = errors.New("unknown system or component")
	// ErrTargetNotConfigured means the component exists but has no target
	// on the requested plane.
	ErrTargetNotConfigured = errors.New("no target configured for plane")
)

// Target is a plane-specific execution address.
type Target interface {
	Plane() Plane
	SystemID() string
	Component() string
}

// ShellTarget addresses a host reachable over SSH.
type ShellTarget struct {
	System                string
	ComponentName         string
	Hostname              string
	Port                  int
	InstanceNumber        string
	Username              string
	KeyFile               string
	Password              string
	Passphrase            string
	UseKeyAuth            bool
	KeyRequiresPassphrase bool
	ConnectTimeout        time.Duration
}

// Plane implements Target.
func (t *ShellTarget) Plane() Plane { return PlaneShell }

// SystemID implements Target.
func (t *ShellTarget) SystemID() string { return t.System }

// Component implements Target.
func (t *ShellTarget) Component() string { return t.ComponentName }

// Addr returns the dialable host:port address.
func (t *ShellTarget) Addr() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

// CloudTarget addresses a managed VM in the cloud control plane.
type CloudTarget struct {
	System         string
	ComponentName  string
	SubscriptionID string
	ResourceGroup  string
	VMName         string
	NSGName        string
}

// Plane implements Target.
func (t *CloudTarget) Plane() Plane { return PlaneCloud }

// SystemID implements Target.
func (t *CloudTarget) SystemID() string { return t.System }

// Component implements Target.
func (t *CloudTarget) Component() string { return t.ComponentName }

// Component is a named role within a system with zero, one, or two targets.
type Component struct {
	Name  string
	Type  string
	Shell *ShellTarget
	Cloud *CloudTarget
}

// Target returns the component's target on the given plane, or nil.
func (c *Component) Target(plane Plane) Target {
	switch plane {
	case PlaneShell:
		if c.Shell != nil {
			return c.Shell
		}
	case PlaneCloud:
		if c.Cloud != nil {
			return c.Cloud
		}
	}
	return nil
}

// System is one SAP landscape instance.
type System struct {
	ID          string
	Description string
	Kind        string

	components map[string]*Component
}

// Component returns the named component.
func (s *System) Component(name string) (*Component, bool) {
	c, ok := s.components[name]
	return c, ok
}

// Components returns the system's components sorted by name.
func (s *System) Components() []*Component {
	out := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Registry is the loaded landscape. Build it once, share it by reference.
type Registry struct {
	systems map[string]*System
}

// Build constructs the registry from configuration that has already passed
// config.Validate. Shell targets exist for components with a hostname; cloud
// targets for components present in the azure section.
func Build(cfg *config.Config) *Registry {
	systems := make(map[string]*System, len(cfg.Landscape.Systems))
	for id, sysCfg := range cfg.Landscape.Systems {
		sys := &System{
			ID:          id,
			Description: sysCfg.Description,
			Kind:        sysCfg.Kind,
			components:  make(map[string]*Component, len(sysCfg.Components)),
		}
		for name, compCfg := range sysCfg.Components {
			comp := &Component{Name: name, Type: compCfg.Type}
			if compCfg.Hostname != "" {
				ssh := config.EffectiveSSH(sysCfg.SSH, compCfg.SSH)
				comp.Shell = &ShellTarget{
					System:                id,
					ComponentName:         name,
					Hostname:              compCfg.Hostname,
					Port:                  ssh.Port,
					InstanceNumber:        compCfg.InstanceNumber,
					Username:              ssh.Username,
					KeyFile:               ssh.KeyFile,
					Password:              ssh.Password,
					Passphrase:            ssh.Passphrase,
					UseKeyAuth:            ssh.UseKeyAuth,
					KeyRequiresPassphrase: ssh.KeyRequiresPassphrase,
					ConnectTimeout:        ssh.ConnectionTimeout.Std(),
				}
			}
			sys.components[name] = comp
		}
		systems[id] = sys
	}

	if cfg.Azure != nil {
		for id, asys := range cfg.Azure.Systems {
			sys, ok := systems[id]
			if !ok {
				continue
			}
			group := asys.ResourceGroup
			if group == "" {
				group = cfg.Azure.DefaultResourceGroup
			}
			for name, acomp := range asys.Components {
				comp, ok := sys.components[name]
				if !ok {
					continue
				}
				comp.Cloud = &CloudTarget{
					System:         id,
					ComponentName:  name,
					SubscriptionID: cfg.Azure.SubscriptionID,
					ResourceGroup:  group,
					VMName:         acomp.VMName,
					NSGName:        acomp.NSGName,
				}
			}
		}
	}

	return &Registry{systems: systems}
}

// LookupSystem returns the system with the given id.
func (r *Registry) LookupSystem(id string) (*System, error) {
	sys, ok := r.systems[id]
	if !ok {
		return nil, fmt.Errorf("system %q: %w", id, ErrNotFound)
	}
	return sys, nil
}

// LookupTarget resolves one (system, component, plane) triple.
func (r *Registry) LookupTarget(systemID, component string, plane Plane) (Target, error) {
	sys, ok := r.systems[systemID]
	if !ok {
		return nil, fmt.Errorf("system %q: %w", systemID, ErrNotFound)
	}
	comp, ok := sys.components[component]
	if !ok {
		return nil, fmt.Errorf("system %q component %q: %w", systemID, component, ErrNotFound)
	}
	target := comp.Target(plane)
	if target == nil {
		return nil, fmt.Errorf("system %q component %q plane %s: %w", systemID, component, plane, ErrTargetNotConfigured)
	}
	return target, nil
}

// Resolution is the outcome of resolving an operation's required planes.
// Non-atomic operations may resolve partially: Targets holds what resolved,
// Missing holds the per-plane failures.
type Resolution struct {
	Targets map[Plane]Target
	Missing map[Plane]error
}

// Resolve resolves every required plane for the component. An unknown system
// or component fails outright with ErrNotFound. When atomic is set,
// resolution is all-or-nothing: any missing plane fails the whole resolution
// with ErrTargetNotConfigured. Otherwise the per-plane split is returned for
// the caller to aggregate.
func (r *Registry) Resolve(systemID, component string, planes []Plane, atomic bool) (*Resolution, error) {
	sys, ok := r.systems[systemID]
	if !ok {
		return nil, fmt.Errorf("system %q: %w", systemID, ErrNotFound)
	}
	comp, ok := sys.components[component]
	if !ok {
		return nil, fmt.Errorf("system %q component %q: %w", systemID, component, ErrNotFound)
	}

	res := &Resolution{
		Targets: make(map[Plane]Target, len(planes)),
		Missing: make(map[Plane]error),
	}
	for _, plane := range planes {
		if target := comp.Target(plane); target != nil {
			res.Targets[plane] = target
			continue
		}
		res.Missing[plane] = fmt.Errorf("system %q component %q plane %s: %w", systemID, component, plane, ErrTargetNotConfigured)
	}
	if atomic {
		for _, err := range res.Missing {
			return nil, err
		}
	}
	return res, nil
}

// Systems returns every system sorted by id.
func (r *Registry) Systems() []*System {
	out := make([]*System, 0, len(r.systems))
	for _, sys := range r.systems {
		out = append(out, sys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
