// Package operation defines the static catalog of administrative operations:
// for each name the required permission, the planes it runs on, and how the
// remote action is formed on each plane. The catalog is data, not behavior;
// execution lives in the backends and sequencing in dispatch.
package operation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/backend"
	"github.com/azsap/sapops/registry"
)

// CommandBuilder renders the shell command for a target. Builders fail only
// on malformed target fields or missing parameters.
type CommandBuilder func(target *registry.ShellTarget, params map[string]any) (string, error)

// Entry is one catalog row.
type Entry struct {
	Name        string
	Description string
	Permission  authz.Permission
	Planes      []registry.Plane
	ReadOnly    bool
	// Atomic requires every plane to resolve before anything executes.
	// Multi-plane health checks run best-effort instead.
	Atomic bool
	// WaitDefault applies when the caller does not say whether to wait for
	// cloud lifecycle calls to settle.
	WaitDefault bool
	Command     CommandBuilder
	Action      backend.CloudAction
}

// NeedsPlane reports whether the entry runs on the given plane.
func (e Entry) NeedsPlane(p registry.Plane) bool {
	for _, plane := range e.Planes {
		if plane == p {
			return true
		}
	}
	return false
}

// DualPlane reports whether the entry fans out to more than one plane.
func (e Entry) DualPlane() bool { return len(e.Planes) > 1 }

var catalog = map[string]Entry{
	"sap_status": {
		Name:        "sap_status",
		Description: "List SAP instances and their dispatcher status",
		Permission:  authz.PermSAPView,
		Planes:      []registry.Plane{registry.PlaneShell},
		ReadOnly:    true,
		Atomic:      true,
		Command:     sapControl("GetSystemInstanceList"),
	},
	"sap_start": {
		Name:        "sap_start",
		Description: "Start the SAP system via sapcontrol",
		Permission:  authz.PermSAPStart,
		Planes:      []registry.Plane{registry.PlaneShell},
		Atomic:      true,
		Command:     sapControl("StartSystem"),
	},
	"sap_stop": {
		Name:        "sap_stop",
		Description: "Stop the SAP system via sapcontrol",
		Permission:  authz.PermSAPStop,
		Planes:      []registry.Plane{registry.PlaneShell},
		Atomic:      true,
		Command:     sapControl("StopSystem"),
	},
	"sap_restart": {
		Name:        "sap_restart",
		Description: "Restart the SAP system via sapcontrol",
		Permission:  authz.PermSAPRestart,
		Planes:      []registry.Plane{registry.PlaneShell},
		Atomic:      true,
		Command:     sapControl("RestartSystem"),
	},
	"hana_status": {
		Name:        "hana_status",
		Description: "Show HANA process status (HDB info)",
		Permission:  authz.PermHANAView,
		Planes:      []registry.Plane{registry.PlaneShell},
		ReadOnly:    true,
		Atomic:      true,
		Command:     hdb("HDB info"),
	},
	"hana_start": {
		Name:        "hana_start",
		Description: "Start the HANA database",
		Permission:  authz.PermHANAStart,
		Planes:      []registry.Plane{registry.PlaneShell},
		Atomic:      true,
		Command:     hdb("HDB start"),
	},
	"hana_stop": {
		Name:        "hana_stop",
		Description: "Stop the HANA database",
		Permission:  authz.PermHANAStop,
		Planes:      []registry.Plane{registry.PlaneShell},
		Atomic:      true,
		Command:     hdb("HDB stop"),
	},
	"hana_restart": {
		Name:        "hana_restart",
		Description: "Stop and start the HANA database",
		Permission:  authz.PermHANARestart,
		Planes:      []registry.Plane{registry.PlaneShell},
		Atomic:      true,
		Command:     hdb("HDB stop && HDB start"),
	},
	"check_disk_space": {
		Name:        "check_disk_space",
		Description: "Report filesystem usage on the host",
		Permission:  authz.PermOSView,
		Planes:      []registry.Plane{registry.PlaneShell},
		ReadOnly:    true,
		Atomic:      true,
		Command:     plain("df -h"),
	},
	"os_info": {
		Name:        "os_info",
		Description: "Report kernel and OS release of the host",
		Permission:  authz.PermOSView,
		Planes:      []registry.Plane{registry.PlaneShell},
		ReadOnly:    true,
		Atomic:      true,
		Command:     plain("uname -a && cat /etc/os-release"),
	},
	"vm_status": {
		Name:        "vm_status",
		Description: "Query the Azure power state of the VM",
		Permission:  authz.PermAzureView,
		Planes:      []registry.Plane{registry.PlaneCloud},
		ReadOnly:    true,
		Atomic:      true,
		Action:      backend.CloudStatus,
	},
	"start_vm": {
		Name:        "start_vm",
		Description: "Start the Azure VM",
		Permission:  authz.PermAzureStart,
		Planes:      []registry.Plane{registry.PlaneCloud},
		Atomic:      true,
		WaitDefault: true,
		Action:      backend.CloudStart,
	},
	"stop_vm": {
		Name:        "stop_vm",
		Description: "Stop the Azure VM (deallocates unless keep_allocated)",
		Permission:  authz.PermAzureStop,
		Planes:      []registry.Plane{registry.PlaneCloud},
		Atomic:      true,
		WaitDefault: true,
		Action:      backend.CloudStop,
	},
	"restart_vm": {
		Name:        "restart_vm",
		Description: "Restart the Azure VM",
		Permission:  authz.PermAzureRestart,
		Planes:      []registry.Plane{registry.PlaneCloud},
		Atomic:      true,
		WaitDefault: true,
		Action:      backend.CloudRestart,
	},
	"resize_vm": {
		Name:        "resize_vm",
		Description: "Change the VM size (vm_size parameter)",
		Permission:  authz.PermAzureResize,
		Planes:      []registry.Plane{registry.PlaneCloud},
		Atomic:      true,
		Action:      backend.CloudResize,
	},
	"nsg_rules": {
		Name:        "nsg_rules",
		Description: "List security rules of the component's NSG",
		Permission:  authz.PermNSGView,
		Planes:      []registry.Plane{registry.PlaneCloud},
		ReadOnly:    true,
		Atomic:      true,
		Action:      backend.CloudNSGRules,
	},
	"nsg_open_port": {
		Name:        "nsg_open_port",
		Description: "Allow inbound traffic on a port (port, source_prefix)",
		Permission:  authz.PermNSGManage,
		Planes:      []registry.Plane{registry.PlaneCloud},
		Atomic:      true,
		Action:      backend.CloudNSGOpenPort,
	},
	"nsg_close_port": {
		Name:        "nsg_close_port",
		Description: "Deny inbound traffic on a port (port, source_prefix)",
		Permission:  authz.PermNSGManage,
		Planes:      []registry.Plane{registry.PlaneCloud},
		Atomic:      true,
		Action:      backend.CloudNSGClosePort,
	},
	"system_health": {
		Name:        "system_health",
		Description: "Combined SAP instance status and VM power state",
		Permission:  authz.PermSAPView,
		Planes:      []registry.Plane{registry.PlaneShell, registry.PlaneCloud},
		ReadOnly:    true,
		Command:     sapControl("GetSystemInstanceList"),
		Action:      backend.CloudStatus,
	},
}

// Lookup returns the catalog entry for a name.
func Lookup(name string) (Entry, bool) {
	e, ok := catalog[name]
	return e, ok
}

// Names returns all operation names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every entry ordered by name.
func All() []Entry {
	entries := make([]Entry, 0, len(catalog))
	for _, name := range Names() {
		entries = append(entries, catalog[name])
	}
	return entries
}

// sapControl builds `sapcontrol -nr <NN> -function <fn>` run as the <sid>adm
// user, the way the instance agent expects to be driven.
func sapControl(fn string) CommandBuilder {
	return func(target *registry.ShellTarget, _ map[string]any) (string, error) {
		return adminCommand(target, fmt.Sprintf("sapcontrol -nr %s -function %s", target.InstanceNumber, fn))
	}
}

// hdb builds an HDB tool invocation run as the <sid>adm user.
func hdb(cmd string) CommandBuilder {
	return func(target *registry.ShellTarget, _ map[string]any) (string, error) {
		return adminCommand(target, cmd)
	}
}

// plain runs the command as the login user, no su.
func plain(cmd string) CommandBuilder {
	return func(_ *registry.ShellTarget, _ map[string]any) (string, error) {
		return cmd, nil
	}
}

func adminCommand(target *registry.ShellTarget, cmd string) (string, error) {
	sid := strings.ToLower(target.System)
	if !shellSafe(sid) || !shellSafe(target.InstanceNumber) {
		return "", fmt.Errorf("system id %q or instance number %q contains characters unsafe for a shell command", target.System, target.InstanceNumber)
	}
	return fmt.Sprintf("su - %sadm -c '%s'", sid, cmd), nil
}

// shellSafe admits only identifier characters, which is what SIDs and
// instance numbers are made of. Anything else never reaches a remote shell.
func shellSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
