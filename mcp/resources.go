package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/azsap/sapops/operation"
	"github.com/azsap/sapops/registry"
)

// Resource payload shapes. Credentials never appear here; a resource read
// reveals addressing, not access.
type resourceShellTarget struct {
	Hostname       string `json:"hostname"`
	Port           int    `json:"port"`
	InstanceNumber string `json:"instance_number,omitempty"`
}

type resourceCloudTarget struct {
	VMName        string `json:"vm_name"`
	ResourceGroup string `json:"resource_group"`
	NSGName       string `json:"nsg,omitempty"`
}

type resourceComponent struct {
	Name  string               `json:"name"`
	Type  string               `json:"type"`
	Shell *resourceShellTarget `json:"shell,omitempty"`
	Cloud *resourceCloudTarget `json:"cloud,omitempty"`
}

type resourceSystem struct {
	ID          string              `json:"id"`
	Description string              `json:"description,omitempty"`
	Kind        string              `json:"kind,omitempty"`
	Components  []resourceComponent `json:"components"`
}

// registerResources registers the landscape inventory and the operation
// catalog as readable resources.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcp.NewResource(
			"sap://systems",
			"SAP Systems",
			mcp.WithResourceDescription("All systems in the landscape registry with their components, planes, and addressing."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleSystemsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"sap://systems/{id}",
			"SAP System Detail",
			mcp.WithTemplateDescription("One system's components with their shell and cloud targets."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSystemDetailResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"sap://operations",
			"Operation Catalog",
			mcp.WithResourceDescription("Every dispatchable operation with its required permission, planes, and read-only flag."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleOperationsResource,
	)
}

func (s *Server) handleSystemsResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	systems := make([]resourceSystem, 0)
	for _, sys := range s.registry.Systems() {
		systems = append(systems, describeSystem(sys))
	}
	return marshalResource("sap://systems", map[string]any{
		"systems": systems,
		"count":   len(systems),
	})
}

func (s *Server) handleSystemDetailResource(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(req.Params.URI, "sap://systems/")
	if id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("invalid system resource uri %q", req.Params.URI)
	}
	sys, err := s.registry.LookupSystem(id)
	if err != nil {
		return nil, err
	}
	return marshalResource(req.Params.URI, describeSystem(sys))
}

func (s *Server) handleOperationsResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	type operationInfo struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permission  string   `json:"permission"`
		Planes      []string `json:"planes"`
		ReadOnly    bool     `json:"read_only"`
	}

	ops := make([]operationInfo, 0)
	for _, entry := range operation.All() {
		info := operationInfo{
			Name:        entry.Name,
			Description: entry.Description,
			Permission:  string(entry.Permission),
			ReadOnly:    entry.ReadOnly,
		}
		for _, p := range entry.Planes {
			info.Planes = append(info.Planes, string(p))
		}
		ops = append(ops, info)
	}
	return marshalResource("sap://operations", map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

func describeSystem(sys *registry.System) resourceSystem {
	out := resourceSystem{
		ID:          sys.ID,
		Description: sys.Description,
		Kind:        sys.Kind,
		Components:  make([]resourceComponent, 0),
	}
	for _, comp := range sys.Components() {
		rc := resourceComponent{Name: comp.Name, Type: comp.Type}
		if comp.Shell != nil {
			rc.Shell = &resourceShellTarget{
				Hostname:       comp.Shell.Hostname,
				Port:           comp.Shell.Port,
				InstanceNumber: comp.Shell.InstanceNumber,
			}
		}
		if comp.Cloud != nil {
			rc.Cloud = &resourceCloudTarget{
				VMName:        comp.Cloud.VMName,
				ResourceGroup: comp.Cloud.ResourceGroup,
				NSGName:       comp.Cloud.NSGName,
			}
		}
		out.Components = append(out.Components, rc)
	}
	return out
}

func marshalResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
