package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/operation"
)

// dispatchHandler adapts one catalog entry into a tool handler. Dispatch
// outcomes, including denials and failures, are valid tool results; only
// malformed calls produce a tool error.
func (s *Server) dispatchHandler(entry operation.Entry) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principal, refusal := s.principalFrom(req)
		if refusal != nil {
			return refusal, nil
		}
		system := mcp.ParseString(req, "system", "")
		if system == "" {
			return mcp.NewToolResultError("system is required"), nil
		}
		component := mcp.ParseString(req, "component", "")
		if component == "" {
			return mcp.NewToolResultError("component is required"), nil
		}

		result := s.dispatch.Dispatch(ctx, principal, system, component, entry.Name, dispatchParams(req))
		return marshalToolResult(result)
	}
}

// dispatchParams forwards every tool argument except the addressing and
// session fields to the dispatcher.
func dispatchParams(req mcp.CallToolRequest) map[string]any {
	params := make(map[string]any)
	for k, v := range req.Params.Arguments {
		switch k {
		case "system", "component", "token":
		default:
			params[k] = v
		}
	}
	return params
}

func (s *Server) handleAuthLogin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username := mcp.ParseString(req, "username", "")
	password := mcp.ParseString(req, "password", "")
	if username == "" || password == "" {
		return mcp.NewToolResultError("username and password are required"), nil
	}

	principal, token, err := s.auth.Login(username, password)
	if err != nil {
		s.audit.LogAuth(ctx, username, false, err.Error())
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.audit.LogAuth(ctx, username, true, "")

	return marshalToolResult(map[string]any{
		"token":       token,
		"username":    principal.Username,
		"roles":       principal.Roles,
		"permissions": sortedPermissions(s.engine.EffectivePermissions(principal.Roles)),
	})
}

func (s *Server) handleListSystems(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, refusal := s.principalFrom(req)
	if refusal != nil {
		return refusal, nil
	}

	type componentInfo struct {
		Name   string   `json:"name"`
		Type   string   `json:"type"`
		Planes []string `json:"planes"`
	}
	type systemInfo struct {
		ID          string          `json:"id"`
		Description string          `json:"description,omitempty"`
		Kind        string          `json:"kind,omitempty"`
		Components  []componentInfo `json:"components"`
	}

	var systems []systemInfo
	for _, sys := range s.registry.Systems() {
		info := systemInfo{ID: sys.ID, Description: sys.Description, Kind: sys.Kind}
		for _, comp := range sys.Components() {
			ci := componentInfo{Name: comp.Name, Type: comp.Type}
			if comp.Shell != nil {
				ci.Planes = append(ci.Planes, "shell")
			}
			if comp.Cloud != nil {
				ci.Planes = append(ci.Planes, "cloud")
			}
			info.Components = append(info.Components, ci)
		}
		systems = append(systems, info)
	}

	return marshalToolResult(map[string]any{
		"systems": systems,
		"count":   len(systems),
	})
}

func (s *Server) handleListVMs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, refusal := s.principalFrom(req)
	if refusal != nil {
		return refusal, nil
	}
	if refusal := s.requirePermission(principal, authz.PermAzureView); refusal != nil {
		return refusal, nil
	}

	group := mcp.ParseString(req, "resource_group", s.defaultResourceGroup)
	if group == "" {
		return mcp.NewToolResultError("resource_group is required; no default is configured"), nil
	}

	vms, err := s.vms.List(ctx, group)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.audit.LogQuery(ctx, principal.Username, "", "list_vms "+group)

	return marshalToolResult(map[string]any{
		"resource_group": group,
		"vms":            vms,
		"count":          len(vms),
	})
}

func (s *Server) handleListBackupFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, refusal := s.principalFrom(req)
	if refusal != nil {
		return refusal, nil
	}
	if refusal := s.requirePermission(principal, authz.PermAzureView); refusal != nil {
		return refusal, nil
	}

	system := mcp.ParseString(req, "system", "")
	if system == "" {
		return mcp.NewToolResultError("system is required"), nil
	}
	limit := intArg(req, "limit", 50)

	files, err := s.blobs.ListBackups(ctx, system, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.audit.LogQuery(ctx, principal.Username, system, "list_backup_files")

	return marshalToolResult(map[string]any{
		"system": system,
		"files":  files,
		"count":  len(files),
	})
}

// --- HANA diagnostic handlers ---

// hanaCall factors the shared principal, permission, and audit steps of the
// HANA tools around the individual query.
func (s *Server) hanaCall(ctx context.Context, req mcp.CallToolRequest, query string, run func(ctx context.Context, systemID string) (any, error)) (*mcp.CallToolResult, error) {
	principal, refusal := s.principalFrom(req)
	if refusal != nil {
		return refusal, nil
	}
	if refusal := s.requirePermission(principal, authz.PermHANAView); refusal != nil {
		return refusal, nil
	}
	system := mcp.ParseString(req, "system", "")
	if system == "" {
		return mcp.NewToolResultError("system is required"), nil
	}

	data, err := run(ctx, system)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.audit.LogQuery(ctx, principal.Username, system, query)

	return marshalToolResult(map[string]any{
		"system": system,
		query:    data,
	})
}

func (s *Server) handleHANAOverview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.hanaCall(ctx, req, "overview", func(ctx context.Context, systemID string) (any, error) {
		return s.hana.Overview(ctx, systemID)
	})
}

func (s *Server) handleHANAServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.hanaCall(ctx, req, "services", func(ctx context.Context, systemID string) (any, error) {
		return s.hana.Services(ctx, systemID)
	})
}

func (s *Server) handleHANADiskUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.hanaCall(ctx, req, "disk_usage", func(ctx context.Context, systemID string) (any, error) {
		return s.hana.DiskUsage(ctx, systemID)
	})
}

func (s *Server) handleHANADatabaseInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.hanaCall(ctx, req, "database_info", func(ctx context.Context, systemID string) (any, error) {
		return s.hana.DatabaseInfo(ctx, systemID)
	})
}

func (s *Server) handleHANABackupCatalog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := intArg(req, "limit", 20)
	tenant := mcp.ParseBoolean(req, "tenant", false)
	return s.hanaCall(ctx, req, "backup_catalog", func(ctx context.Context, systemID string) (any, error) {
		return s.hana.BackupCatalog(ctx, systemID, limit, tenant)
	})
}

func (s *Server) handleHANAFailedBackups(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hours := intArg(req, "hours", 24)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	tenant := mcp.ParseBoolean(req, "tenant", false)
	return s.hanaCall(ctx, req, "failed_backups", func(ctx context.Context, systemID string) (any, error) {
		return s.hana.FailedBackups(ctx, systemID, since, tenant)
	})
}

// intArg reads a numeric argument, tolerating the float64 that JSON decoding
// produces.
func intArg(req mcp.CallToolRequest, key string, def int) int {
	switch v := req.Params.Arguments[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
