// Package mcp provides a Model Context Protocol (MCP) server that exposes
// SAP landscape administration to AI assistants. Every catalog operation is
// a tool; the landscape registry, the operation catalog, and per-system
// detail are resources; review prompts guide multi-step diagnostics. All
// mutating access flows through the dispatch core, never around it.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/azsap/sapops/audit"
	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/backend/azure"
	"github.com/azsap/sapops/dispatch"
	"github.com/azsap/sapops/hana"
	"github.com/azsap/sapops/metrics"
	"github.com/azsap/sapops/operation"
	"github.com/azsap/sapops/registry"
)

// Version is the MCP server version, set at build time.
var Version = "dev"

// Dispatcher is the slice of the dispatch core the MCP server requires. It
// is kept intentionally narrow so this package does not depend on how the
// dispatcher is assembled.
type Dispatcher interface {
	Dispatch(ctx context.Context, principal authz.Principal, systemID, component, operationName string, params map[string]any) dispatch.Result
}

// Authenticator issues and verifies session tokens.
type Authenticator interface {
	Login(username, password string) (authz.Principal, string, error)
	Verify(token string) (authz.Principal, error)
}

// HANAQueries is the diagnostic query surface of the hana package.
type HANAQueries interface {
	Overview(ctx context.Context, systemID string) ([]hana.HostOverview, error)
	Services(ctx context.Context, systemID string) ([]hana.Service, error)
	DiskUsage(ctx context.Context, systemID string) ([]hana.Disk, error)
	DatabaseInfo(ctx context.Context, systemID string) (*hana.DatabaseInfo, error)
	BackupCatalog(ctx context.Context, systemID string, limit int, tenant bool) ([]hana.BackupEntry, error)
	FailedBackups(ctx context.Context, systemID string, since time.Time, tenant bool) ([]hana.BackupEntry, error)
}

// VMLister enumerates VMs in a resource group.
type VMLister interface {
	List(ctx context.Context, resourceGroup string) ([]azure.VMSummary, error)
}

// ServerOption configures optional Server behaviour.
type ServerOption func(*Server)

// WithAuthenticator enables session auth: tools then require a token from
// auth_login. Without it every caller is the anonymous principal.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithHANA enables the HANA diagnostic query tools.
func WithHANA(h HANAQueries) ServerOption {
	return func(s *Server) { s.hana = h }
}

// WithVMLister enables the list_vms tool. The default resource group is used
// when the caller does not name one.
func WithVMLister(l VMLister, defaultResourceGroup string) ServerOption {
	return func(s *Server) {
		s.vms = l
		s.defaultResourceGroup = defaultResourceGroup
	}
}

// WithBlobLister enables the list_backup_files tool.
func WithBlobLister(l azure.BlobLister) ServerOption {
	return func(s *Server) { s.blobs = l }
}

// WithMetrics exposes the collector on /metrics when serving over HTTP.
func WithMetrics(c *metrics.Collector) ServerOption {
	return func(s *Server) { s.metrics = c }
}

// Server wraps an MCP server instance and provides landscape-specific tools,
// resources, and prompts.
type Server struct {
	mcpServer *server.MCPServer
	registry  *registry.Registry
	dispatch  Dispatcher
	engine    *authz.Engine
	audit     *audit.Logger

	auth                 Authenticator
	hana                 HANAQueries
	vms                  VMLister
	blobs                azure.BlobLister
	metrics              *metrics.Collector
	defaultResourceGroup string
}

// NewServer creates an MCP server with all landscape tools and resources
// registered. Optional capabilities (auth, HANA queries, VM and backup
// inventory) are attached through options; their tools only appear when the
// capability is present.
func NewServer(reg *registry.Registry, disp Dispatcher, engine *authz.Engine, auditLog *audit.Logger, opts ...ServerOption) *Server {
	if engine == nil {
		engine = authz.NewOpenEngine()
	}
	s := &Server{
		registry: reg,
		dispatch: disp,
		engine:   engine,
		audit:    auditLog,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		"sapops-mcp-server",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithInstructions("This MCP server administers an SAP landscape on Azure. "+
			"Use the operation tools to query and control SAP systems, HANA databases, and their VMs; "+
			"every call is authorized, serialized per target, and audited. "+
			"Resources describe the configured systems and the operation catalog. "+
			"When auth is enabled, call auth_login first and pass the returned token to every tool."),
	)

	s.registerOperationTools()
	s.registerAdminTools()
	s.registerHANATools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server instance (useful for testing).
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the MCP server over standard input/output.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// registerOperationTools registers one tool per catalog operation.
func (s *Server) registerOperationTools() {
	for _, entry := range operation.All() {
		opts := []mcp.ToolOption{
			mcp.WithDescription(s.toolDescription(entry)),
			mcp.WithString("system",
				mcp.Required(),
				mcp.Description("System id from the landscape registry (e.g. 'PRD')"),
			),
			mcp.WithString("component",
				mcp.Required(),
				mcp.Description("Component name within the system (e.g. 'db', 'app')"),
			),
		}
		if s.auth != nil {
			opts = append(opts, mcp.WithString("token",
				mcp.Required(),
				mcp.Description("Session token from auth_login"),
			))
		}
		opts = append(opts, entryArgOptions(entry)...)
		if entry.ReadOnly {
			opts = append(opts, mcp.WithReadOnlyHintAnnotation(true))
		}

		s.mcpServer.AddTool(mcp.NewTool(entry.Name, opts...), s.dispatchHandler(entry))
	}
}

func (s *Server) toolDescription(entry operation.Entry) string {
	desc := entry.Description + ". Requires permission " + string(entry.Permission) + "."
	if entry.DualPlane() {
		desc += " Runs on both the shell and cloud planes; partial results are reported per plane."
	}
	return desc
}

// entryArgOptions declares the operation-specific tool arguments.
func entryArgOptions(entry operation.Entry) []mcp.ToolOption {
	var opts []mcp.ToolOption
	if entry.NeedsPlane(registry.PlaneCloud) && !entry.ReadOnly {
		switch entry.Name {
		case "resize_vm":
			opts = append(opts, mcp.WithString("vm_size",
				mcp.Required(),
				mcp.Description("Target VM size (e.g. 'Standard_E16s_v3')"),
			))
		case "nsg_open_port", "nsg_close_port":
			opts = append(opts,
				mcp.WithNumber("port",
					mcp.Required(),
					mcp.Description("TCP destination port the rule applies to"),
				),
				mcp.WithString("source_prefix",
					mcp.Description("Source address prefix. Default: '*'"),
				),
				mcp.WithNumber("priority",
					mcp.Description("Rule priority. Defaults to 110 for allow, 100 for deny"),
				),
			)
		default:
			opts = append(opts, mcp.WithBoolean("wait",
				mcp.Description(fmt.Sprintf("Wait for the VM to settle before returning. Default: %t", entry.WaitDefault)),
			))
			if entry.Name == "stop_vm" {
				opts = append(opts, mcp.WithBoolean("keep_allocated",
					mcp.Description("Power off without deallocating, keeping the VM billed and on its host. Default: false"),
				))
			}
		}
	}
	return opts
}

// registerAdminTools registers login and inventory tools.
func (s *Server) registerAdminTools() {
	if s.auth != nil {
		s.mcpServer.AddTool(
			mcp.NewTool("auth_login",
				mcp.WithDescription("Authenticate with username and password. Returns a session token to pass as 'token' to every other tool, plus the effective permissions of the session."),
				mcp.WithString("username",
					mcp.Required(),
					mcp.Description("Configured username"),
				),
				mcp.WithString("password",
					mcp.Required(),
					mcp.Description("Password for the user"),
				),
			),
			s.handleAuthLogin,
		)
	}

	listSystemsOpts := []mcp.ToolOption{
		mcp.WithDescription("List the systems in the landscape registry with their components and configured planes."),
		mcp.WithReadOnlyHintAnnotation(true),
	}
	if s.auth != nil {
		listSystemsOpts = append(listSystemsOpts, mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Session token from auth_login"),
		))
	}
	s.mcpServer.AddTool(mcp.NewTool("list_systems", listSystemsOpts...), s.handleListSystems)

	if s.vms != nil {
		opts := []mcp.ToolOption{
			mcp.WithDescription("List Azure VMs in a resource group with their sizes. Requires permission AZURE_VIEW."),
			mcp.WithString("resource_group",
				mcp.Description("Resource group to list. Defaults to the configured default group"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		}
		if s.auth != nil {
			opts = append(opts, mcp.WithString("token",
				mcp.Required(),
				mcp.Description("Session token from auth_login"),
			))
		}
		s.mcpServer.AddTool(mcp.NewTool("list_vms", opts...), s.handleListVMs)
	}

	if s.blobs != nil {
		opts := []mcp.ToolOption{
			mcp.WithDescription("List backup files in the configured storage container for a system, newest first. Requires permission AZURE_VIEW."),
			mcp.WithString("system",
				mcp.Required(),
				mcp.Description("System id; used as the blob name prefix"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of files to return. Default: 50"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		}
		if s.auth != nil {
			opts = append(opts, mcp.WithString("token",
				mcp.Required(),
				mcp.Description("Session token from auth_login"),
			))
		}
		s.mcpServer.AddTool(mcp.NewTool("list_backup_files", opts...), s.handleListBackupFiles)
	}
}

// registerHANATools registers the SQL diagnostic tools when a HANA client is
// attached. All of them require permission HANA_VIEW.
func (s *Server) registerHANATools() {
	if s.hana == nil {
		return
	}

	type hanaTool struct {
		name        string
		description string
		extra       []mcp.ToolOption
		handler     server.ToolHandlerFunc
	}
	tools := []hanaTool{
		{
			name:        "hana_overview",
			description: "Host roles, OS, memory, and build version from M_HOST_INFORMATION.",
			handler:     s.handleHANAOverview,
		},
		{
			name:        "hana_services",
			description: "HANA service list with status and memory usage from M_SERVICES.",
			handler:     s.handleHANAServices,
		},
		{
			name:        "hana_disk_usage",
			description: "Data, log, and trace volume usage from M_DISKS.",
			handler:     s.handleHANADiskUsage,
		},
		{
			name:        "hana_database_info",
			description: "Database identity, version, and start time from M_DATABASE.",
			handler:     s.handleHANADatabaseInfo,
		},
		{
			name:        "hana_backup_catalog",
			description: "Recent backup catalog entries from M_BACKUP_CATALOG, newest first.",
			extra: []mcp.ToolOption{
				mcp.WithNumber("limit",
					mcp.Description("Maximum number of entries. Default: 20"),
				),
				mcp.WithBoolean("tenant",
					mcp.Description("Read the tenant database's catalog instead of the primary endpoint. Default: false"),
				),
			},
			handler: s.handleHANABackupCatalog,
		},
		{
			name:        "hana_failed_backups",
			description: "Backup catalog entries that did not complete successfully within the lookback window.",
			extra: []mcp.ToolOption{
				mcp.WithNumber("hours",
					mcp.Description("Lookback window in hours. Default: 24"),
				),
				mcp.WithBoolean("tenant",
					mcp.Description("Read the tenant database's catalog instead of the primary endpoint. Default: false"),
				),
			},
			handler: s.handleHANAFailedBackups,
		},
	}

	for _, t := range tools {
		opts := []mcp.ToolOption{
			mcp.WithDescription(t.description + " Requires permission HANA_VIEW."),
			mcp.WithString("system",
				mcp.Required(),
				mcp.Description("System id with a configured HANA endpoint"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		}
		if s.auth != nil {
			opts = append(opts, mcp.WithString("token",
				mcp.Required(),
				mcp.Description("Session token from auth_login"),
			))
		}
		opts = append(opts, t.extra...)
		s.mcpServer.AddTool(mcp.NewTool(t.name, opts...), t.handler)
	}
}

// --- Helpers ---

// principalFrom resolves the calling principal from the token argument, or
// the anonymous principal when auth is disabled. The second return value is
// non-nil exactly when the call must be refused.
func (s *Server) principalFrom(req mcp.CallToolRequest) (authz.Principal, *mcp.CallToolResult) {
	if s.auth == nil {
		return authz.Anonymous(), nil
	}
	token := mcp.ParseString(req, "token", "")
	if token == "" {
		return authz.Principal{}, mcp.NewToolResultError("token is required; call auth_login first")
	}
	principal, err := s.auth.Verify(token)
	if err != nil {
		return authz.Principal{}, mcp.NewToolResultError(err.Error())
	}
	return principal, nil
}

// requirePermission returns a refusal result when the principal lacks perm.
func (s *Server) requirePermission(principal authz.Principal, perm authz.Permission) *mcp.CallToolResult {
	if decision := s.engine.Authorize(principal, perm); !decision.Allowed {
		return mcp.NewToolResultError("denied: " + decision.Reason())
	}
	return nil
}

func marshalToolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("internal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func sortedPermissions(perms map[authz.Permission]struct{}) []string {
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
