package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerPrompts registers guided multi-step review flows. Prompts only
// sequence tool calls; they grant nothing the tools would not.
func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcp.NewPrompt("hana_backup_review",
			mcp.WithPromptDescription("Review the backup health of one HANA system: catalog, failures, and stored backup files."),
			mcp.WithArgument("system",
				mcp.ArgumentDescription("System id to review"),
				mcp.RequiredArgument(),
			),
		),
		s.handleBackupReviewPrompt,
	)

	s.mcpServer.AddPrompt(
		mcp.NewPrompt("system_health_review",
			mcp.WithPromptDescription("Walk through the health of one system across the SAP, HANA, OS, and VM layers."),
			mcp.WithArgument("system",
				mcp.ArgumentDescription("System id to review"),
				mcp.RequiredArgument(),
			),
		),
		s.handleHealthReviewPrompt,
	)
}

func (s *Server) handleBackupReviewPrompt(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	system := req.Params.Arguments["system"]
	if system == "" {
		return nil, fmt.Errorf("missing required argument: system")
	}

	text := fmt.Sprintf(`Review the backup health of SAP system %[1]s.

1. Call hana_backup_catalog with system=%[1]s to list the recent backup history.
2. Call hana_failed_backups with system=%[1]s to find entries that did not complete. Widen the 'hours' window if the catalog shows gaps.
3. If backup file storage is configured, call list_backup_files with system=%[1]s and compare file timestamps against the catalog.

Then summarize: when the last successful data backup ran, whether log backups are current, any failed or cancelled entries with their error messages, and whether the stored files match the catalog. Flag anything that would prevent a point-in-time recovery.`, system)

	return mcp.NewGetPromptResult(
		fmt.Sprintf("Backup review for %s", system),
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		},
	), nil
}

func (s *Server) handleHealthReviewPrompt(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	system := req.Params.Arguments["system"]
	if system == "" {
		return nil, fmt.Errorf("missing required argument: system")
	}

	text := fmt.Sprintf(`Assess the health of SAP system %[1]s layer by layer.

1. Read the sap://systems/%[1]s resource (or call list_systems) to see which components and planes are configured.
2. For each component, call system_health with system=%[1]s and the component name. It reports the SAP process list and the VM power state together; treat a partial failure as a finding, not an error.
3. For the database component, call hana_services and hana_disk_usage with system=%[1]s.
4. Call check_disk_space on components whose filesystems matter for operation.

Report per layer: VM power state, SAP instance processes (GREEN/YELLOW/RED), HANA service status and memory, and any volume over 85%% full. End with an overall verdict and the single most urgent follow-up, if any.`, system)

	return mcp.NewGetPromptResult(
		fmt.Sprintf("Health review for %s", system),
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		},
	), nil
}
