package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func makeGetPromptRequest(args map[string]string) mcp.GetPromptRequest {
	req := mcp.GetPromptRequest{}
	req.Params.Arguments = args
	return req
}

func promptText(t *testing.T, result *mcp.GetPromptResult) string {
	t.Helper()
	if result == nil || len(result.Messages) == 0 {
		t.Fatal("expected at least one prompt message")
	}
	tc, ok := result.Messages[0].Content.(mcp.TextContent)
	if !ok {
		t.Fatal("expected text content in prompt message")
	}
	return tc.Text
}

func TestBackupReviewPrompt(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, strictEngine())

	result, err := srv.handleBackupReviewPrompt(context.Background(), makeGetPromptRequest(map[string]string{
		"system": "PRD",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result.Messages))
	}
	if result.Messages[0].Role != mcp.RoleUser {
		t.Errorf("expected user role, got %v", result.Messages[0].Role)
	}
	text := promptText(t, result)
	for _, want := range []string{"PRD", "hana_backup_catalog", "hana_failed_backups", "list_backup_files"} {
		if !contains(text, want) {
			t.Errorf("prompt should mention %q", want)
		}
	}
}

func TestBackupReviewPrompt_MissingSystem(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, strictEngine())

	if _, err := srv.handleBackupReviewPrompt(context.Background(), makeGetPromptRequest(nil)); err == nil {
		t.Fatal("expected error for missing system argument")
	} else if !contains(err.Error(), "missing required argument") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestHealthReviewPrompt(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, strictEngine())

	result, err := srv.handleHealthReviewPrompt(context.Background(), makeGetPromptRequest(map[string]string{
		"system": "QAS",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := promptText(t, result)
	for _, want := range []string{"QAS", "system_health", "hana_services", "hana_disk_usage"} {
		if !contains(text, want) {
			t.Errorf("prompt should mention %q", want)
		}
	}
}

func TestHealthReviewPrompt_MissingSystem(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, strictEngine())

	if _, err := srv.handleHealthReviewPrompt(context.Background(), makeGetPromptRequest(map[string]string{})); err == nil {
		t.Fatal("expected error for missing system argument")
	}
}
