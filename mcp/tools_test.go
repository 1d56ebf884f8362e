package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/azsap/sapops/backend/azure"
	"github.com/azsap/sapops/hana"
)

type fakeVMs struct {
	vms   []azure.VMSummary
	err   error
	group string
}

func (f *fakeVMs) List(_ context.Context, resourceGroup string) ([]azure.VMSummary, error) {
	f.group = resourceGroup
	if f.err != nil {
		return nil, f.err
	}
	return f.vms, nil
}

type fakeBlobs struct {
	files  []azure.BackupFile
	err    error
	prefix string
	limit  int
}

func (f *fakeBlobs) ListBackups(_ context.Context, prefix string, limit int) ([]azure.BackupFile, error) {
	f.prefix = prefix
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.files, nil
}

// fakeHANA records the query arguments and serves a one-row fixture per view.
type fakeHANA struct {
	err    error
	system string
	limit  int
	since  time.Time
	tenant bool
}

func (f *fakeHANA) Overview(_ context.Context, systemID string) ([]hana.HostOverview, error) {
	f.system = systemID
	if f.err != nil {
		return nil, f.err
	}
	return []hana.HostOverview{{
		Host:    "prd-db",
		Details: map[string]string{"build_version": "2.00.077.00.1709132121", "os_name": "SLES 15.4"},
	}}, nil
}

func (f *fakeHANA) Services(_ context.Context, systemID string) ([]hana.Service, error) {
	f.system = systemID
	if f.err != nil {
		return nil, f.err
	}
	return []hana.Service{{Host: "prd-db", Port: 30003, Name: "indexserver", Status: "YES", ProcessID: 4242, MemoryUsedMB: 2048}}, nil
}

func (f *fakeHANA) DiskUsage(_ context.Context, systemID string) ([]hana.Disk, error) {
	f.system = systemID
	if f.err != nil {
		return nil, f.err
	}
	return []hana.Disk{{Host: "prd-db", Path: "/hana/data/PRD", UsageType: "DATA", TotalGB: 512, UsedGB: 256.5}}, nil
}

func (f *fakeHANA) DatabaseInfo(_ context.Context, systemID string) (*hana.DatabaseInfo, error) {
	f.system = systemID
	if f.err != nil {
		return nil, f.err
	}
	return &hana.DatabaseInfo{SystemID: "PRD", Name: "PRD", Host: "prd-db", Version: "2.00.077.00"}, nil
}

func (f *fakeHANA) BackupCatalog(_ context.Context, systemID string, limit int, tenant bool) ([]hana.BackupEntry, error) {
	f.system = systemID
	f.limit = limit
	f.tenant = tenant
	if f.err != nil {
		return nil, f.err
	}
	return []hana.BackupEntry{{BackupID: 1700000000001, EntryType: "complete data backup", State: "successful"}}, nil
}

func (f *fakeHANA) FailedBackups(_ context.Context, systemID string, since time.Time, tenant bool) ([]hana.BackupEntry, error) {
	f.system = systemID
	f.since = since
	f.tenant = tenant
	if f.err != nil {
		return nil, f.err
	}
	return []hana.BackupEntry{{BackupID: 1700000000002, EntryType: "log backup", State: "failed", Message: "[447] backup could not be completed"}}, nil
}

func TestListVMs_DefaultResourceGroup(t *testing.T) {
	vms := &fakeVMs{vms: []azure.VMSummary{
		{Name: "vm-prd-db", ResourceGroup: "rg-default", Size: "Standard_E16s_v3"},
		{Name: "vm-prd-app", ResourceGroup: "rg-default", Size: "Standard_D8s_v3"},
	}}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithVMLister(vms, "rg-default"))

	result, err := srv.handleListVMs(context.Background(), makeCallToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("list_vms failed: %v", err)
	}

	if vms.group != "rg-default" {
		t.Errorf("expected the configured default group, got %q", vms.group)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(extractText(t, result)), &data); err != nil {
		t.Fatalf("failed to parse result JSON: %v", err)
	}
	if data["resource_group"] != "rg-default" {
		t.Errorf("expected resource_group in result, got %v", data["resource_group"])
	}
	if data["count"] != float64(2) {
		t.Errorf("expected 2 vms, got %v", data["count"])
	}
}

func TestListVMs_ExplicitResourceGroup(t *testing.T) {
	vms := &fakeVMs{}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithVMLister(vms, "rg-default"))

	_, err := srv.handleListVMs(context.Background(), makeCallToolRequest(map[string]any{
		"resource_group": "rg-other",
	}))
	if err != nil {
		t.Fatalf("list_vms failed: %v", err)
	}
	if vms.group != "rg-other" {
		t.Errorf("expected explicit group to win, got %q", vms.group)
	}
}

func TestListVMs_NoGroupConfigured(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithVMLister(&fakeVMs{}, ""))

	result, err := srv.handleListVMs(context.Background(), makeCallToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("list_vms failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "resource_group is required") {
		t.Errorf("expected missing-group error, got %q", text)
	}
}

func TestListVMs_Denied(t *testing.T) {
	vms := &fakeVMs{}
	srv := newTestServer(t, &fakeDispatcher{}, strictEngine(), WithVMLister(vms, "rg-default"))

	result, err := srv.handleListVMs(context.Background(), makeCallToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("list_vms failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "missing permission AZURE_VIEW") {
		t.Errorf("expected permission refusal, got %q", text)
	}
	if vms.group != "" {
		t.Error("denied calls must not reach the lister")
	}
}

func TestListVMs_ListError(t *testing.T) {
	vms := &fakeVMs{err: errors.New("control plane error: AuthorizationFailed")}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithVMLister(vms, "rg-default"))

	result, err := srv.handleListVMs(context.Background(), makeCallToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("list_vms failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "AuthorizationFailed") {
		t.Errorf("expected lister error surfaced, got %q", text)
	}
}

func TestListBackupFiles(t *testing.T) {
	blobs := &fakeBlobs{files: []azure.BackupFile{
		{Name: "PRD/COMPLETE_DATA_BACKUP_2026_08_21", SizeBytes: 128 << 30},
		{Name: "PRD/log_backup_0_0_0_0.1755800000", SizeBytes: 512 << 20},
	}}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithBlobLister(blobs))

	result, err := srv.handleListBackupFiles(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
	}))
	if err != nil {
		t.Fatalf("list_backup_files failed: %v", err)
	}

	if blobs.prefix != "PRD" {
		t.Errorf("expected system id as prefix, got %q", blobs.prefix)
	}
	if blobs.limit != 50 {
		t.Errorf("expected default limit 50, got %d", blobs.limit)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(extractText(t, result)), &data); err != nil {
		t.Fatalf("failed to parse result JSON: %v", err)
	}
	if data["count"] != float64(2) {
		t.Errorf("expected 2 files, got %v", data["count"])
	}
	if text := extractText(t, result); !contains(text, "COMPLETE_DATA_BACKUP_2026_08_21") {
		t.Errorf("expected file names in result, got %q", text)
	}
}

func TestListBackupFiles_LimitForwarded(t *testing.T) {
	blobs := &fakeBlobs{}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithBlobLister(blobs))

	// JSON numbers arrive as float64.
	_, err := srv.handleListBackupFiles(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
		"limit":  float64(10),
	}))
	if err != nil {
		t.Fatalf("list_backup_files failed: %v", err)
	}
	if blobs.limit != 10 {
		t.Errorf("expected limit 10, got %d", blobs.limit)
	}
}

func TestListBackupFiles_MissingSystem(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithBlobLister(&fakeBlobs{}))

	result, err := srv.handleListBackupFiles(context.Background(), makeCallToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("list_backup_files failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "system is required") {
		t.Errorf("expected missing-system error, got %q", text)
	}
}

func TestListBackupFiles_Denied(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, strictEngine(), WithBlobLister(&fakeBlobs{}))

	result, err := srv.handleListBackupFiles(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
	}))
	if err != nil {
		t.Fatalf("list_backup_files failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "missing permission AZURE_VIEW") {
		t.Errorf("expected permission refusal, got %q", text)
	}
}

func TestHANAOverview(t *testing.T) {
	h := &fakeHANA{}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithHANA(h))

	result, err := srv.handleHANAOverview(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
	}))
	if err != nil {
		t.Fatalf("hana_overview failed: %v", err)
	}

	if h.system != "PRD" {
		t.Errorf("expected query against PRD, got %q", h.system)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(extractText(t, result)), &data); err != nil {
		t.Fatalf("failed to parse result JSON: %v", err)
	}
	if data["system"] != "PRD" {
		t.Errorf("expected system in result, got %v", data["system"])
	}
	hosts, ok := data["overview"].([]any)
	if !ok || len(hosts) != 1 {
		t.Fatalf("expected one overview row, got %v", data["overview"])
	}
	if text := extractText(t, result); !contains(text, "2.00.077.00") {
		t.Errorf("expected build version in result, got %q", text)
	}
}

func TestHANAServices_MissingSystem(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithHANA(&fakeHANA{}))

	result, err := srv.handleHANAServices(context.Background(), makeCallToolRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("hana_services failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "system is required") {
		t.Errorf("expected missing-system error, got %q", text)
	}
}

func TestHANATools_Denied(t *testing.T) {
	h := &fakeHANA{}
	srv := newTestServer(t, &fakeDispatcher{}, strictEngine(), WithHANA(h))

	result, err := srv.handleHANADiskUsage(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
	}))
	if err != nil {
		t.Fatalf("hana_disk_usage failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "missing permission HANA_VIEW") {
		t.Errorf("expected permission refusal, got %q", text)
	}
	if h.system != "" {
		t.Error("denied calls must not reach the client")
	}
}

func TestHANATools_QueryError(t *testing.T) {
	h := &fakeHANA{err: errors.New(`no hana endpoint configured for system "QAS"`)}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithHANA(h))

	result, err := srv.handleHANADatabaseInfo(context.Background(), makeCallToolRequest(map[string]any{
		"system": "QAS",
	}))
	if err != nil {
		t.Fatalf("hana_database_info failed: %v", err)
	}
	if text := extractText(t, result); !contains(text, "no hana endpoint configured") {
		t.Errorf("expected query error surfaced, got %q", text)
	}
}

func TestHANABackupCatalog_LimitForwarded(t *testing.T) {
	h := &fakeHANA{}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithHANA(h))

	if _, err := srv.handleHANABackupCatalog(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
	})); err != nil {
		t.Fatalf("hana_backup_catalog failed: %v", err)
	}
	if h.limit != 20 {
		t.Errorf("expected default limit 20, got %d", h.limit)
	}

	if _, err := srv.handleHANABackupCatalog(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
		"limit":  float64(5),
	})); err != nil {
		t.Fatalf("hana_backup_catalog failed: %v", err)
	}
	if h.limit != 5 {
		t.Errorf("expected limit 5, got %d", h.limit)
	}
	if h.tenant {
		t.Error("tenant should default to false")
	}
}

func TestHANABackupCatalog_TenantForwarded(t *testing.T) {
	h := &fakeHANA{}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithHANA(h))

	if _, err := srv.handleHANABackupCatalog(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
		"tenant": true,
	})); err != nil {
		t.Fatalf("hana_backup_catalog failed: %v", err)
	}
	if !h.tenant {
		t.Error("expected the tenant flag forwarded to the query")
	}
}

func TestHANAFailedBackups_WindowForwarded(t *testing.T) {
	h := &fakeHANA{}
	srv := newTestServer(t, &fakeDispatcher{}, nil, WithHANA(h))

	result, err := srv.handleHANAFailedBackups(context.Background(), makeCallToolRequest(map[string]any{
		"system": "PRD",
		"hours":  float64(48),
	}))
	if err != nil {
		t.Fatalf("hana_failed_backups failed: %v", err)
	}

	want := time.Now().Add(-48 * time.Hour)
	if diff := h.since.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expected lookback near %v, got %v", want, h.since)
	}
	if text := extractText(t, result); !contains(text, "backup could not be completed") {
		t.Errorf("expected failure message in result, got %q", text)
	}
}
