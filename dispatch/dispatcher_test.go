package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/azsap/sapops/audit"
	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/backend"
	"github.com/azsap/sapops/config"
	"github.com/azsap/sapops/registry"
)

// PRD/db has both planes, PRD/app is shell-only.
const dispatchYAML = `
landscape:
  systems:
    PRD:
      description: Production
      ssh:
        username: sapadmin
        password: hunter2
      components:
        db:
          type: database
          hostname: prd-db.internal
          instance_number: "00"
        app:
          type: application
          hostname: prd-app.internal
          instance_number: "01"
azure:
  subscription_id: 00000000-0000-0000-0000-000000000000
  systems:
    PRD:
      resource_group: rg-prd
      components:
        db:
          vm_name: vm-prd-db
          nsg_name: nsg-prd-db
`

type fakeExecutor struct {
	plane   registry.Plane
	handler func(ctx context.Context, req backend.Request) backend.Outcome

	mu    sync.Mutex
	calls int
	last  backend.Request
}

func (f *fakeExecutor) Plane() registry.Plane { return f.plane }

func (f *fakeExecutor) Execute(ctx context.Context, req backend.Request) backend.Outcome {
	f.mu.Lock()
	f.calls++
	f.last = req
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return backend.Success(map[string]any{"ok": true})
	}
	return h(ctx, req)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExecutor) lastRequest() backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() config.DispatchConfig {
	return config.DispatchConfig{
		QueueDepth:       2,
		QueuePolicy:      config.QueuePolicyQueue,
		RetryBackoff:     config.Duration(time.Millisecond),
		RetryMaxBackoff:  config.Duration(2 * time.Millisecond),
		OperationTimeout: config.Duration(5 * time.Second),
	}
}

func buildDispatcher(t *testing.T, cfg config.DispatchConfig) *Dispatcher {
	t.Helper()
	c, err := config.LoadFromBytes([]byte(dispatchYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes failed: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	engine := authz.NewEngine(map[string][]string{
		"operator": {
			string(authz.PermSAPView),
			string(authz.PermSAPStart),
			string(authz.PermAzureView),
			string(authz.PermAzureStart),
		},
	}, discardLogger())
	d := New(registry.Build(c), engine, audit.NewLogger(io.Discard), cfg, discardLogger())
	t.Cleanup(d.Close)
	return d
}

func newTestDispatcher(t *testing.T, cfg config.DispatchConfig) (*Dispatcher, *fakeExecutor, *fakeExecutor) {
	t.Helper()
	d := buildDispatcher(t, cfg)
	shell := &fakeExecutor{plane: registry.PlaneShell}
	cloud := &fakeExecutor{plane: registry.PlaneCloud}
	d.RegisterExecutor(shell)
	d.RegisterExecutor(cloud)
	return d, shell, cloud
}

func operator() authz.Principal {
	return authz.Principal{Username: "alice", Roles: []string{"operator"}}
}

func TestDispatch_ShellSuccess(t *testing.T) {
	d, shell, _ := newTestDispatcher(t, fastConfig())

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Detail)
	}
	if !res.Succeeded() {
		t.Error("Succeeded should report true")
	}
	if res.RequestID == "" {
		t.Error("expected a request id")
	}
	if len(res.Planes) != 1 || res.Planes[0].Plane != registry.PlaneShell {
		t.Fatalf("unexpected planes %+v", res.Planes)
	}
	if res.Planes[0].Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Planes[0].Attempts)
	}
	want := "su - prdadm -c 'sapcontrol -nr 00 -function GetSystemInstanceList'"
	if got := shell.lastRequest().Command; got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
}

func TestDispatch_UnknownOperation(t *testing.T) {
	d, shell, cloud := newTestDispatcher(t, fastConfig())

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "format_disk", nil)
	if res.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "unknown operation") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
	if shell.callCount()+cloud.callCount() != 0 {
		t.Error("no backend may run for an unknown operation")
	}
}

func TestDispatch_DeniedBeforeExecution(t *testing.T) {
	d, shell, cloud := newTestDispatcher(t, fastConfig())

	viewer := authz.Principal{Username: "bob", Roles: []string{"nobody"}}
	res := d.Dispatch(context.Background(), viewer, "PRD", "db", "sap_start", nil)
	if res.Status != StatusDenied {
		t.Fatalf("expected denied, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "missing permission SAP_START") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
	if shell.callCount()+cloud.callCount() != 0 {
		t.Error("no backend may run for a denied request")
	}
}

func TestDispatch_UnknownSystem(t *testing.T) {
	d, shell, cloud := newTestDispatcher(t, fastConfig())

	res := d.Dispatch(context.Background(), operator(), "XXX", "db", "sap_status", nil)
	if res.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "unknown system") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
	if shell.callCount()+cloud.callCount() != 0 {
		t.Error("no backend may run when resolution fails")
	}
}

func TestDispatch_PlaneNotConfigured(t *testing.T) {
	d, shell, cloud := newTestDispatcher(t, fastConfig())

	// app has no cloud target, and vm_status resolves atomically. The
	// component exists, so this is a failure with a stable kind, not an
	// unknown target.
	res := d.Dispatch(context.Background(), operator(), "PRD", "app", "vm_status", nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.Kind != KindTargetNotConfigured {
		t.Errorf("expected kind %q, got %q", KindTargetNotConfigured, res.Kind)
	}
	if !strings.Contains(res.Detail, "no target configured") {
		t.Errorf("detail should name the missing plane, got %q", res.Detail)
	}
	if shell.callCount()+cloud.callCount() != 0 {
		t.Error("no backend may run when a required plane is missing")
	}
}

func TestDispatch_RemoteFailureNotRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 2
	d, shell, _ := newTestDispatcher(t, cfg)
	shell.handler = func(context.Context, backend.Request) backend.Outcome {
		return backend.RemoteFailure(1, "sapcontrol: FAIL")
	}

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_start", nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.Kind != string(backend.KindRemoteFailure) {
		t.Errorf("expected remote_failure kind, got %q", res.Kind)
	}
	if shell.callCount() != 1 {
		t.Errorf("remote failures must not be retried, got %d calls", shell.callCount())
	}
	if res.Planes[0].Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Planes[0].Attempts)
	}
	if !strings.Contains(res.Detail, "sapcontrol: FAIL") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
}

func TestDispatch_TransportFailureRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 2
	d, shell, _ := newTestDispatcher(t, cfg)
	var n atomic.Int32
	shell.handler = func(context.Context, backend.Request) backend.Outcome {
		if n.Add(1) <= 2 {
			return backend.TransportFailure(errors.New("connection refused"))
		}
		return backend.Success(nil)
	}

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
	if res.Status != StatusSuccess {
		t.Fatalf("expected success after retries, got %s (%s)", res.Status, res.Detail)
	}
	if res.Planes[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Planes[0].Attempts)
	}
}

func TestDispatch_RetryBudgetExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	d, shell, _ := newTestDispatcher(t, cfg)
	shell.handler = func(context.Context, backend.Request) backend.Outcome {
		return backend.TransportFailure(errors.New("connection refused"))
	}

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if shell.callCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", shell.callCount())
	}
	if !strings.Contains(res.Detail, "transport_failure") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
}

func TestDispatch_DualPlanePartialFailure(t *testing.T) {
	d, _, cloud := newTestDispatcher(t, fastConfig())
	cloud.handler = func(context.Context, backend.Request) backend.Outcome {
		return backend.RemoteFailure(0, "api error")
	}

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "system_health", nil)
	if res.Status != StatusPartialFailure {
		t.Fatalf("expected partial_failure, got %s (%s)", res.Status, res.Detail)
	}
	if !strings.Contains(res.Detail, "1 of 2 planes succeeded") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
	if len(res.Planes) != 2 {
		t.Fatalf("expected 2 plane results, got %d", len(res.Planes))
	}
}

func TestDispatch_DualPlaneMissingCloudTarget(t *testing.T) {
	d, shell, cloud := newTestDispatcher(t, fastConfig())

	// system_health resolves best-effort, so the shell half still runs.
	res := d.Dispatch(context.Background(), operator(), "PRD", "app", "system_health", nil)
	if res.Status != StatusPartialFailure {
		t.Fatalf("expected partial_failure, got %s (%s)", res.Status, res.Detail)
	}
	if shell.callCount() != 1 || cloud.callCount() != 0 {
		t.Errorf("expected shell only, got shell=%d cloud=%d", shell.callCount(), cloud.callCount())
	}
	var missing bool
	for _, pr := range res.Planes {
		if pr.Plane == registry.PlaneCloud && pr.Missing != "" {
			missing = true
		}
	}
	if !missing {
		t.Errorf("cloud plane should report its missing target: %+v", res.Planes)
	}
}

func TestDispatch_BusyUnderRejectPolicy(t *testing.T) {
	cfg := fastConfig()
	cfg.QueuePolicy = config.QueuePolicyReject
	d, shell, _ := newTestDispatcher(t, cfg)

	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	shell.handler = func(context.Context, backend.Request) backend.Outcome {
		entered <- struct{}{}
		<-proceed
		return backend.Success(nil)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var first Result
	go func() {
		defer wg.Done()
		first = d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
	}()
	<-entered

	second := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
	if second.Status != StatusBusy {
		t.Fatalf("expected busy, got %s (%s)", second.Status, second.Detail)
	}
	if len(second.Planes) != 1 || !second.Planes[0].Busy {
		t.Errorf("plane result should be marked busy: %+v", second.Planes)
	}

	close(proceed)
	wg.Wait()
	if first.Status != StatusSuccess {
		t.Errorf("holder should finish cleanly, got %s", first.Status)
	}
}

func TestDispatch_SerializesPerTarget(t *testing.T) {
	d, shell, _ := newTestDispatcher(t, fastConfig())

	var current, peak atomic.Int32
	shell.handler = func(context.Context, backend.Request) backend.Outcome {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return backend.Success(nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
			if res.Status != StatusSuccess {
				t.Errorf("dispatch failed: %s (%s)", res.Status, res.Detail)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("target lock must serialize execution, saw %d concurrent calls", peak.Load())
	}
	if shell.callCount() != 3 {
		t.Errorf("expected 3 executions, got %d", shell.callCount())
	}
}

func TestDispatch_NoExecutorForPlane(t *testing.T) {
	d := buildDispatcher(t, fastConfig())
	cloud := &fakeExecutor{plane: registry.PlaneCloud}
	d.RegisterExecutor(cloud)

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "no executor registered") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimitPerMinute = 1
	d, shell, _ := newTestDispatcher(t, cfg)

	if res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil); res.Status != StatusSuccess {
		t.Fatalf("first dispatch should pass, got %s", res.Status)
	}
	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "sap_status", nil)
	if res.Status != StatusBusy {
		t.Fatalf("expected busy, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "rate limit") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
	if shell.callCount() != 1 {
		t.Errorf("rate-limited request must not execute, got %d calls", shell.callCount())
	}
}

func TestDispatch_WaitFlag(t *testing.T) {
	d, _, cloud := newTestDispatcher(t, fastConfig())

	res := d.Dispatch(context.Background(), operator(), "PRD", "db", "start_vm", nil)
	if res.Status != StatusSuccess {
		t.Fatalf("dispatch failed: %s (%s)", res.Status, res.Detail)
	}
	req := cloud.lastRequest()
	if req.Action != backend.CloudStart {
		t.Errorf("unexpected action %s", req.Action)
	}
	if !req.Wait {
		t.Error("start_vm should wait by default")
	}

	d.Dispatch(context.Background(), operator(), "PRD", "db", "start_vm", map[string]any{"wait": false})
	if cloud.lastRequest().Wait {
		t.Error("explicit wait=false must win over the default")
	}
}

func TestAggregate(t *testing.T) {
	success := &backend.Outcome{Kind: backend.KindSuccess}
	failure := &backend.Outcome{Kind: backend.KindRemoteFailure, Diagnostic: "boom"}

	cases := []struct {
		name     string
		planes   []PlaneResult
		want     Status
		wantKind string
	}{
		{"all success", []PlaneResult{{Outcome: success}, {Outcome: success}}, StatusSuccess, ""},
		{"partial", []PlaneResult{{Outcome: success}, {Outcome: failure}}, StatusPartialFailure, "remote_failure"},
		{"all busy", []PlaneResult{{Busy: true}}, StatusBusy, ""},
		{"missing target", []PlaneResult{{Missing: "no cloud target"}}, StatusFailed, KindTargetNotConfigured},
		{"all failed", []PlaneResult{{Outcome: failure}}, StatusFailed, "remote_failure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, kind, _ := aggregate(tc.planes)
			if status != tc.want {
				t.Errorf("aggregate = %s, want %s", status, tc.want)
			}
			if kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", kind, tc.wantKind)
			}
		})
	}

	status, _, detail := aggregate([]PlaneResult{{Outcome: success}, {Outcome: failure}})
	if status != StatusPartialFailure || !strings.Contains(detail, "1 of 2 planes succeeded") {
		t.Errorf("unexpected partial detail %q", detail)
	}
}
