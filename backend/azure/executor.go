package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/azsap/sapops/backend"
	"github.com/azsap/sapops/config"
	"github.com/azsap/sapops/registry"
)

// Power states reported by the instance view.
const (
	StateRunning     = "running"
	StateDeallocated = "deallocated"
	StateStopped     = "stopped"
)

// Executor is the cloud-plane backend.
type Executor struct {
	vms          VMClient
	nsgs         NSGClient
	logger       *slog.Logger
	pollInterval time.Duration
	pollCeiling  time.Duration
}

// New builds the production executor: credential chain, compute and network
// clients, poll tuning from the dispatch config.
func New(cfg *config.AzureConfig, dispatch config.DispatchConfig, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cred, err := NewCredential(cfg, logger)
	if err != nil {
		return nil, err
	}
	vms, err := NewVMClient(cfg.SubscriptionID, cred)
	if err != nil {
		return nil, err
	}
	nsgs, err := NewNSGClient(cfg.SubscriptionID, cred)
	if err != nil {
		return nil, err
	}
	return NewWithClients(vms, nsgs, dispatch.PollInterval.Std(), dispatch.PollCeiling.Std(), logger), nil
}

// NewWithClients wires explicit clients. Tests use it with fakes and short
// poll settings.
func NewWithClients(vms VMClient, nsgs NSGClient, pollInterval, pollCeiling time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if pollCeiling <= 0 {
		pollCeiling = 300 * time.Second
	}
	return &Executor{
		vms:          vms,
		nsgs:         nsgs,
		logger:       logger,
		pollInterval: pollInterval,
		pollCeiling:  pollCeiling,
	}
}

// Plane implements backend.Executor.
func (e *Executor) Plane() registry.Plane { return registry.PlaneCloud }

// VMs returns the executor's compute client for inventory listings.
func (e *Executor) VMs() VMClient { return e.vms }

// Execute performs one lifecycle or network call against the target VM.
func (e *Executor) Execute(ctx context.Context, req backend.Request) backend.Outcome {
	target, ok := req.Target.(*registry.CloudTarget)
	if !ok {
		return backend.TransportFailure(fmt.Errorf("cloud executor cannot address a %s target", req.Target.Plane()))
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	switch req.Action {
	case backend.CloudStatus:
		return e.status(ctx, target)
	case backend.CloudStart:
		return e.start(ctx, target, req.Wait)
	case backend.CloudStop:
		return e.stop(ctx, target, req.Wait, boolParam(req.Params, "keep_allocated"))
	case backend.CloudRestart:
		return e.restart(ctx, target, req.Wait)
	case backend.CloudResize:
		return e.resize(ctx, target, stringParam(req.Params, "vm_size"))
	case backend.CloudNSGRules:
		return e.nsgRules(ctx, target)
	case backend.CloudNSGOpenPort:
		return e.nsgSetPort(ctx, target, req.Params, true)
	case backend.CloudNSGClosePort:
		return e.nsgSetPort(ctx, target, req.Params, false)
	default:
		return backend.RemoteFailure(0, fmt.Sprintf("unsupported cloud action %q", req.Action))
	}
}

func (e *Executor) status(ctx context.Context, target *registry.CloudTarget) backend.Outcome {
	view, err := e.vms.InstanceView(ctx, target.ResourceGroup, target.VMName)
	if err != nil {
		return e.classify(err)
	}
	return backend.Success(viewPayload(target, view))
}

func (e *Executor) start(ctx context.Context, target *registry.CloudTarget, wait bool) backend.Outcome {
	view, err := e.vms.InstanceView(ctx, target.ResourceGroup, target.VMName)
	if err != nil {
		return e.classify(err)
	}
	if view.PowerState == StateRunning {
		payload := viewPayload(target, view)
		payload["status"] = "already_running"
		return backend.Success(payload)
	}

	if err := e.vms.Start(ctx, target.ResourceGroup, target.VMName); err != nil {
		return e.classify(err)
	}
	if !wait {
		return backend.Success(map[string]any{
			"status":  "start_requested",
			"vm_name": target.VMName,
		})
	}
	return e.waitForState(ctx, target, StateRunning, "started")
}

func (e *Executor) stop(ctx context.Context, target *registry.CloudTarget, wait, keepAllocated bool) backend.Outcome {
	// Deallocation releases compute billing; power-off keeps the allocation
	// so the VM restarts on the same host.
	want, status := StateDeallocated, "deallocated"
	call := e.vms.Deallocate
	if keepAllocated {
		want, status = StateStopped, "stopped"
		call = e.vms.PowerOff
	}

	if err := call(ctx, target.ResourceGroup, target.VMName); err != nil {
		return e.classify(err)
	}
	if !wait {
		return backend.Success(map[string]any{
			"status":  "stop_requested",
			"vm_name": target.VMName,
		})
	}
	return e.waitForState(ctx, target, want, status)
}

func (e *Executor) restart(ctx context.Context, target *registry.CloudTarget, wait bool) backend.Outcome {
	if err := e.vms.Restart(ctx, target.ResourceGroup, target.VMName); err != nil {
		return e.classify(err)
	}
	if !wait {
		return backend.Success(map[string]any{
			"status":  "restart_requested",
			"vm_name": target.VMName,
		})
	}
	return e.waitForState(ctx, target, StateRunning, "restarted")
}

func (e *Executor) resize(ctx context.Context, target *registry.CloudTarget, size string) backend.Outcome {
	if size == "" {
		return backend.RemoteFailure(0, "vm_size parameter is required")
	}
	if err := e.vms.Resize(ctx, target.ResourceGroup, target.VMName, size); err != nil {
		return e.classify(err)
	}
	return backend.Success(map[string]any{
		"status":  "resize_requested",
		"vm_name": target.VMName,
		"vm_size": size,
	})
}

func (e *Executor) nsgRules(ctx context.Context, target *registry.CloudTarget) backend.Outcome {
	if target.NSGName == "" {
		return backend.RemoteFailure(0, fmt.Sprintf("component %s has no network security group configured", target.ComponentName))
	}
	rules, err := e.nsgs.Rules(ctx, target.ResourceGroup, target.NSGName)
	if err != nil {
		return e.classify(err)
	}
	return backend.Success(map[string]any{
		"nsg_name": target.NSGName,
		"rules":    rules,
	})
}

func (e *Executor) nsgSetPort(ctx context.Context, target *registry.CloudTarget, params map[string]any, allow bool) backend.Outcome {
	if target.NSGName == "" {
		return backend.RemoteFailure(0, fmt.Sprintf("component %s has no network security group configured", target.ComponentName))
	}
	port := intParam(params, "port", 0)
	if port <= 0 || port > 65535 {
		return backend.RemoteFailure(0, "port parameter is required")
	}

	defaultPriority := 110
	if !allow {
		// Deny rules sit at a higher priority so they beat an earlier allow.
		defaultPriority = 100
	}
	rule := RuleSpec{
		Name:         fmt.Sprintf("sapops-port-%d", port),
		Priority:     int32(intParam(params, "priority", defaultPriority)),
		Allow:        allow,
		Port:         port,
		SourcePrefix: stringParam(params, "source_prefix"),
	}
	if err := e.nsgs.UpsertRule(ctx, target.ResourceGroup, target.NSGName, rule); err != nil {
		return e.classify(err)
	}

	access := "deny"
	if allow {
		access = "allow"
	}
	return backend.Success(map[string]any{
		"nsg_name": target.NSGName,
		"rule":     rule.Name,
		"port":     port,
		"access":   access,
	})
}

// waitForState polls the instance view until the VM reaches the wanted power
// state, the poll ceiling passes, or the context ends. Individual poll
// failures are tolerated until the ceiling so a flaky read does not abort a
// lifecycle call that is otherwise progressing.
func (e *Executor) waitForState(ctx context.Context, target *registry.CloudTarget, want, status string) backend.Outcome {
	deadline := time.Now().Add(e.pollCeiling)
	var lastState string
	var lastErr error

	for {
		view, err := e.vms.InstanceView(ctx, target.ResourceGroup, target.VMName)
		if err != nil {
			lastErr = err
			e.logger.Warn("power state poll failed", "vm", target.VMName, "error", err)
		} else {
			lastErr = nil
			lastState = view.PowerState
			if view.PowerState == want {
				payload := viewPayload(target, view)
				payload["status"] = status
				return backend.Success(payload)
			}
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return e.classify(lastErr)
			}
			return backend.Timeout(fmt.Sprintf("%s did not reach %q within %s (last state %q)", target.VMName, want, e.pollCeiling, lastState))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return backend.Timeout(fmt.Sprintf("waiting for %s to reach %q exceeded the operation deadline", target.VMName, want))
			}
			return backend.TransportFailure(ctx.Err())
		case <-time.After(e.pollInterval):
		}
	}
}

// classify maps SDK errors onto the outcome taxonomy: an answer from the
// control plane is a remote failure, no answer is a transport failure.
func (e *Executor) classify(err error) backend.Outcome {
	var respErr *azcore.ResponseError
	switch {
	case errors.As(err, &respErr):
		diag := respErr.ErrorCode
		if diag == "" {
			diag = http.StatusText(respErr.StatusCode)
		}
		return backend.RemoteFailure(respErr.StatusCode, fmt.Sprintf("control plane error: %s", diag))
	case errors.Is(err, context.DeadlineExceeded):
		return backend.Timeout("control plane call exceeded the operation deadline")
	default:
		return backend.TransportFailure(err)
	}
}

func viewPayload(target *registry.CloudTarget, view *VMView) map[string]any {
	payload := map[string]any{
		"vm_name":        view.Name,
		"resource_group": target.ResourceGroup,
		"power_state":    view.PowerState,
	}
	if view.Size != "" {
		payload["vm_size"] = view.Size
	}
	if view.Location != "" {
		payload["location"] = view.Location
	}
	if view.ProvisioningState != "" {
		payload["provisioning_state"] = view.ProvisioningState
	}
	return payload
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func boolParam(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	if v, ok := params[key].(bool); ok {
		return v
	}
	return false
}
