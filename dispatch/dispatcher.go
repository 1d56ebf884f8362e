// Package dispatch sequences administrative operations: authorize, resolve,
// serialize per target, execute on each required plane, aggregate.
//
// Every request moves through a fixed state machine and leaves one audit
// record per transition plus one per plane outcome. Nothing here mutates the
// landscape itself; all effects happen in the backends, and the dispatcher's
// job is to make sure they happen at most once at a time per target and are
// reported truthfully, partial results included.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/azsap/sapops/audit"
	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/backend"
	"github.com/azsap/sapops/config"
	"github.com/azsap/sapops/metrics"
	"github.com/azsap/sapops/observability/tracing"
	"github.com/azsap/sapops/operation"
	"github.com/azsap/sapops/registry"
)

// State is a position in the per-request lifecycle.
type State string

// Lifecycle states. Rejected requests never reached a backend; failed ones
// did, or could not take their target lock.
const (
	StateReceived    State = "received"
	StateAuthorizing State = "authorizing"
	StateResolving   State = "resolving"
	StateExecuting   State = "executing"
	StateCompleted   State = "completed"
	StateRejected    State = "rejected"
	StateFailed      State = "failed"
)

// Status is the caller-facing aggregate outcome.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusDenied         Status = "denied"
	StatusNotFound       Status = "not_found"
	StatusBusy           Status = "busy"
	StatusFailed         Status = "failed"
)

// KindTargetNotConfigured is the error kind reported when a known component
// lacks a plane the operation requires. It is deliberately distinct from
// not_found: the component exists, its configuration is incomplete.
const KindTargetNotConfigured = "target_not_configured"

// PlaneResult is one plane's contribution to a dispatch. Exactly one of
// Busy, Missing, or Outcome is meaningful.
type PlaneResult struct {
	Plane    registry.Plane   `json:"plane"`
	Busy     bool             `json:"busy,omitempty"`
	Missing  string           `json:"missing,omitempty"`
	Outcome  *backend.Outcome `json:"outcome,omitempty"`
	Attempts int              `json:"attempts,omitempty"`
}

// Result is the terminal record of one dispatched request. Kind names the
// failure class in stable vocabulary (the backend outcome kinds plus
// target_not_configured) and is empty for success and busy results.
type Result struct {
	RequestID  string        `json:"request_id"`
	Operation  string        `json:"operation"`
	System     string        `json:"system"`
	Component  string        `json:"component,omitempty"`
	Actor      string        `json:"actor,omitempty"`
	Status     Status        `json:"status"`
	Kind       string        `json:"kind,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Planes     []PlaneResult `json:"planes,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

// Succeeded reports whether every required plane succeeded.
func (r Result) Succeeded() bool { return r.Status == StatusSuccess }

// Dispatcher owns the request pipeline. Construct it once at boot and share
// it; all fields are immutable after RegisterExecutor calls finish.
type Dispatcher struct {
	registry  *registry.Registry
	authz     *authz.Engine
	executors map[registry.Plane]backend.Executor
	audit     *audit.Logger
	metrics   *metrics.Collector
	tracer    *tracing.DispatchTracer
	locks     *lockTable
	retry     retryPolicy
	limiter   *rateLimiterStore
	opTimeout time.Duration
	logger    *slog.Logger
}

// New builds a dispatcher. Executors are registered separately so each plane
// backend stays optional: a landscape without an azure section simply never
// registers the cloud executor.
func New(reg *registry.Registry, engine *authz.Engine, auditLog *audit.Logger, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	queueDepth := cfg.QueueDepth
	if cfg.QueuePolicy == config.QueuePolicyReject {
		queueDepth = 0
	}
	return &Dispatcher{
		registry:  reg,
		authz:     engine,
		executors: make(map[registry.Plane]backend.Executor),
		audit:     auditLog,
		tracer:    tracing.NewDispatchTracer(nil),
		locks:     newLockTable(queueDepth),
		retry:     newRetryPolicy(cfg),
		limiter:   newRateLimiterStore(cfg.RateLimitPerMinute),
		opTimeout: cfg.OperationTimeout.Std(),
		logger:    logger,
	}
}

// RegisterExecutor plugs in the backend for its plane.
func (d *Dispatcher) RegisterExecutor(exec backend.Executor) {
	d.executors[exec.Plane()] = exec
}

// SetMetrics attaches a collector. A nil collector leaves dispatch unmetered.
func (d *Dispatcher) SetMetrics(c *metrics.Collector) {
	d.metrics = c
}

// Close releases background resources.
func (d *Dispatcher) Close() {
	d.limiter.stop()
}

// Dispatch runs one operation for the principal and returns its terminal
// result. It never returns an error: every failure mode is a Status.
func (d *Dispatcher) Dispatch(ctx context.Context, principal authz.Principal, systemID, component, operationName string, params map[string]any) Result {
	start := time.Now()
	result := Result{
		RequestID: uuid.NewString(),
		Operation: operationName,
		System:    systemID,
		Component: component,
		Actor:     principal.Username,
	}

	ctx, span := d.tracer.StartDispatch(ctx, result.RequestID, operationName, systemID, component)
	defer span.End()

	d.metrics.DispatchStarted()
	finish := func(status Status, detail string) Result {
		result.Status = status
		result.Detail = detail
		result.DurationMS = time.Since(start).Milliseconds()
		d.metrics.DispatchFinished(operationName, string(status), time.Since(start))
		d.tracer.SetOutcome(span, string(status), status == StatusSuccess)
		d.logger.Info("dispatch finished",
			"request_id", result.RequestID,
			"operation", operationName,
			"system", systemID,
			"component", component,
			"actor", result.Actor,
			"status", string(status),
			"duration_ms", result.DurationMS)
		return result
	}
	reject := func(status Status, detail string) Result {
		d.transition(ctx, span, &result, StateRejected)
		outcome := string(status)
		if result.Kind != "" {
			outcome = result.Kind
		}
		d.audit.LogOutcome(ctx, result.RequestID, result.Actor, operationName, systemID, component,
			"", string(StateRejected), outcome, false, detail)
		return finish(status, detail)
	}

	d.transition(ctx, span, &result, StateReceived)

	entry, ok := operation.Lookup(operationName)
	if !ok {
		return reject(StatusNotFound, fmt.Sprintf("unknown operation %q", operationName))
	}
	if !d.limiter.allow(principal.Username) {
		return reject(StatusBusy, fmt.Sprintf("rate limit exceeded for %s", result.Actor))
	}

	d.transition(ctx, span, &result, StateAuthorizing)
	if decision := d.authz.Authorize(principal, entry.Permission); !decision.Allowed {
		return reject(StatusDenied, decision.Reason())
	}

	d.transition(ctx, span, &result, StateResolving)
	res, err := d.registry.Resolve(systemID, component, entry.Planes, entry.Atomic)
	if err != nil {
		if errors.Is(err, registry.ErrTargetNotConfigured) {
			result.Kind = KindTargetNotConfigured
			return reject(StatusFailed, err.Error())
		}
		return reject(StatusNotFound, err.Error())
	}

	d.transition(ctx, span, &result, StateExecuting)
	result.Planes = d.executePlanes(ctx, &result, entry, res, params)

	status, kind, detail := aggregate(result.Planes)
	result.Kind = kind
	terminal := StateFailed
	if status == StatusSuccess {
		terminal = StateCompleted
	}
	d.transition(ctx, span, &result, terminal)
	d.audit.LogOutcome(ctx, result.RequestID, result.Actor, operationName, systemID, component,
		"", string(terminal), string(status), status == StatusSuccess, detail)
	return finish(status, detail)
}

func (d *Dispatcher) transition(ctx context.Context, span trace.Span, result *Result, state State) {
	d.audit.LogTransition(ctx, result.RequestID, result.Actor, result.Operation, result.System, result.Component, string(state))
	d.tracer.MarkState(span, string(state))
	d.logger.Debug("dispatch state",
		"request_id", result.RequestID,
		"operation", result.Operation,
		"state", string(state))
}

// executePlanes fans out to every required plane concurrently. Planes never
// cancel each other: a failing sibling still reports its own outcome.
func (d *Dispatcher) executePlanes(ctx context.Context, result *Result, entry operation.Entry, res *registry.Resolution, params map[string]any) []PlaneResult {
	out := make([]PlaneResult, len(entry.Planes))
	var g errgroup.Group
	for i, plane := range entry.Planes {
		g.Go(func() error {
			out[i] = d.executePlane(ctx, result, entry, plane, res, params)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *Dispatcher) executePlane(ctx context.Context, result *Result, entry operation.Entry, plane registry.Plane, res *registry.Resolution, params map[string]any) PlaneResult {
	pr := PlaneResult{Plane: plane}
	logPlane := func(state State, outcome string, success bool, detail string) {
		d.audit.LogOutcome(ctx, result.RequestID, result.Actor, result.Operation, result.System, result.Component,
			string(plane), string(state), outcome, success, detail)
	}

	if missErr, ok := res.Missing[plane]; ok {
		pr.Missing = missErr.Error()
		logPlane(StateFailed, "target_not_configured", false, missErr.Error())
		return pr
	}
	target := res.Targets[plane]

	exec, ok := d.executors[plane]
	if !ok {
		outcome := backend.TransportFailure(fmt.Errorf("no executor registered for plane %s", plane))
		pr.Outcome = &outcome
		logPlane(StateFailed, string(outcome.Kind), false, outcome.Diagnostic)
		return pr
	}

	ctx, span := d.tracer.StartPlane(ctx, string(plane))
	defer span.End()

	key := lockKey{system: result.System, component: result.Component, plane: plane}
	waitStart := time.Now()
	release, err := d.locks.acquire(ctx, key)
	d.metrics.ObserveLockWait(string(plane), time.Since(waitStart))
	if err != nil {
		if errors.Is(err, ErrBusy) {
			pr.Busy = true
			logPlane(StateFailed, string(StatusBusy), false, err.Error())
			return pr
		}
		// Canceled or timed out while queued.
		outcome := backend.TransportFailure(err)
		pr.Outcome = &outcome
		d.tracer.RecordError(span, err)
		logPlane(StateFailed, string(outcome.Kind), false, outcome.Diagnostic)
		return pr
	}
	defer release()

	req := backend.Request{
		Operation: entry.Name,
		Target:    target,
		Action:    entry.Action,
		Wait:      waitFlag(entry, params),
		Params:    params,
		Timeout:   d.opTimeout,
	}
	if plane == registry.PlaneShell {
		shellTarget, ok := target.(*registry.ShellTarget)
		if !ok || entry.Command == nil {
			outcome := backend.RemoteFailure(0, fmt.Sprintf("operation %s has no shell form", entry.Name))
			pr.Outcome = &outcome
			logPlane(StateFailed, string(outcome.Kind), false, outcome.Diagnostic)
			return pr
		}
		cmd, err := entry.Command(shellTarget, params)
		if err != nil {
			outcome := backend.RemoteFailure(0, err.Error())
			pr.Outcome = &outcome
			logPlane(StateFailed, string(outcome.Kind), false, outcome.Diagnostic)
			return pr
		}
		req.Command = cmd
	}

	outcome, attempts := d.retry.run(ctx, func(ctx context.Context) backend.Outcome {
		return exec.Execute(ctx, req)
	})
	pr.Outcome = &outcome
	pr.Attempts = attempts
	d.metrics.RecordRetries(entry.Name, string(plane), attempts-1)
	d.metrics.RecordBackendCall(string(plane), string(outcome.Kind))

	success := outcome.Kind == backend.KindSuccess
	state := StateCompleted
	if !success {
		state = StateFailed
		d.tracer.RecordError(span, errors.New(outcome.Diagnostic))
	}
	logPlane(state, string(outcome.Kind), success, outcome.Diagnostic)
	return pr
}

func waitFlag(entry operation.Entry, params map[string]any) bool {
	if v, ok := params["wait"].(bool); ok {
		return v
	}
	return entry.WaitDefault
}

// aggregate folds the per-plane results into the caller-facing status, the
// failure kind of the first failing plane, and a human detail line. Partial
// success is reported as such, never rounded up or down.
func aggregate(planes []PlaneResult) (Status, string, string) {
	var succeeded, busy int
	var kind, detail string
	for _, pr := range planes {
		switch {
		case pr.Busy:
			busy++
			if detail == "" {
				detail = fmt.Sprintf("%s plane busy", pr.Plane)
			}
		case pr.Missing != "":
			if kind == "" {
				kind = KindTargetNotConfigured
				detail = pr.Missing
			}
		case pr.Outcome != nil && pr.Outcome.Kind == backend.KindSuccess:
			succeeded++
		case pr.Outcome != nil:
			if kind == "" {
				kind = string(pr.Outcome.Kind)
				detail = fmt.Sprintf("%s: %s", pr.Outcome.Kind, pr.Outcome.Diagnostic)
			}
		}
	}

	switch {
	case succeeded == len(planes):
		return StatusSuccess, "", ""
	case succeeded > 0:
		return StatusPartialFailure, kind, fmt.Sprintf("%d of %d planes succeeded: %s", succeeded, len(planes), detail)
	case busy == len(planes):
		return StatusBusy, "", detail
	default:
		return StatusFailed, kind, detail
	}
}
