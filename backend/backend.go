// Package backend defines the capability boundary between the dispatch core
// and the plane-specific executors. Both executors return the same tagged
// Outcome, so the dispatcher branches only on outcome kind, never on which
// backend produced it.
package backend

import (
	"context"
	"time"

	"github.com/azsap/sapops/registry"
)

// OutcomeKind tags an execution outcome.
type OutcomeKind string

// Outcome kinds. RemoteFailure means the target was reached and reported a
// real error; TransportFailure means the target was never reached.
const (
	KindSuccess          OutcomeKind = "success"
	KindRemoteFailure    OutcomeKind = "remote_failure"
	KindTransportFailure OutcomeKind = "transport_failure"
	KindTimeout          OutcomeKind = "timeout"
)

// Retryable reports whether outcomes of this kind are transient. Remote
// failures are deterministic and must never be retried.
func (k OutcomeKind) Retryable() bool {
	return k == KindTransportFailure || k == KindTimeout
}

// Outcome is the uniform result of one backend execution.
type Outcome struct {
	Kind       OutcomeKind    `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	ExitCode   int            `json:"exit_code,omitempty"`
	Diagnostic string         `json:"diagnostic,omitempty"`
}

// Success builds a successful outcome carrying the execution payload.
func Success(payload map[string]any) Outcome {
	return Outcome{Kind: KindSuccess, Payload: payload}
}

// RemoteFailure builds an outcome for a command or API call that ran and
// reported an error.
func RemoteFailure(exitCode int, diagnostic string) Outcome {
	return Outcome{Kind: KindRemoteFailure, ExitCode: exitCode, Diagnostic: diagnostic}
}

// TransportFailure builds an outcome for a target that could not be reached.
func TransportFailure(err error) Outcome {
	diag := "transport failure"
	if err != nil {
		diag = err.Error()
	}
	return Outcome{Kind: KindTransportFailure, Diagnostic: diag}
}

// Timeout builds an outcome for an execution that exceeded its deadline.
func Timeout(diagnostic string) Outcome {
	return Outcome{Kind: KindTimeout, Diagnostic: diagnostic}
}

// CloudAction enumerates the lifecycle calls the cloud executor performs.
type CloudAction string

// Cloud lifecycle actions.
const (
	CloudStatus       CloudAction = "status"
	CloudStart        CloudAction = "start"
	CloudStop         CloudAction = "stop"
	CloudRestart      CloudAction = "restart"
	CloudResize       CloudAction = "resize"
	CloudNSGRules     CloudAction = "nsg_rules"
	CloudNSGOpenPort  CloudAction = "nsg_open_port"
	CloudNSGClosePort CloudAction = "nsg_close_port"
)

// Request is one execution against one resolved target. Command is set for
// the shell plane, Action for the cloud plane; Params carries
// operation-specific extras such as the new VM size or an NSG port.
type Request struct {
	Operation string
	Target    registry.Target
	Command   string
	Action    CloudAction
	Wait      bool
	Params    map[string]any
	Timeout   time.Duration
}

// Executor runs requests against one execution plane.
type Executor interface {
	Plane() registry.Plane
	Execute(ctx context.Context, req Request) Outcome
}
