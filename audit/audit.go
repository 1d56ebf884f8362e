// Package audit records dispatch activity as structured JSON lines.
//
// Every dispatch state transition, login attempt, and diagnostic query
// produces one event. The audit trail is the only externally observable side
// effect of a dispatch besides its result, so the logger must never fail the
// dispatch path: write errors are reported through slog and swallowed.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// EventType classifies audit events.
type EventType string

const (
	EventAuth        EventType = "auth"
	EventAuthFailure EventType = "auth_failure"
	EventTransition  EventType = "dispatch_transition"
	EventOutcome     EventType = "dispatch_outcome"
	EventQuery       EventType = "query"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Operation string    `json:"operation,omitempty"`
	System    string    `json:"system,omitempty"`
	Component string    `json:"component,omitempty"`
	Plane     string    `json:"plane,omitempty"`
	State     string    `json:"state,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger records audit events as structured JSON, one line per event.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	slog   *slog.Logger
}

// NewLogger creates a Logger that writes JSON events to the given writer.
// If w is nil, it defaults to os.Stderr so the MCP stdio transport keeps
// stdout to itself.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		writer: w,
		slog:   slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Log records an audit event. It is safe for concurrent use.
func (l *Logger) Log(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		l.slog.Error("failed to marshal audit event", "error", err)
		return
	}

	// Write one JSON line per event
	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		l.slog.Error("failed to write audit event", "error", err)
	}
}

// LogAuth records a login attempt.
func (l *Logger) LogAuth(ctx context.Context, actor string, success bool, detail string) {
	eventType := EventAuth
	if !success {
		eventType = EventAuthFailure
	}
	l.Log(ctx, Event{
		Type:    eventType,
		Actor:   actor,
		Success: success,
		Detail:  detail,
	})
}

// LogTransition records a dispatch request entering a state.
func (l *Logger) LogTransition(ctx context.Context, requestID, actor, operation, system, component, state string) {
	l.Log(ctx, Event{
		Type:      EventTransition,
		RequestID: requestID,
		Actor:     actor,
		Operation: operation,
		System:    system,
		Component: component,
		State:     state,
		Success:   true,
	})
}

// LogOutcome records the terminal state of a dispatch request.
func (l *Logger) LogOutcome(ctx context.Context, requestID, actor, operation, system, component, plane, state, outcome string, success bool, detail string) {
	l.Log(ctx, Event{
		Type:      EventOutcome,
		RequestID: requestID,
		Actor:     actor,
		Operation: operation,
		System:    system,
		Component: component,
		Plane:     plane,
		State:     state,
		Outcome:   outcome,
		Success:   success,
		Detail:    detail,
	})
}

// LogQuery records a read-only diagnostic query.
func (l *Logger) LogQuery(ctx context.Context, actor, system, query string) {
	l.Log(ctx, Event{
		Type:      EventQuery,
		Actor:     actor,
		System:    system,
		Operation: query,
		Success:   true,
	})
}
