// Package security implements append-only audit logging of module
// executions and host-call decisions for Ironclaw.
package security

import (
	"context"
	"time"
)

// Audit actions.
const (
	ActionExecute  = "execute"
	ActionHostCall = "host_call"
	ActionInstall  = "module_install"
	ActionRemove   = "module_remove"
)

// Audit decisions. Execution events carry the terminal state
// ("completed", "trapped", "timeout", ...) in the Decision field instead.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionError   = "error"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Module      string    `json:"module"`
	Action      string    `json:"action"`
	Op          string    `json:"op,omitempty"`     // host-call op for ActionHostCall events
	Target      string    `json:"target,omitempty"` // URL, workspace path, tool, or secret name
	Decision    string    `json:"decision"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	FuelUsed    uint64    `json:"fuel_used,omitempty"`
}

// Recorder is the audit sink contract.
// Satisfied by *AuditLogger (JSONL file) and *StoreRecorder (database-backed).
type Recorder interface {
	Record(ctx context.Context, event AuditEvent) error
	Close() error
}

// NopRecorder discards all events. Used when no audit log is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, AuditEvent) error { return nil }
func (NopRecorder) Close() error                             { return nil }
