package sandbox

import (
	"errors"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/leakscan"
	"github.com/danielsimonjr/ironclaw/internal/ratelimit"
)

// Sentinel errors for classified per-call failures. They are carried in
// Outcome.Err, wrapped with detail, and matchable with errors.Is.
var (
	ErrCapabilityDenied = errors.New("capability not granted")
	ErrFuelExhausted    = errors.New("fuel exhausted")
	ErrMemoryExceeded   = errors.New("memory limit exceeded")
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrOutputTooLarge   = errors.New("module result exceeds output limit")
)

// State is the terminal state of one module call. Every state except
// StateCompleted discards the instance without returning a value.
type State int

const (
	StateCompleted State = iota
	StateTrapped
	StateFuelExhausted
	StateMemoryExceeded
	StateTimeout
	StateCapabilityDenied
	StateRateLimited
	StateLeakBlocked
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateTrapped:
		return "trapped"
	case StateFuelExhausted:
		return "fuel_exhausted"
	case StateMemoryExceeded:
		return "memory_limit_exceeded"
	case StateTimeout:
		return "timeout"
	case StateCapabilityDenied:
		return "capability_denied"
	case StateRateLimited:
		return "rate_limited"
	case StateLeakBlocked:
		return "leak_blocked"
	default:
		return "unknown"
	}
}

// LogEntry is one guest log line captured through the host boundary.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Outcome is the result of one module call: a success payload or a
// classified failure. Failures inside the call never surface as host-side
// errors; they are contained here.
type Outcome struct {
	ExecutionID string
	Module      string
	State       State
	Output      []byte // Module result JSON. Only set for StateCompleted.
	Err         error  // Classified failure. Nil for StateCompleted.
	Logs        []LogEntry
	LogsDropped int
	FuelUsed    uint64
	Duration    time.Duration
}

// Completed reports whether the call returned a value.
func (o *Outcome) Completed() bool {
	return o.State == StateCompleted
}

// ErrorMessage returns the failure text, or "" for a completed call.
func (o *Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// denialState maps a recorded security denial onto its terminal state.
// Allowlist denials (host, path, workspace escape, private host) fold under
// StateCapabilityDenied; the precise reason stays in the error chain.
func denialState(err error) State {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return StateRateLimited
	case errors.Is(err, leakscan.ErrLeakBlocked):
		return StateLeakBlocked
	default:
		return StateCapabilityDenied
	}
}
