package sandbox

import (
	"time"

	"github.com/danielsimonjr/ironclaw/internal/config"
)

// Limits are the resource ceilings for one call. Zero fields fall back to
// the engine defaults, so callers only set what they tighten.
type Limits struct {
	Fuel          uint64        // Computation budget.
	MemoryBytes   uint64        // Linear memory ceiling.
	Timeout       time.Duration // Wall-clock deadline.
	LogEntries    int           // Guest log buffer size.
	LogEntryBytes int           // Per-entry byte cap.
	ResponseBytes int64         // Host-call response cap.
	OutputBytes   int64         // Module result cap.
}

// LimitsFromConfig builds the engine default limits.
func LimitsFromConfig(cfg config.EngineConfig) Limits {
	return Limits{
		Fuel:          cfg.FuelBudget(),
		MemoryBytes:   cfg.MaxMemoryBytes(),
		Timeout:       cfg.ExecutionTimeout(),
		LogEntries:    cfg.LogEntries(),
		LogEntryBytes: cfg.LogEntryBytes(),
		ResponseBytes: cfg.ResponseBytes(),
		OutputBytes:   cfg.OutputBytes(),
	}
}

// withDefaults fills zero fields from the engine defaults.
func (l Limits) withDefaults(d Limits) Limits {
	if l.Fuel == 0 {
		l.Fuel = d.Fuel
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.Timeout == 0 {
		l.Timeout = d.Timeout
	}
	if l.LogEntries == 0 {
		l.LogEntries = d.LogEntries
	}
	if l.LogEntryBytes == 0 {
		l.LogEntryBytes = d.LogEntryBytes
	}
	if l.ResponseBytes == 0 {
		l.ResponseBytes = d.ResponseBytes
	}
	if l.OutputBytes == 0 {
		l.OutputBytes = d.OutputBytes
	}
	return l
}

// Rates are per-minute host-call ceilings for one call, by category.
// Zero fields fall back to the engine defaults; declarations may lower
// them but never raise them.
type Rates struct {
	Log        int
	HTTP       int
	ToolInvoke int
	General    int
}

// RatesFromConfig builds the engine default rate ceilings.
func RatesFromConfig(cfg config.RateLimitsConfig) Rates {
	return Rates{
		Log:        cfg.LogRate(),
		HTTP:       cfg.HTTPRate(),
		ToolInvoke: cfg.ToolInvokeRate(),
		General:    cfg.GeneralRate(),
	}
}

// withDefaults fills zero fields from the engine defaults.
func (r Rates) withDefaults(d Rates) Rates {
	if r.Log == 0 {
		r.Log = d.Log
	}
	if r.HTTP == 0 {
		r.HTTP = d.HTTP
	}
	if r.ToolInvoke == 0 {
		r.ToolInvoke = d.ToolInvoke
	}
	if r.General == 0 {
		r.General = d.General
	}
	return r
}
