package events

import (
	"context"

	"github.com/danielsimonjr/ironclaw/internal/security"
)

// Recorder bridges the audit pipeline onto the event bus: every
// execution audit event becomes a published Event. Non-execution audit
// actions (installs, removals, host calls) are not streamed.
type Recorder struct {
	bus *Bus
}

var _ security.Recorder = (*Recorder)(nil)

// NewRecorder creates the bridge.
func NewRecorder(bus *Bus) *Recorder {
	return &Recorder{bus: bus}
}

// Record publishes execution events to the bus. It never fails; a slow
// subscriber drops events rather than stalling the audit path.
func (r *Recorder) Record(_ context.Context, e security.AuditEvent) error {
	if e.Action != security.ActionExecute {
		return nil
	}
	r.bus.Publish(Event{
		Timestamp:   e.Timestamp,
		ExecutionID: e.ExecutionID,
		Module:      e.Module,
		State:       e.Decision,
		DurationMS:  e.DurationMS,
		FuelUsed:    e.FuelUsed,
	})
	return nil
}

// Close is a no-op; the bus is owned and closed by the caller.
func (r *Recorder) Close() error { return nil }
