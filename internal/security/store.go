package security

import (
	"context"
	"log/slog"
)

// AuditStore is an append-only store for audit events.
// No update or delete methods: immutability enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
}

// StoreRecorder adapts an AuditStore to the Recorder interface so audit
// events land in the registry database instead of a flat file.
type StoreRecorder struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreRecorder creates a database-backed audit recorder.
func NewStoreRecorder(store AuditStore, logger *slog.Logger) *StoreRecorder {
	return &StoreRecorder{
		store:  store,
		logger: logger,
	}
}

// Record appends an audit event to the store.
func (s *StoreRecorder) Record(ctx context.Context, event AuditEvent) error {
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to record audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close is a no-op for the store recorder. The database connection is
// managed by the registry layer and closed separately.
func (s *StoreRecorder) Close() error {
	return nil
}

// MultiRecorder fans every audit event out to several recorders, for
// example the registry store plus the live event stream.
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder creates a fan-out recorder. Nil entries are dropped.
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	m := &MultiRecorder{}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
	return m
}

// Record forwards the event to every recorder. All recorders see the
// event even when an earlier one fails; the first error is returned.
func (m *MultiRecorder) Record(ctx context.Context, event AuditEvent) error {
	var firstErr error
	for _, r := range m.recorders {
		if err := r.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every recorder, returning the first error.
func (m *MultiRecorder) Close() error {
	var firstErr error
	for _, r := range m.recorders {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
