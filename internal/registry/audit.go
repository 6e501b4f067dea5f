package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/danielsimonjr/ironclaw/internal/security"
)

// AuditRepository implements security.AuditStore with the registry
// database. Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

var _ security.AuditStore = (*AuditRepository)(nil)

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event. This is the only write method —
// immutability is enforced at the interface level.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := AuditEventModel{
		ID:          uuid.New(),
		Timestamp:   event.Timestamp,
		ExecutionID: event.ExecutionID,
		Module:      event.Module,
		Action:      event.Action,
		Op:          event.Op,
		Target:      event.Target,
		Decision:    event.Decision,
		Error:       event.Error,
		DurationMS:  event.DurationMS,
		FuelUsed:    event.FuelUsed,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events, newest first. If module is non-empty,
// filters to that module. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, module string, limit int) ([]security.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit)
	if module != "" {
		q = q.Where("module = ?", module)
	}

	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i, m := range models {
		events[i] = security.AuditEvent{
			Timestamp:   m.Timestamp,
			ExecutionID: m.ExecutionID,
			Module:      m.Module,
			Action:      m.Action,
			Op:          m.Op,
			Target:      m.Target,
			Decision:    m.Decision,
			Error:       m.Error,
			DurationMS:  m.DurationMS,
			FuelUsed:    m.FuelUsed,
		}
	}
	return events, nil
}
