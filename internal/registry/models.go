package registry

import (
	"time"

	"github.com/google/uuid"
)

// ModuleModel maps to the "modules" table.
type ModuleModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null;uniqueIndex"`
	Checksum    string    `gorm:"not null;index"`
	Trust       string    `gorm:"not null;default:'user'"`
	Status      string    `gorm:"not null;default:'active';index"`
	Declaration string    `gorm:"type:text"`
	BinaryPath  string    `gorm:"not null"`
	BinarySize  int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ModuleModel) TableName() string { return "modules" }

// AuditEventModel maps to the "audit_events" table.
type AuditEventModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Timestamp   time.Time `gorm:"not null;index"`
	ExecutionID string    `gorm:"index"`
	Module      string    `gorm:"not null;index"`
	Action      string    `gorm:"not null"`
	Op          string
	Target      string
	Decision    string `gorm:"not null"`
	Error       string
	DurationMS  int64
	FuelUsed    uint64
}

func (AuditEventModel) TableName() string { return "audit_events" }

func toModel(rec *Record) ModuleModel {
	return ModuleModel{
		ID:          rec.ID,
		Name:        rec.Name,
		Checksum:    rec.Checksum,
		Trust:       rec.Trust,
		Status:      string(rec.Status),
		Declaration: rec.Declaration,
		BinaryPath:  rec.BinaryPath,
		BinarySize:  rec.BinarySize,
	}
}

func toDomain(m *ModuleModel) Record {
	return Record{
		ID:          m.ID,
		Name:        m.Name,
		Checksum:    m.Checksum,
		Trust:       m.Trust,
		Status:      Status(m.Status),
		Declaration: m.Declaration,
		BinaryPath:  m.BinaryPath,
		BinarySize:  m.BinarySize,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
