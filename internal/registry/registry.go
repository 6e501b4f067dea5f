// Package registry persists metadata for registered modules using GORM.
// SQLite (pure Go, no CGO) is the default backend; PostgreSQL is available
// for shared deployments. All GORM usage is confined to this package —
// the engine and loader consume plain Record values, never models.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers supported by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound reports a lookup for a module name with no record.
var ErrNotFound = errors.New("module record not found")

// Status is a module record's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Record is one registered module's metadata. The wasm binary itself
// stays on disk at BinaryPath; the record holds the checksum the loader
// verifies against before the module is prepared.
type Record struct {
	ID          uuid.UUID
	Name        string
	Checksum    string // hex-encoded SHA-256 of the binary
	Trust       string
	Status      Status
	Declaration string // raw sidecar YAML
	BinaryPath  string
	BinarySize  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// PostgresConfig configures the PostgreSQL connection and pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
}

func (c PostgresConfig) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c PostgresConfig) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c PostgresConfig) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (c PostgresConfig) maxIdleTime() time.Duration {
	if c.ConnMaxIdleTime > 0 {
		return c.ConnMaxIdleTime
	}
	return 10 * time.Minute
}

// Config selects and tunes the backing database.
type Config struct {
	Driver   string // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// Store is the module-metadata store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string

	mu    sync.Mutex
	audit *AuditRepository
}

// Open connects to the configured database. Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if cfg.SQLite.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		dir := filepath.Dir(cfg.SQLite.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
		journalMode := cfg.SQLite.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.SQLite.Path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		slogger.Info("registry opened",
			slog.String("driver", driver),
			slog.String("path", cfg.SQLite.Path),
			slog.String("journal_mode", journalMode),
		)

	case DriverPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
			Logger:      gormLogger,
			NowFunc:     func() time.Time { return time.Now().UTC() },
			PrepareStmt: true,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.Postgres.maxOpen())
		sqlDB.SetMaxIdleConns(cfg.Postgres.maxIdle())
		sqlDB.SetConnMaxLifetime(cfg.Postgres.maxLifetime())
		sqlDB.SetConnMaxIdleTime(cfg.Postgres.maxIdleTime())
		slogger.Info("registry opened",
			slog.String("driver", driver),
			slog.Int("max_open_conns", cfg.Postgres.maxOpen()),
			slog.Int("max_idle_conns", cfg.Postgres.maxIdle()),
		)

	default:
		return nil, fmt.Errorf("unsupported registry driver %q", driver)
	}

	return &Store{db: db, logger: slogger, driver: driver}, nil
}

// Migrate creates or updates the registry tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&ModuleModel{},
		&AuditEventModel{},
	)
}

// Driver returns the active driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks the database connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SqlDB returns the underlying *sql.DB for raw operations if needed.
func (s *Store) SqlDB() (*sql.DB, error) {
	return s.db.DB()
}

// Audit returns the append-only audit event repository.
func (s *Store) Audit() *AuditRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.db)
	}
	return s.audit
}

// Upsert creates or updates the record keyed by name and refreshes rec
// with the persisted ID and timestamps.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ModuleModel
		err := tx.Where("name = ?", rec.Name).First(&existing).Error
		switch {
		case err == nil:
			existing.Checksum = rec.Checksum
			existing.Trust = rec.Trust
			if rec.Status != "" {
				existing.Status = string(rec.Status)
			}
			existing.Declaration = rec.Declaration
			existing.BinaryPath = rec.BinaryPath
			existing.BinarySize = rec.BinarySize
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("updating module %s: %w", rec.Name, err)
			}
			*rec = toDomain(&existing)
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			model := toModel(rec)
			model.ID = uuid.New()
			if model.Status == "" {
				model.Status = string(StatusActive)
			}
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("creating module %s: %w", rec.Name, err)
			}
			*rec = toDomain(&model)
			return nil

		default:
			return fmt.Errorf("looking up module %s: %w", rec.Name, err)
		}
	})
}

// Get returns the record for a module name.
func (s *Store) Get(ctx context.Context, name string) (*Record, error) {
	var model ModuleModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting module %s: %w", name, err)
	}
	rec := toDomain(&model)
	return &rec, nil
}

// List returns all records ordered by name.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	var models []ModuleModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	records := make([]*Record, len(models))
	for i := range models {
		rec := toDomain(&models[i])
		records[i] = &rec
	}
	return records, nil
}

// SetStatus flips a record between active and disabled.
func (s *Store) SetStatus(ctx context.Context, name string, status Status) error {
	res := s.db.WithContext(ctx).
		Model(&ModuleModel{}).
		Where("name = ?", name).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("updating status for %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Delete removes the record for a module name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&ModuleModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting module %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
