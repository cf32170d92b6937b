// Package schedulestore persists schedule entries in Postgres via
// GORM, backing the scheduler across restarts.
package schedulestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/schedule"
)

// ErrNotFound is returned when no schedule exists under the given id.
var ErrNotFound = errors.New("schedulestore: not found")

// record is the GORM model behind a schedule.Entry.
type record struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	Submitter string    `gorm:"not null"`
	CronExpr  string
	Interval  int64
	Enabled   bool `gorm:"index"`
	LastRun   *time.Time
	RunCount  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (record) TableName() string { return "schedules" }

func toRecord(e *schedule.Entry) *record {
	return &record{
		ID:        e.ID,
		Name:      e.Name,
		Submitter: e.Submitter,
		CronExpr:  e.CronExpr,
		Interval:  int64(e.Interval),
		Enabled:   e.Enabled,
		LastRun:   e.LastRun,
		RunCount:  e.RunCount,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func (r *record) toEntry() *schedule.Entry {
	return &schedule.Entry{
		ID:        r.ID,
		Name:      r.Name,
		Submitter: r.Submitter,
		CronExpr:  r.CronExpr,
		Interval:  time.Duration(r.Interval),
		Enabled:   r.Enabled,
		LastRun:   r.LastRun,
		RunCount:  r.RunCount,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Store implements schedule.Repository over a GORM connection.
type Store struct {
	db *gorm.DB
}

// Open dials Postgres with the given configuration and migrates the
// schedules table. The connection pool is opened through the pq
// driver and handed to GORM.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("schedulestore: open database: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("schedulestore: wrap database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("schedulestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing GORM connection, migrating the
// schedules table.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("schedulestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a new schedule entry.
func (s *Store) Create(ctx context.Context, entry *schedule.Entry) error {
	if err := s.db.WithContext(ctx).Create(toRecord(entry)).Error; err != nil {
		return fmt.Errorf("schedulestore: create: %w", err)
	}
	return nil
}

// Update saves changed bookkeeping on an existing entry.
func (s *Store) Update(ctx context.Context, entry *schedule.Entry) error {
	if err := s.db.WithContext(ctx).Save(toRecord(entry)).Error; err != nil {
		return fmt.Errorf("schedulestore: update: %w", err)
	}
	return nil
}

// Delete removes the entry under id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&record{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("schedulestore: delete: %w", err)
	}
	return nil
}

// FindByID returns the entry under id.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*schedule.Entry, error) {
	var r record
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("schedulestore: find: %w", err)
	}
	return r.toEntry(), nil
}

// ListEnabled returns every enabled entry.
func (s *Store) ListEnabled(ctx context.Context) ([]*schedule.Entry, error) {
	var records []record
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("schedulestore: list enabled: %w", err)
	}
	out := make([]*schedule.Entry, len(records))
	for i := range records {
		out[i] = records[i].toEntry()
	}
	return out, nil
}
