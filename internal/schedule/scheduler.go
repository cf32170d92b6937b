// Package schedule drives periodic workflow submission: cron- or
// interval-based entries that, when they fire, run a registered
// submitter which typically builds a workflow on the workflow manager
// or posts a task through the dispatcher.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
)

// Entry is one registered schedule.
type Entry struct {
	ID        uuid.UUID     `json:"id"`
	Name      string        `json:"name" validate:"required"`
	Submitter string        `json:"submitter" validate:"required"`
	CronExpr  string        `json:"cron_expr" validate:"required_without=Interval"`
	Interval  time.Duration `json:"interval"`
	Enabled   bool          `json:"enabled"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	RunCount  int64         `json:"run_count"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	entryID cron.EntryID
}

// Repository defines schedule persistence.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	Update(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListEnabled(ctx context.Context) ([]*Entry, error)
}

// SubmitFunc performs one scheduled submission.
type SubmitFunc func(ctx context.Context) error

// Scheduler owns the cron runner and the submitter registry. Entries
// are validated on registration and loaded from the repository on
// start.
type Scheduler struct {
	cron       *cron.Cron
	repository Repository
	validate   *validator.Validate
	logger     logger.Logger

	mu         sync.RWMutex
	entries    map[uuid.UUID]*Entry
	submitters map[string]SubmitFunc
}

// New creates a scheduler. A nil repository keeps schedules
// in-memory only.
func New(repo Repository, log logger.Logger) *Scheduler {
	c := cron.New(
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	return &Scheduler{
		cron:       c,
		repository: repo,
		validate:   validator.New(),
		logger:     log,
		entries:    make(map[uuid.UUID]*Entry),
		submitters: make(map[string]SubmitFunc),
	}
}

// RegisterSubmitter binds a name usable by schedule entries to a
// submission function.
func (s *Scheduler) RegisterSubmitter(name string, fn SubmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitters[name] = fn
}

// Start loads enabled entries from the repository and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.repository != nil {
		entries, err := s.repository.ListEnabled(ctx)
		if err != nil {
			return fmt.Errorf("schedule: load schedules: %w", err)
		}
		for _, entry := range entries {
			if err := s.addEntry(entry); err != nil {
				s.logger.Error("schedule: skipping entry", "name", entry.Name, "error", err)
			}
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops firing; the returned context is done once in-flight
// submissions complete.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// CreateSchedule validates, persists and activates a new entry.
func (s *Scheduler) CreateSchedule(ctx context.Context, entry *Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt

	if err := s.validate.Struct(entry); err != nil {
		return fmt.Errorf("schedule: invalid entry: %w", err)
	}
	if entry.CronExpr != "" {
		if _, err := cron.ParseStandard(entry.CronExpr); err != nil {
			return fmt.Errorf("schedule: invalid cron expression %q: %w", entry.CronExpr, err)
		}
	}

	if s.repository != nil {
		if err := s.repository.Create(ctx, entry); err != nil {
			return fmt.Errorf("schedule: persist entry: %w", err)
		}
	}

	if entry.Enabled {
		if err := s.addEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSchedule deactivates and removes an entry.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry.entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if s.repository != nil {
		return s.repository.Delete(ctx, id)
	}
	return nil
}

// Entries returns the active entries.
func (s *Scheduler) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) addEntry(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	submit, ok := s.submitters[entry.Submitter]
	if !ok {
		return fmt.Errorf("schedule: no submitter registered for %q", entry.Submitter)
	}

	run := func() { s.fire(entry, submit) }

	var err error
	if entry.CronExpr != "" {
		entry.entryID, err = s.cron.AddFunc(entry.CronExpr, run)
	} else if entry.Interval > 0 {
		entry.entryID = s.cron.Schedule(cron.Every(entry.Interval), cron.FuncJob(run))
	} else {
		return fmt.Errorf("schedule: entry %q has neither cron expression nor interval", entry.Name)
	}
	if err != nil {
		return fmt.Errorf("schedule: add entry %q: %w", entry.Name, err)
	}

	s.entries[entry.ID] = entry
	return nil
}

func (s *Scheduler) fire(entry *Entry, submit SubmitFunc) {
	ctx := context.Background()
	s.logger.Debug("schedule fired", "name", entry.Name)

	if err := submit(ctx); err != nil {
		s.logger.Error("scheduled submission failed", "name", entry.Name, "error", err)
		return
	}

	now := time.Now()
	s.mu.Lock()
	entry.LastRun = &now
	entry.RunCount++
	entry.UpdatedAt = now
	s.mu.Unlock()

	if s.repository != nil {
		if err := s.repository.Update(ctx, entry); err != nil {
			s.logger.Warn("schedule: failed to persist run bookkeeping", "name", entry.Name, "error", err)
		}
	}
}
