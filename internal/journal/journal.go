// Package journal keeps a dispatch audit trail in the key-value
// store: one entry per dispatched task, keyed by task id, surfaced
// through the admin API.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/store/kvstore"
)

// Entry is one recorded dispatch.
type Entry struct {
	TaskID       uuid.UUID `json:"task_id"`
	TaskType     string    `json:"task_type"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Journal records dispatches into its own key prefix of the KV store.
type Journal struct {
	store  *kvstore.Store
	logger logger.Logger
}

// New creates a journal over the given store, scoped to the journal
// prefix.
func New(store *kvstore.Store, log logger.Logger) *Journal {
	return &Journal{
		store:  store.Table("taskflow:journal"),
		logger: log,
	}
}

// RecordDispatch writes one entry. It is called from the dispatcher's
// dispatch hook and must never fail the dispatch path, so errors are
// logged and swallowed.
func (j *Journal) RecordDispatch(taskID uuid.UUID, taskType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry := Entry{
		TaskID:       taskID,
		TaskType:     taskType,
		DispatchedAt: time.Now(),
	}
	if _, err := j.store.CreateOrUpdate(ctx, taskID, entry); err != nil {
		j.logger.Warn("journal: failed to record dispatch", "task_id", taskID, "error", err)
	}
}

// Entries returns every recorded dispatch.
func (j *Journal) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := j.store.IterateAll(ctx, func(_ uuid.UUID, data []byte) error {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	return out, err
}
