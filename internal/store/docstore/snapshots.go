package docstore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/taskflow-core/taskflow/internal/flow"
)

// SnapshotStore persists workflow progress snapshots in a dedicated
// collection, one document per workflow keyed by the workflow's id.
// It backs flow.Manager.Persist and Restore.
type SnapshotStore struct {
	store *Store
	coll  *Collection
}

// NewSnapshotStore creates a snapshot store over the given
// collection name.
func NewSnapshotStore(store *Store, collection string) *SnapshotStore {
	return &SnapshotStore{
		store: store,
		coll:  store.Collection(collection),
	}
}

// SaveSnapshot upserts the snapshot under its workflow id inside a
// transaction.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap flow.WorkflowSnapshot) error {
	return s.store.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := s.coll.CreateOrUpdate(ctx, snap.WorkflowID, snap)
		return err
	})
}

// LoadSnapshots returns every stored snapshot.
func (s *SnapshotStore) LoadSnapshots(ctx context.Context) ([]flow.WorkflowSnapshot, error) {
	var out []flow.WorkflowSnapshot
	err := s.coll.IterateAll(ctx, func(raw bson.Raw) error {
		var snap flow.WorkflowSnapshot
		if err := bson.Unmarshal(raw, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}
