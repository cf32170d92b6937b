// Package docstore is the document DAO over MongoDB: documents keyed
// by binary UUIDs, transactional sessions, and a retry-on-transient-
// error policy applied at the outermost transaction boundary.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/resilience"
)

// ErrNotFound is returned when no document exists under the given id.
var ErrNotFound = errors.New("docstore: not found")

// Store is a document DAO bound to one database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger logger.Logger
	retry  *resilience.RetryConfig
}

// New creates a store over the given database.
func New(client *mongo.Client, database string, log logger.Logger) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
		logger: log,
		retry:  resilience.DefaultRetryConfig(),
	}
}

// Collection returns a DAO over one collection sharing this store's
// client and policies.
func (s *Store) Collection(name string) *Collection {
	return &Collection{
		store: s,
		coll:  s.db.Collection(name),
	}
}

// WithTransaction runs fn inside a session transaction. A nested call
// on a context that already carries a session participates in it; a
// top-level call starts a fresh session and retries transient
// failures up to the configured attempt budget, surfacing the
// original error after the final attempt.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	return resilience.Retry(ctx, s.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			s.logger.Warn("docstore: retrying transaction", "attempt", attempt)
		}
		session, err := s.client.StartSession()
		if err != nil {
			return fmt.Errorf("docstore: start session: %w", err)
		}
		defer session.EndSession(ctx)

		_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return nil, fn(sc)
		})
		return err
	})
}

// Collection is the per-collection document DAO surface.
type Collection struct {
	store *Store
	coll  *mongo.Collection
}

// binaryID is the _id representation: a standard (subtype 4) binary
// UUID.
func binaryID(id uuid.UUID) primitive.Binary {
	return primitive.Binary{Subtype: 0x04, Data: id[:]}
}

// CreateOrUpdate upserts doc under the given id, minting a fresh id
// when the zero UUID is passed.
func (c *Collection) CreateOrUpdate(ctx context.Context, id uuid.UUID, doc interface{}) (uuid.UUID, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		return uuid.Nil, fmt.Errorf("docstore: marshal document: %w", err)
	}
	var body bson.M
	if err := bson.Unmarshal(data, &body); err != nil {
		return uuid.Nil, fmt.Errorf("docstore: rewrap document: %w", err)
	}
	delete(body, "_id")

	_, err = c.coll.UpdateOne(ctx,
		bson.M{"_id": binaryID(id)},
		bson.M{"$set": body},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("docstore: upsert: %w", err)
	}
	return id, nil
}

// Get decodes the document under id into dest.
func (c *Collection) Get(ctx context.Context, id uuid.UUID, dest interface{}) error {
	err := c.coll.FindOne(ctx, bson.M{"_id": binaryID(id)}).Decode(dest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("docstore: find one: %w", err)
	}
	return nil
}

// IterateAll walks every document in the collection.
func (c *Collection) IterateAll(ctx context.Context, fn func(raw bson.Raw) error) error {
	cursor, err := c.coll.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("docstore: find: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		if err := fn(cursor.Current); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// IterateKeys walks every document id in the collection.
func (c *Collection) IterateKeys(ctx context.Context, fn func(id uuid.UUID) error) error {
	cursor, err := c.coll.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return fmt.Errorf("docstore: find keys: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			ID primitive.Binary `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("docstore: decode key: %w", err)
		}
		id, err := uuid.FromBytes(doc.ID.Data)
		if err != nil {
			continue
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// Delete removes the document under id.
func (c *Collection) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := c.coll.DeleteOne(ctx, bson.M{"_id": binaryID(id)}); err != nil {
		return fmt.Errorf("docstore: delete: %w", err)
	}
	return nil
}
