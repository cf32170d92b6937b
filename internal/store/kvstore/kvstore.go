// Package kvstore is the key-value DAO over Redis: JSON entities
// stored under prefix:uuid keys, with list, hash and set primitives
// on values and a nestable transaction context retried at the
// outermost boundary.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/taskflow-core/taskflow/internal/platform/container"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/metrics"
	"github.com/taskflow-core/taskflow/internal/platform/resilience"
)

// ErrNotFound is returned when no entity exists under the given key.
var ErrNotFound = errors.New("kvstore: not found")

// Store is a key-value DAO bound to one key prefix. Table derives a
// sibling store for another prefix on the same client.
type Store struct {
	client  *redis.Client
	prefix  string
	logger  logger.Logger
	retry   *resilience.RetryConfig
	metrics *metrics.Metrics
}

// New creates a store for the given key prefix.
func New(client *redis.Client, prefix string, log logger.Logger) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		logger: log,
		retry:  resilience.DefaultRetryConfig(),
	}
}

// SetMetrics wires operation metrics.
func (s *Store) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// HealthCheck implements the container's health surface by pinging
// the backing Redis.
func (s *Store) HealthCheck(ctx context.Context) *container.ServiceHealthCheck {
	check := &container.ServiceHealthCheck{Name: container.ServiceKVStore, Status: "healthy"}
	if err := s.client.Ping(ctx).Err(); err != nil {
		check.Status = "unhealthy"
		check.Message = err.Error()
	}
	return check
}

// Table returns a store over another prefix sharing this store's
// client and policies.
func (s *Store) Table(prefix string) *Store {
	return &Store{client: s.client, prefix: prefix, logger: s.logger, retry: s.retry, metrics: s.metrics}
}

// observe records one operation's duration and outcome.
func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreOperationDuration.WithLabelValues("kv", op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.StoreOperationErrors.WithLabelValues("kv", op).Inc()
	}
}

func (s *Store) key(id string) string {
	if id == "" {
		return s.prefix
	}
	return s.prefix + ":" + id
}

func (s *Store) wildcard() string {
	return s.prefix + ":*"
}

type txContextKey struct{}

// WithTransaction runs fn inside a transaction context. A nested call
// on an already-active context participates in its parent; a
// top-level call owns the transaction boundary and retries transient
// failures up to the configured attempt budget.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txContextKey{}) != nil {
		return fn(ctx)
	}
	inner := context.WithValue(ctx, txContextKey{}, struct{}{})
	return resilience.Retry(ctx, s.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			s.logger.Warn("kvstore: retrying transaction", "attempt", attempt, "prefix", s.prefix)
		}
		return fn(inner)
	})
}

// CreateOrUpdate marshals obj as JSON under prefix:id, minting a
// fresh id when the zero UUID is passed.
func (s *Store) CreateOrUpdate(ctx context.Context, id uuid.UUID, obj interface{}) (uuid.UUID, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return uuid.Nil, fmt.Errorf("kvstore: marshal entity: %w", err)
	}
	start := time.Now()
	err = s.client.Set(ctx, s.key(id.String()), data, 0).Err()
	s.observe("set", start, err)
	if err != nil {
		return uuid.Nil, fmt.Errorf("kvstore: set %s: %w", s.key(id.String()), err)
	}
	return id, nil
}

// Get unmarshals the entity under prefix:id into dest.
func (s *Store) Get(ctx context.Context, id uuid.UUID, dest interface{}) error {
	start := time.Now()
	data, err := s.client.Get(ctx, s.key(id.String())).Bytes()
	s.observe("get", start, err)
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("kvstore: get %s: %w", s.key(id.String()), err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("kvstore: unmarshal entity: %w", err)
	}
	return nil
}

// Exists reports whether an entity is stored under prefix:id.
func (s *Store) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id.String())).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore: exists: %w", err)
	}
	return n > 0, nil
}

// IterateKeys walks every id stored under this prefix.
func (s *Store) IterateKeys(ctx context.Context, fn func(id uuid.UUID) error) error {
	iter := s.client.Scan(ctx, 0, s.wildcard(), 0).Iterator()
	for iter.Next(ctx) {
		parts := strings.Split(iter.Val(), ":")
		id, err := uuid.Parse(parts[len(parts)-1])
		if err != nil {
			continue
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return iter.Err()
}

// IterateAll walks every entity stored under this prefix, handing the
// raw JSON payload to fn.
func (s *Store) IterateAll(ctx context.Context, fn func(id uuid.UUID, data []byte) error) error {
	return s.IterateKeys(ctx, func(id uuid.UUID) error {
		data, err := s.client.Get(ctx, s.key(id.String())).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("kvstore: get during iterate: %w", err)
		}
		return fn(id, data)
	})
}

// Delete removes the entity under prefix:id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := s.client.Del(ctx, s.key(id.String())).Err()
	s.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// ListPush pushes data onto the head of the list at prefix:id.
func (s *Store) ListPush(ctx context.Context, id uuid.UUID, data []byte) (int64, error) {
	n, err := s.client.LPush(ctx, s.key(id.String()), data).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore: lpush: %w", err)
	}
	return n, nil
}

// ListPop pops one entry from the head of the list at prefix:id,
// returning ErrNotFound on an empty list.
func (s *Store) ListPop(ctx context.Context, id uuid.UUID) ([]byte, error) {
	data, err := s.client.LPop(ctx, s.key(id.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: lpop: %w", err)
	}
	return data, nil
}

// ListSet overwrites the entry at index in the list at prefix:id.
func (s *Store) ListSet(ctx context.Context, id uuid.UUID, index int64, data []byte) error {
	if err := s.client.LSet(ctx, s.key(id.String()), index, data).Err(); err != nil {
		return fmt.Errorf("kvstore: lset: %w", err)
	}
	return nil
}

// ListHas reports whether data occurs anywhere in the list at
// prefix:id.
func (s *Store) ListHas(ctx context.Context, id uuid.UUID, data []byte) (bool, error) {
	positions, err := s.client.LPosCount(ctx, s.key(id.String()), string(data), 0, redis.LPosArgs{}).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore: lpos: %w", err)
	}
	return len(positions) > 0, nil
}

// ListLen returns the length of the list at prefix:id.
func (s *Store) ListLen(ctx context.Context, id uuid.UUID) (int64, error) {
	n, err := s.client.LLen(ctx, s.key(id.String())).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore: llen: %w", err)
	}
	return n, nil
}

// HashSet sets field to data in the hash at prefix:id.
func (s *Store) HashSet(ctx context.Context, id uuid.UUID, field string, data []byte) error {
	if err := s.client.HSet(ctx, s.key(id.String()), field, data).Err(); err != nil {
		return fmt.Errorf("kvstore: hset: %w", err)
	}
	return nil
}

// HashGet reads field from the hash at prefix:id.
func (s *Store) HashGet(ctx context.Context, id uuid.UUID, field string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.key(id.String()), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: hget: %w", err)
	}
	return data, nil
}

// HashKeys lists the fields of the hash at prefix:id.
func (s *Store) HashKeys(ctx context.Context, id uuid.UUID) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key(id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: hkeys: %w", err)
	}
	return keys, nil
}

// SetAdd adds data to the set at prefix:id.
func (s *Store) SetAdd(ctx context.Context, id uuid.UUID, data []byte) error {
	if err := s.client.SAdd(ctx, s.key(id.String()), data).Err(); err != nil {
		return fmt.Errorf("kvstore: sadd: %w", err)
	}
	return nil
}

// SetRemove removes data from the set at prefix:id.
func (s *Store) SetRemove(ctx context.Context, id uuid.UUID, data []byte) error {
	if err := s.client.SRem(ctx, s.key(id.String()), data).Err(); err != nil {
		return fmt.Errorf("kvstore: srem: %w", err)
	}
	return nil
}

// SetMembers lists the members of the set at prefix:id.
func (s *Store) SetMembers(ctx context.Context, id uuid.UUID) ([][]byte, error) {
	members, err := s.client.SMembers(ctx, s.key(id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: smembers: %w", err)
	}
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}
