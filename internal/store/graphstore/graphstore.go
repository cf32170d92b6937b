// Package graphstore is the graph DAO over Neo4j: node upsert by
// label + id, lookup by property map, and bounded deletion. Write
// operations run inside managed transactions with the shared
// transient-failure retry applied at the outermost boundary.
package graphstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/resilience"
)

// Store is the graph DAO.
type Store struct {
	driver neo4j.DriverWithContext
	logger logger.Logger
	retry  *resilience.RetryConfig
}

// New creates a store over the given driver.
func New(driver neo4j.DriverWithContext, log logger.Logger) *Store {
	return &Store{
		driver: driver,
		logger: log,
		retry:  resilience.DefaultRetryConfig(),
	}
}

// UpsertNode merges a node of the given label under id and overwrites
// its properties, minting a fresh id when the zero UUID is passed.
// The id is stored as a string property alongside the rest.
func (s *Store) UpsertNode(ctx context.Context, label string, id uuid.UUID, properties map[string]interface{}) (uuid.UUID, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}

	props := make(map[string]interface{}, len(properties)+1)
	for k, v := range properties {
		props[k] = sanitizeValue(v)
	}
	props["id"] = id.String()

	err := resilience.Retry(ctx, s.retry, func(ctx context.Context, attempt int) error {
		session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
		defer session.Close(ctx)

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			query := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n = $props RETURN n.id", label)
			_, err := tx.Run(ctx, query, map[string]interface{}{
				"id":    id.String(),
				"props": props,
			})
			return nil, err
		})
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("graphstore: upsert %s node: %w", label, err)
	}
	return id, nil
}

// FindByProperties returns the property maps of every node of the
// given label matching all entries of the filter. An empty filter
// matches every node of the label.
func (s *Store) FindByProperties(ctx context.Context, label string, filter map[string]interface{}) ([]map[string]interface{}, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := fmt.Sprintf("MATCH (n:%s) WHERE all(k IN keys($filter) WHERE n[k] = $filter[k]) RETURN properties(n) AS props", label)
		result, err := tx.Run(ctx, query, map[string]interface{}{"filter": sanitizeMap(filter)})
		if err != nil {
			return nil, err
		}

		var nodes []map[string]interface{}
		for result.Next(ctx) {
			props, ok := result.Record().Get("props")
			if !ok {
				continue
			}
			if m, ok := props.(map[string]interface{}); ok {
				nodes = append(nodes, m)
			}
		}
		return nodes, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graphstore: find %s nodes: %w", label, err)
	}
	return out.([]map[string]interface{}), nil
}

// GetNode returns the property map of the node of the given label
// under id, or nil when none exists.
func (s *Store) GetNode(ctx context.Context, label string, id uuid.UUID) (map[string]interface{}, error) {
	nodes, err := s.FindByProperties(ctx, label, map[string]interface{}{"id": id.String()})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// DeleteWithLimit detaches and deletes at most limit nodes of the
// given label matching the filter, returning how many were removed.
// A non-positive limit deletes every match.
func (s *Store) DeleteWithLimit(ctx context.Context, label string, filter map[string]interface{}, limit int) (int, error) {
	var deleted int
	err := resilience.Retry(ctx, s.retry, func(ctx context.Context, attempt int) error {
		session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
		defer session.Close(ctx)

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			query := fmt.Sprintf("MATCH (n:%s) WHERE all(k IN keys($filter) WHERE n[k] = $filter[k])", label)
			params := map[string]interface{}{"filter": sanitizeMap(filter)}
			if limit > 0 {
				query += " WITH n LIMIT $limit"
				params["limit"] = limit
			}
			query += " DETACH DELETE n RETURN count(n) AS deleted"

			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			record, err := result.Single(ctx)
			if err != nil {
				return nil, err
			}
			if n, ok := record.Get("deleted"); ok {
				if count, ok := n.(int64); ok {
					deleted = int(count)
				}
			}
			return nil, nil
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("graphstore: delete %s nodes: %w", label, err)
	}
	return deleted, nil
}

// Close shuts down the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// sanitizeValue converts values the bolt protocol cannot carry
// natively, UUIDs in particular, into strings.
func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case uuid.UUID:
		return val.String()
	case map[string]interface{}:
		return sanitizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}
