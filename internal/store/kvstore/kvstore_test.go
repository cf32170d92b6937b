package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/resilience"
)

func newBareStore(t *testing.T, prefix string) *Store {
	t.Helper()
	log := logger.New(config.LoggerConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	s := New(nil, prefix, log)
	s.retry = &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
	}
	return s
}

func TestKeyComposition(t *testing.T) {
	s := newBareStore(t, "taskflow")

	assert.Equal(t, "taskflow:abc", s.key("abc"))
	assert.Equal(t, "taskflow", s.key(""))
	assert.Equal(t, "taskflow:*", s.wildcard())
}

func TestTableDerivesSiblingPrefix(t *testing.T) {
	s := newBareStore(t, "taskflow")
	journal := s.Table("taskflow:journal")

	assert.Equal(t, "taskflow:journal:abc", journal.key("abc"))
	// The parent store's prefix is untouched.
	assert.Equal(t, "taskflow:abc", s.key("abc"))
}

func TestWithTransactionRetriesAtOutermostBoundary(t *testing.T) {
	s := newBareStore(t, "taskflow")

	attempts := 0
	err := s.WithTransaction(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestNestedTransactionParticipatesInParent(t *testing.T) {
	s := newBareStore(t, "taskflow")

	outerRuns, innerRuns := 0, 0
	err := s.WithTransaction(context.Background(), func(ctx context.Context) error {
		outerRuns++
		// The nested call must not open its own retry boundary: a
		// failure propagates to the parent untouched.
		return s.WithTransaction(ctx, func(ctx context.Context) error {
			innerRuns++
			if outerRuns < 2 {
				return errors.New("transient")
			}
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, outerRuns)
	assert.Equal(t, 2, innerRuns)
}
