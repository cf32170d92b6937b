package schedule_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/schedule"
)

func newTestScheduler(t *testing.T) *schedule.Scheduler {
	t.Helper()
	log := logger.New(config.LoggerConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	s := schedule.New(nil, log)
	t.Cleanup(func() {
		<-s.Stop().Done()
	})
	return s
}

func TestIntervalScheduleFires(t *testing.T) {
	s := newTestScheduler(t)

	var fired int32
	s.RegisterSubmitter("tick", func(ctx context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.CreateSchedule(context.Background(), &schedule.Entry{
		Name:      "fast",
		Submitter: "tick",
		Interval:  50 * time.Millisecond,
		Enabled:   true,
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.GreaterOrEqual(t, entries[0].RunCount, int64(1))
	assert.NotNil(t, entries[0].LastRun)
}

func TestScheduleValidation(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSubmitter("tick", func(ctx context.Context) error { return nil })
	ctx := context.Background()

	// Missing name.
	err := s.CreateSchedule(ctx, &schedule.Entry{Submitter: "tick", Interval: time.Second})
	require.Error(t, err)

	// Missing both cron expression and interval.
	err = s.CreateSchedule(ctx, &schedule.Entry{Name: "x", Submitter: "tick"})
	require.Error(t, err)

	// Malformed cron expression.
	err = s.CreateSchedule(ctx, &schedule.Entry{Name: "y", Submitter: "tick", CronExpr: "not a cron"})
	require.Error(t, err)
}

func TestUnknownSubmitterRejected(t *testing.T) {
	s := newTestScheduler(t)

	err := s.CreateSchedule(context.Background(), &schedule.Entry{
		Name:      "orphan",
		Submitter: "nobody",
		Interval:  time.Second,
		Enabled:   true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no submitter registered")
}

func TestDeleteSchedule(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterSubmitter("tick", func(ctx context.Context) error { return nil })
	ctx := context.Background()

	entry := &schedule.Entry{Name: "gone", Submitter: "tick", Interval: time.Hour, Enabled: true}
	require.NoError(t, s.CreateSchedule(ctx, entry))
	require.Len(t, s.Entries(), 1)

	require.NoError(t, s.DeleteSchedule(ctx, entry.ID))
	assert.Empty(t, s.Entries())
}
