package job_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/job"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
)

func newTestManager(t *testing.T, workers int) *job.JobManager {
	t.Helper()
	log := logger.New(loggerCfg())
	mgr := job.New(workers, log, nil)
	mgr.Start(context.Background())
	t.Cleanup(func() {
		mgr.Join(5 * time.Second)
	})
	return mgr
}

func TestSingleJobExecution(t *testing.T) {
	mgr := newTestManager(t, 4)

	var ran int32
	root := mgr.CreateJob(func(ctx context.Context, j *job.Job, m *job.JobManager) (interface{}, error) {
		atomic.StoreInt32(&ran, 1)
		return nil, nil
	})
	mgr.ScheduleJob(root)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubtaskFanOut(t *testing.T) {
	mgr := newTestManager(t, 4)

	const n = 100
	var mu sync.Mutex
	seen := make(map[int]bool, n)

	root := mgr.CreateJob(func(ctx context.Context, rootJob *job.Job, m *job.JobManager) (interface{}, error) {
		children := make([]*job.Job, n)
		for i := 0; i < n; i++ {
			i := i
			children[i] = m.CreateChildJob(rootJob, func(ctx context.Context, j *job.Job, m *job.JobManager) (interface{}, error) {
				mu.Lock()
				seen[i] = true
				mu.Unlock()
				return nil, nil
			})
			m.ScheduleJob(children[i])
		}
		for _, c := range children {
			m.Wait(ctx, c)
		}
		return nil, nil
	})
	mgr.ScheduleJob(root)

	require.Eventually(t, func() bool {
		return root.IsFinished()
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for i := 0; i < n; i++ {
		assert.True(t, seen[i], "missing index %d", i)
	}
}

func TestSingleWorkerStillProgresses(t *testing.T) {
	mgr := newTestManager(t, 1)

	done := make(chan struct{})
	root := mgr.CreateJob(func(ctx context.Context, rootJob *job.Job, m *job.JobManager) (interface{}, error) {
		child := m.CreateChildJob(rootJob, func(ctx context.Context, j *job.Job, m *job.JobManager) (interface{}, error) {
			close(done)
			return nil, nil
		})
		m.ScheduleJob(child)
		m.Wait(ctx, child)
		return nil, nil
	})
	mgr.ScheduleJob(root)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("single-worker job manager did not progress")
	}
}

func TestJobPanicStillFinishes(t *testing.T) {
	mgr := newTestManager(t, 2)

	root := mgr.CreateJob(func(ctx context.Context, j *job.Job, m *job.JobManager) (interface{}, error) {
		panic("boom")
	})
	mgr.ScheduleJob(root)

	require.Eventually(t, func() bool {
		return root.IsFinished()
	}, 5*time.Second, 10*time.Millisecond)
}
