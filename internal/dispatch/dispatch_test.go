package dispatch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/dispatch"
	"github.com/taskflow-core/taskflow/internal/job"
	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/queue"
	"github.com/taskflow-core/taskflow/internal/task"
)

type taskA struct{ task.Meta }
type taskB struct{ task.Meta }
type taskC struct{ task.Meta }

type fixture struct {
	manager    *job.JobManager
	queue      *queue.MemoryQueue
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New(config.LoggerConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	manager := job.New(4, log, nil)
	q := queue.NewMemoryQueue()
	d := dispatch.New(q, manager, log, nil)

	manager.Start(context.Background())
	t.Cleanup(func() {
		q.Close()
		manager.Join(5 * time.Second)
	})
	return &fixture{manager: manager, queue: q, dispatcher: d}
}

func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	require.NoError(t, f.dispatcher.Terminate(context.Background()))
	require.Eventually(t, f.dispatcher.IsExited, 5*time.Second, 10*time.Millisecond)
}

func countingHandler(n *int32) dispatch.HandlerFunc {
	return func(ctx context.Context, t task.Task, j *job.Job, m *job.JobManager, d *dispatch.Dispatcher) (*task.Result, error) {
		atomic.AddInt32(n, 1)
		return nil, nil
	}
}

func TestDispatchByTaskType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var onlyA, onlyB, all int32
	f.dispatcher.RegisterFor(&taskA{}, countingHandler(&onlyA))
	f.dispatcher.RegisterFor(&taskB{}, countingHandler(&onlyB))
	for _, sample := range []task.Task{&taskA{}, &taskB{}, &taskC{}} {
		f.dispatcher.RegisterFor(sample, countingHandler(&all))
	}

	f.dispatcher.Start(ctx)
	for _, tsk := range []task.Task{&taskA{}, &taskB{}, &taskC{}} {
		_, err := f.dispatcher.PostTask(ctx, tsk)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&all) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&onlyA))
	assert.Equal(t, int32(1), atomic.LoadInt32(&onlyB))

	f.shutdown(t)
}

func TestPostTaskAssignsUniqueIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id1, err := f.dispatcher.PostTask(ctx, &taskA{})
	require.NoError(t, err)
	id2, err := f.dispatcher.PostTask(ctx, &taskA{})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestPostTaskKeepsExistingID(t *testing.T) {
	f := newFixture(t)

	in := &taskA{}
	want, err := f.dispatcher.PostTask(context.Background(), in)
	require.NoError(t, err)

	// Re-posting does not reassign.
	got, err := f.dispatcher.PostTask(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUnknownTaskTypeIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var handled int32
	f.dispatcher.RegisterFor(&taskA{}, countingHandler(&handled))
	f.dispatcher.Start(ctx)

	// taskC has no handler; it must be consumed without effect and
	// without stalling the loop.
	_, err := f.dispatcher.PostTask(ctx, &taskC{})
	require.NoError(t, err)
	_, err = f.dispatcher.PostTask(ctx, &taskA{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.queue.Len())

	f.shutdown(t)
}

func TestResultRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var receivedIDs []string

	f.dispatcher.RegisterFor(&taskA{}, func(ctx context.Context, tk task.Task, j *job.Job, m *job.JobManager, d *dispatch.Dispatcher) (*task.Result, error) {
		return task.NewResult(tk, "done"), nil
	})
	f.dispatcher.RegisterFor(&task.Result{}, func(ctx context.Context, tk task.Task, j *job.Job, m *job.JobManager, d *dispatch.Dispatcher) (*task.Result, error) {
		mu.Lock()
		receivedIDs = append(receivedIDs, tk.TaskID().String())
		mu.Unlock()
		return nil, nil
	})

	f.dispatcher.Start(ctx)
	posted, err := f.dispatcher.PostTask(ctx, &taskA{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(receivedIDs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, posted.String(), receivedIDs[0])
	mu.Unlock()

	f.shutdown(t)
}

func TestHandlerErrorDoesNotRepostOrCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var resultSeen, secondHandled int32
	f.dispatcher.RegisterFor(&taskA{}, func(ctx context.Context, tk task.Task, j *job.Job, m *job.JobManager, d *dispatch.Dispatcher) (*task.Result, error) {
		panic("handler exploded")
	})
	f.dispatcher.RegisterFor(&task.Result{}, countingHandler(&resultSeen))
	f.dispatcher.RegisterFor(&taskB{}, countingHandler(&secondHandled))

	f.dispatcher.Start(ctx)
	_, err := f.dispatcher.PostTask(ctx, &taskA{})
	require.NoError(t, err)
	_, err = f.dispatcher.PostTask(ctx, &taskB{})
	require.NoError(t, err)

	// The loop survives the panic and keeps dispatching.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&secondHandled) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&resultSeen))

	f.shutdown(t)
}

func TestTerminateStopsLoopWithoutDraining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var handled int32
	f.dispatcher.RegisterFor(&taskA{}, countingHandler(&handled))
	f.dispatcher.Start(ctx)

	require.NoError(t, f.dispatcher.Terminate(ctx))
	require.Eventually(t, f.dispatcher.IsExited, 5*time.Second, 10*time.Millisecond)

	// Tasks posted after the sentinel is consumed stay in the queue.
	_, err := f.dispatcher.PostTask(ctx, &taskA{})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&handled))
	assert.Equal(t, 1, f.queue.Len())
}
