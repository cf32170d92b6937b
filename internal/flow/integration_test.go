package flow_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/dispatch"
	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/job"
	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/queue"
	"github.com/taskflow-core/taskflow/internal/task"
)

// workTask is the task every test step emits; its handler acknowledges
// it with a result, optionally failed.
type workTask struct {
	task.Meta
	Step string `json:"step"`
}

// postingLogic posts a workTask through the dispatcher on CreateTask
// and verifies done once the handler has processed it, mirroring a
// step whose verification inspects the effect the handler produced.
type postingLogic struct {
	dispatcher *dispatch.Dispatcher
	handled    *sync.Map
	name       string
	completed  int32
}

func (l *postingLogic) CreateTask(ctx context.Context, _ flow.Params) (uuid.UUID, error) {
	return l.dispatcher.PostTask(ctx, &workTask{Step: l.name})
}

func (l *postingLogic) VerifyDone(ctx context.Context, _ flow.Params) bool {
	_, ok := l.handled.Load(l.name)
	return ok
}

func (l *postingLogic) PostStep(ctx context.Context, _ flow.Params) {
	atomic.AddInt32(&l.completed, 1)
}

type loopFixture struct {
	manager    *job.JobManager
	dispatcher *dispatch.Dispatcher
	flows      *flow.Manager
	handled    *sync.Map
	cancel     context.CancelFunc
}

func newLoopFixture(t *testing.T, failSteps map[string]string) *loopFixture {
	t.Helper()
	log := logger.New(config.LoggerConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	manager := job.New(4, log, nil)
	q := queue.NewMemoryQueue()
	d := dispatch.New(q, manager, log, nil)
	flows := flow.NewManager(0, log, nil)

	handled := &sync.Map{}
	d.RegisterFor(&workTask{}, func(ctx context.Context, tk task.Task, j *job.Job, m *job.JobManager, disp *dispatch.Dispatcher) (*task.Result, error) {
		work := tk.(*workTask)
		result := task.NewResult(tk, work.Step)
		if reason, shouldFail := failSteps[work.Step]; shouldFail {
			result.Fail(reason)
		} else {
			handled.Store(work.Step, true)
		}
		return result, nil
	})
	flows.Register(d)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	d.Start(ctx)
	go flows.Run(ctx, 20*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		q.Close()
		manager.Join(5 * time.Second)
	})
	return &loopFixture{manager: manager, dispatcher: d, flows: flows, handled: handled, cancel: cancel}
}

func (f *loopFixture) addStep(t *testing.T, b *flow.Builder, name, after string) *flow.Step {
	t.Helper()
	logic := &postingLogic{dispatcher: f.dispatcher, handled: f.handled, name: name}
	step := flow.NewStep(name, logic, 0)
	require.NoError(t, b.ThenDo(step, after))
	return step
}

func TestWorkflowSuccessThroughDispatchLoop(t *testing.T) {
	f := newLoopFixture(t, nil)

	b := f.flows.Create()
	f.addStep(t, b, "step1", "")
	f.addStep(t, b, "step2", "step1")
	f.addStep(t, b, "step3", "step1")

	require.Eventually(t, f.flows.AllFinished, 10*time.Second, 20*time.Millisecond)
	assert.True(t, f.flows.AllDone())
	for _, step := range b.Workflow().Steps() {
		assert.Equal(t, flow.StateDone, step.State(), "step %s", step.Name())
	}
}

func TestWorkflowFailurePropagatesThroughDispatchLoop(t *testing.T) {
	f := newLoopFixture(t, map[string]string{"step2": "synthetic failure"})

	b := f.flows.Create()
	step1 := f.addStep(t, b, "step1", "")
	step2 := f.addStep(t, b, "step2", "step1")
	step4 := f.addStep(t, b, "step4", "step2")
	step3 := f.addStep(t, b, "step3", "step1")

	require.Eventually(t, f.flows.AllFinished, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, flow.StateDone, step1.State())
	assert.Equal(t, flow.StateDone, step3.State())
	assert.Equal(t, flow.StateError, step2.State())
	assert.Equal(t, flow.StateError, step4.State())
	assert.Equal(t, "Parent step failed", step4.FailureReason())
	assert.False(t, f.flows.AllDone())

	failed := 0
	for _, step := range b.Workflow().Steps() {
		if step.IsFailed() {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}
