package flow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/task"
)

func newTestFlowManager(t *testing.T, maxSteps int) *flow.Manager {
	t.Helper()
	log := logger.New(config.LoggerConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	return flow.NewManager(maxSteps, log, nil)
}

func TestManagerPollBudgetAcrossWorkflows(t *testing.T) {
	m := newTestFlowManager(t, 3)

	for i := 0; i < 2; i++ {
		b := m.Create()
		for _, name := range []string{"a", "b", "c"} {
			step, _ := newEmittingStep(name)
			require.NoError(t, b.ThenDo(step, ""))
		}
	}

	polled := m.Poll(context.Background())
	assert.Equal(t, 3, polled, "budget caps polls across all workflows")
}

func TestManagerUnlimitedBudget(t *testing.T) {
	m := newTestFlowManager(t, 0)

	b := m.Create()
	for _, name := range []string{"a", "b", "c"} {
		step, _ := newEmittingStep(name)
		require.NoError(t, b.ThenDo(step, ""))
	}

	assert.Equal(t, 3, m.Poll(context.Background()))
}

func TestManagerRoutesResultByTaskID(t *testing.T) {
	m := newTestFlowManager(t, 0)
	ctx := context.Background()

	b := m.Create()
	step, logic := newEmittingStep("only")
	require.NoError(t, b.ThenDo(step, ""))

	m.Poll(ctx)
	require.Equal(t, flow.StatePending, step.State())

	id, _ := step.TaskID()
	src := &failingSource{}
	src.SetTaskID(id)
	logic.verified = true

	_, err := m.HandleTaskResult(ctx, task.NewResult(src, nil), nil, nil, nil)
	require.NoError(t, err)

	m.Poll(ctx)
	assert.True(t, step.IsDone())
	assert.True(t, m.AllDone())
	assert.True(t, m.AllFinished())
}

func TestManagerIgnoresUnknownTaskID(t *testing.T) {
	m := newTestFlowManager(t, 0)
	ctx := context.Background()

	b := m.Create()
	step, _ := newEmittingStep("only")
	require.NoError(t, b.ThenDo(step, ""))
	m.Poll(ctx)

	src := &failingSource{}
	src.SetTaskID(uuid.New())
	_, err := m.HandleTaskResult(ctx, task.NewResult(src, nil), nil, nil, nil)
	require.NoError(t, err)

	m.Poll(ctx)
	assert.Equal(t, flow.StatePending, step.State())
}

func TestManagerResetStepsWithTimeout(t *testing.T) {
	m := newTestFlowManager(t, 0)
	ctx := context.Background()

	b := m.Create()
	step := flow.NewStep("slow", &emittingLogic{}, 5*time.Millisecond)
	require.NoError(t, b.ThenDo(step, ""))

	m.Poll(ctx)
	time.Sleep(10 * time.Millisecond)
	m.Poll(ctx)
	require.Equal(t, flow.StateTimeout, step.State())
	require.False(t, m.AllDone())
	require.True(t, m.AllFinished())

	m.ResetStepsWithTimeout()
	assert.Equal(t, flow.StateNew, step.State())
	assert.False(t, m.AllFinished())
}

func TestManagerAllDoneImpliesAllFinished(t *testing.T) {
	m := newTestFlowManager(t, 0)

	// No workflows at all: vacuously done and finished.
	assert.True(t, m.AllDone())
	assert.True(t, m.AllFinished())
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []flow.State
}

func (r *recordingSink) StepTransition(_ uuid.UUID, _ string, state flow.State, _ string) {
	r.mu.Lock()
	r.transitions = append(r.transitions, state)
	r.mu.Unlock()
}

func TestManagerEmitsTransitions(t *testing.T) {
	m := newTestFlowManager(t, 0)
	sink := &recordingSink{}
	m.AddEventSink(sink)

	b := m.Create()
	step, _ := newEmittingStep("only")
	require.NoError(t, b.ThenDo(step, ""))

	m.Poll(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.transitions)
	assert.Equal(t, flow.StatePending, sink.transitions[len(sink.transitions)-1])
}
