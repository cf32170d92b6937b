package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/task"
)

// emittingLogic emits a fresh task id per CreateTask and verifies done
// once a result has been delivered to verified.
type emittingLogic struct {
	created  int
	verified bool
	posted   int
}

func (l *emittingLogic) CreateTask(context.Context, flow.Params) (uuid.UUID, error) {
	l.created++
	return uuid.New(), nil
}

func (l *emittingLogic) VerifyDone(context.Context, flow.Params) bool { return l.verified }

func (l *emittingLogic) PostStep(context.Context, flow.Params) { l.posted++ }

func deliverResult(step *flow.Step) {
	id, _ := step.TaskID()
	src := &task.TerminateDispatcherLoop{}
	src.SetTaskID(id)
	step.SetTaskResult(task.NewResult(src, nil))
}

func TestStepNewToPending(t *testing.T) {
	logic := &emittingLogic{}
	step := flow.NewStep("fetch", logic, 0)

	assert.Equal(t, flow.StateNew, step.State())
	assert.True(t, step.IsDirty())

	step.Poll(context.Background(), flow.Params{})

	assert.Equal(t, flow.StatePending, step.State())
	_, has := step.TaskID()
	assert.True(t, has)
	assert.Equal(t, 1, logic.created)
}

func TestStepAlreadyDoneSkipsTask(t *testing.T) {
	logic := &emittingLogic{verified: true}
	step := flow.NewStep("fetch", logic, 0)

	step.Poll(context.Background(), flow.Params{})

	assert.Equal(t, flow.StateDone, step.State())
	_, has := step.TaskID()
	assert.False(t, has, "no task should be emitted when verify succeeds on first poll")
	assert.Equal(t, 0, logic.created)
}

func TestStepCreateTaskFailure(t *testing.T) {
	step := flow.NewStep("fetch", flow.FuncLogic{
		CreateFn: func(context.Context, flow.Params) (uuid.UUID, error) {
			return uuid.Nil, errors.New("upstream unavailable")
		},
	}, 0)

	step.Poll(context.Background(), flow.Params{})

	assert.Equal(t, flow.StateError, step.State())
	assert.Equal(t, "upstream unavailable", step.FailureReason())
}

func TestStepResultCompletesOnNextPoll(t *testing.T) {
	logic := &emittingLogic{}
	step := flow.NewStep("fetch", logic, 0)
	ctx := context.Background()

	step.Poll(ctx, flow.Params{})
	require.Equal(t, flow.StatePending, step.State())

	// A result alone changes nothing until the next poll observes it.
	logic.verified = true
	deliverResult(step)
	assert.Equal(t, flow.StatePending, step.State())

	step.Poll(ctx, flow.Params{})
	assert.Equal(t, flow.StateDone, step.State())
	assert.Equal(t, 1, logic.posted)
}

func TestStepVerificationFailureAfterResult(t *testing.T) {
	logic := &emittingLogic{}
	step := flow.NewStep("fetch", logic, 0)
	ctx := context.Background()

	step.Poll(ctx, flow.Params{})
	deliverResult(step)
	step.Poll(ctx, flow.Params{})

	assert.Equal(t, flow.StateError, step.State())
	assert.Equal(t, 0, logic.posted)
}

func TestStepFailedResult(t *testing.T) {
	logic := &emittingLogic{}
	step := flow.NewStep("fetch", logic, 0)
	ctx := context.Background()

	step.Poll(ctx, flow.Params{})
	require.Equal(t, flow.StatePending, step.State())
	// A failed result wins even when verification would now succeed.
	logic.verified = true
	id, _ := step.TaskID()
	src := &task.TerminateDispatcherLoop{}
	src.SetTaskID(id)
	step.SetTaskResult(task.NewResult(src, nil).Fail("handler exploded"))
	step.Poll(ctx, flow.Params{})

	assert.Equal(t, flow.StateError, step.State())
	assert.Equal(t, "handler exploded", step.FailureReason())
}

func TestStepTimeout(t *testing.T) {
	logic := &emittingLogic{}
	step := flow.NewStep("fetch", logic, 10*time.Millisecond)
	ctx := context.Background()

	step.Poll(ctx, flow.Params{})
	require.Equal(t, flow.StatePending, step.State())

	time.Sleep(20 * time.Millisecond)
	step.Poll(ctx, flow.Params{})

	assert.Equal(t, flow.StateTimeout, step.State())
	assert.True(t, step.IsFailed())
}

func TestStepZeroTimeoutNeverExpires(t *testing.T) {
	step := flow.NewStep("fetch", &emittingLogic{}, 0)
	ctx := context.Background()

	step.Poll(ctx, flow.Params{})
	time.Sleep(20 * time.Millisecond)
	step.Poll(ctx, flow.Params{})

	assert.Equal(t, flow.StatePending, step.State())
}

func TestStepResetIsIdempotent(t *testing.T) {
	logic := &emittingLogic{}
	step := flow.NewStep("fetch", logic, time.Millisecond)
	ctx := context.Background()

	step.Poll(ctx, flow.Params{})
	time.Sleep(5 * time.Millisecond)
	step.Poll(ctx, flow.Params{})
	require.Equal(t, flow.StateTimeout, step.State())

	step.Reset()
	assert.Equal(t, flow.StateNew, step.State())
	step.Reset()
	assert.Equal(t, flow.StateNew, step.State())
}

func TestStepTerminalStatesStay(t *testing.T) {
	logic := &emittingLogic{verified: true}
	step := flow.NewStep("fetch", logic, 0)
	ctx := context.Background()

	step.Poll(ctx, flow.Params{})
	require.Equal(t, flow.StateDone, step.State())

	// Neither further polls nor failures move a terminal step.
	step.Poll(ctx, flow.Params{})
	step.Fail("too late")
	step.Reset()
	assert.Equal(t, flow.StateDone, step.State())
}

func TestStepDirtyBit(t *testing.T) {
	logic := &emittingLogic{}
	step := flow.NewStep("fetch", logic, 0)

	step.ClearDirty()
	assert.False(t, step.IsDirty())

	step.Poll(context.Background(), flow.Params{})
	assert.True(t, step.IsDirty())

	step.ClearDirty()
	step.Poll(context.Background(), flow.Params{})
	assert.False(t, step.IsDirty(), "no transition happened, dirty must stay clear")
}
