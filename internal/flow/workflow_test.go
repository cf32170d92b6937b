package flow_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/task"
)

func newEmittingStep(name string) (*flow.Step, *emittingLogic) {
	logic := &emittingLogic{}
	return flow.NewStep(name, logic, 0), logic
}

func buildChain(t *testing.T, names ...string) (*flow.Workflow, map[string]*flow.Step, map[string]*emittingLogic) {
	t.Helper()
	b := flow.NewBuilder(flow.NewWorkflow())
	steps := make(map[string]*flow.Step, len(names))
	logics := make(map[string]*emittingLogic, len(names))
	after := ""
	for _, name := range names {
		step, logic := newEmittingStep(name)
		require.NoError(t, b.ThenDo(step, after))
		steps[name] = step
		logics[name] = logic
		after = name
	}
	return b.Workflow(), steps, logics
}

func TestBuilderRejectsMissingParent(t *testing.T) {
	b := flow.NewBuilder(flow.NewWorkflow())
	step, _ := newEmittingStep("child")

	err := b.ThenDo(step, "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such step")
}

func TestBuilderRejectsDuplicateName(t *testing.T) {
	b := flow.NewBuilder(flow.NewWorkflow())
	first, _ := newEmittingStep("fetch")
	second, _ := newEmittingStep("fetch")

	require.NoError(t, b.ThenDo(first, ""))
	err := b.ThenDo(second, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step")
}

func TestEmptyWorkflow(t *testing.T) {
	w := flow.NewWorkflow()

	assert.Equal(t, 0, w.Poll(context.Background(), 0))
	assert.True(t, w.IsDone())
	assert.True(t, w.IsFinished())
	assert.False(t, w.IsPending())
	assert.False(t, w.IsFailed())
}

func TestChildBlockedUntilParentDone(t *testing.T) {
	w, steps, logics := buildChain(t, "parent", "child")
	ctx := context.Background()

	// First poll only reaches the parent.
	polled := w.Poll(ctx, 0)
	assert.Equal(t, 1, polled)
	assert.Equal(t, flow.StatePending, steps["parent"].State())
	assert.Equal(t, flow.StateNew, steps["child"].State())
	assert.Equal(t, 0, logics["child"].created)

	// Complete the parent; the child becomes eligible.
	logics["parent"].verified = true
	deliverResult(steps["parent"])
	w.Poll(ctx, 0)
	require.Equal(t, flow.StateDone, steps["parent"].State())

	w.Poll(ctx, 0)
	assert.Equal(t, flow.StatePending, steps["child"].State())
}

func TestPollMaxCount(t *testing.T) {
	b := flow.NewBuilder(flow.NewWorkflow())
	for _, name := range []string{"a", "b", "c"} {
		step, _ := newEmittingStep(name)
		require.NoError(t, b.ThenDo(step, ""))
	}
	w := b.Workflow()

	assert.Equal(t, 2, w.Poll(context.Background(), 2))
}

func TestFailurePropagatesToDescendants(t *testing.T) {
	w, steps, logics := buildChain(t, "top", "mid", "leaf")
	ctx := context.Background()

	// Complete top, then fail mid via a failing result.
	w.Poll(ctx, 0)
	logics["top"].verified = true
	deliverResult(steps["top"])
	w.Poll(ctx, 0)
	w.Poll(ctx, 0)
	require.Equal(t, flow.StatePending, steps["mid"].State())

	id, _ := steps["mid"].TaskID()
	failed := &failingSource{}
	failed.SetTaskID(id)
	steps["mid"].SetTaskResult(task.NewResult(failed, nil).Fail("worker crashed"))
	w.Poll(ctx, 0)

	assert.Equal(t, flow.StateError, steps["mid"].State())
	assert.Equal(t, flow.StateError, steps["leaf"].State())
	assert.Equal(t, "Parent step failed", steps["leaf"].FailureReason())
	assert.Equal(t, 0, logics["leaf"].created, "failed subtree must not emit tasks")
	assert.True(t, w.IsFinished())
	assert.False(t, w.IsDone())
}

func TestSiblingsUnaffectedByFailure(t *testing.T) {
	b := flow.NewBuilder(flow.NewWorkflow())
	root, rootLogic := newEmittingStep("root")
	ok, okLogic := newEmittingStep("ok")
	bad, _ := newEmittingStep("bad")
	sub, subLogic := newEmittingStep("sub")
	require.NoError(t, b.ThenDo(root, ""))
	require.NoError(t, b.ThenDo(ok, "root"))
	require.NoError(t, b.ThenDo(bad, "root"))
	require.NoError(t, b.ThenDo(sub, "bad"))
	w := b.Workflow()
	ctx := context.Background()

	complete := func(step *flow.Step, logic *emittingLogic) {
		logic.verified = true
		deliverResult(step)
		w.Poll(ctx, 0)
	}

	w.Poll(ctx, 0)
	complete(root, rootLogic)
	w.Poll(ctx, 0)

	bad.Fail("synthetic failure")
	complete(ok, okLogic)
	w.Poll(ctx, 0)

	assert.Equal(t, flow.StateDone, ok.State())
	assert.Equal(t, flow.StateError, bad.State())
	assert.Equal(t, flow.StateError, sub.State())
	assert.Equal(t, 0, subLogic.created)
	assert.True(t, w.IsFailed())
}

func TestDoneNeverDecreasesBetweenPolls(t *testing.T) {
	w, steps, logics := buildChain(t, "a", "b")
	ctx := context.Background()

	w.Poll(ctx, 0)
	logics["a"].verified = true
	deliverResult(steps["a"])
	w.Poll(ctx, 0)
	require.True(t, steps["a"].IsDone())

	doneCount := func() int {
		n := 0
		for _, s := range w.Steps() {
			if s.IsDone() {
				n++
			}
		}
		return n
	}

	before := doneCount()
	for i := 0; i < 5; i++ {
		w.Poll(ctx, 0)
		assert.GreaterOrEqual(t, doneCount(), before)
	}
}

type failingSource struct {
	idHolder
}

type idHolder struct {
	id  uuid.UUID
	has bool
}

func (h *idHolder) TaskID() uuid.UUID      { return h.id }
func (h *idHolder) SetTaskID(id uuid.UUID) { h.id, h.has = id, true }
func (h *idHolder) HasTaskID() bool        { return h.has }
