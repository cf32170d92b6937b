// Package flow implements the workflow engine: state-machine-backed
// steps that each emit one task and consume one result, workflows
// arranging steps into a dependency tree, and the manager that polls
// workflows and routes task results back to the steps that emitted
// them.
package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/task"
)

// State is a step's position in its lifecycle.
type State string

const (
	StateNew     State = "new"
	StatePending State = "pending"
	StateDone    State = "done"
	StateError   State = "error"
	StateTimeout State = "timeout"
)

// Terminal reports whether the state admits no further transitions
// short of an explicit Reset.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateTimeout
}

// Params is the shared argument bundle a workflow passes to every
// step's poll.
type Params struct {
	Args   []interface{}
	KWArgs map[string]interface{}
}

// Logic supplies the step-specific behavior behind the state machine.
// CreateTask posts whatever task the step needs done and returns its
// id; uuid.Nil or an error means the step could not start and goes
// straight to error. VerifyDone checks whether the step's effect is
// already (or now) in place. PostStep runs side effects after a
// successful verification, just before the step completes.
type Logic interface {
	CreateTask(ctx context.Context, params Params) (uuid.UUID, error)
	VerifyDone(ctx context.Context, params Params) bool
	PostStep(ctx context.Context, params Params)
}

// Step is one unit within a workflow: a five-state machine that emits
// at most one active task at a time and consumes at most one result.
// Poll drives the machine; SetTaskResult only records the result for
// the next Poll to observe, it never changes state itself.
type Step struct {
	name    string
	logic   Logic
	timeout time.Duration

	mu            sync.Mutex
	state         State
	dirty         bool
	taskID        uuid.UUID
	hasTaskID     bool
	taskCreatedAt time.Time
	result        *task.Result
	failureReason string
}

// NewStep creates a step in the NEW state. A timeout of zero means no
// timeout.
func NewStep(name string, logic Logic, timeout time.Duration) *Step {
	return &Step{
		name:    name,
		logic:   logic,
		timeout: timeout,
		state:   StateNew,
		dirty:   true,
	}
}

// Name returns the step's unique-per-workflow name.
func (s *Step) Name() string { return s.name }

// State returns the step's current state.
func (s *Step) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TaskID returns the id of the task the step emitted, and whether one
// has been emitted at all. Set iff the step has been PENDING at least
// once.
func (s *Step) TaskID() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID, s.hasTaskID
}

// FailureReason returns the recorded reason for an ERROR state.
func (s *Step) FailureReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureReason
}

// transition must be called with the mutex held.
func (s *Step) transition(next State) {
	if s.state == next {
		return
	}
	s.state = next
	s.dirty = true
}

// Poll advances the state machine one notch. Terminal states are left
// untouched.
func (s *Step) Poll(ctx context.Context, params Params) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateNew:
		s.pollNew(ctx, params)
	case StatePending:
		s.pollPending(ctx, params)
	}
}

func (s *Step) pollNew(ctx context.Context, params Params) {
	if s.logic.VerifyDone(ctx, params) {
		s.mu.Lock()
		s.transition(StateDone)
		s.mu.Unlock()
		return
	}

	id, err := s.logic.CreateTask(ctx, params)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || id == uuid.Nil {
		if err != nil {
			s.failureReason = err.Error()
		} else {
			s.failureReason = "task creation returned no id"
		}
		s.transition(StateError)
		return
	}
	s.taskID = id
	s.hasTaskID = true
	s.taskCreatedAt = time.Now()
	s.transition(StatePending)
}

func (s *Step) pollPending(ctx context.Context, params Params) {
	s.mu.Lock()
	if s.timeout > 0 && time.Since(s.taskCreatedAt) > s.timeout {
		s.transition(StateTimeout)
		s.mu.Unlock()
		return
	}
	result := s.result
	s.mu.Unlock()

	if result == nil {
		return
	}

	if result.Failed {
		s.Fail(failureReasonString(result.FailureReason))
		return
	}

	if s.logic.VerifyDone(ctx, params) {
		s.logic.PostStep(ctx, params)
		s.mu.Lock()
		s.transition(StateDone)
		s.mu.Unlock()
	} else {
		s.Fail("verification failed after task result")
	}
}

// SetTaskResult records the result of the step's emitted task for the
// next Poll to observe. No state change happens here; correctness
// depends on the next poll running.
func (s *Step) SetTaskResult(result *task.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
}

// Fail transitions the step to ERROR with the given reason. Only NEW
// and PENDING steps can fail; terminal states are left untouched.
func (s *Step) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.failureReason = reason
	s.transition(StateError)
}

// Reset recycles a PENDING, ERROR or TIMEOUT step back to NEW so the
// next poll re-emits its task. The recorded result is discarded so a
// stale result cannot complete the recycled step. Resetting a NEW or
// DONE step is a no-op.
func (s *Step) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePending, StateError, StateTimeout:
		s.result = nil
		s.failureReason = ""
		s.transition(StateNew)
	}
}

// IsDone reports terminal success.
func (s *Step) IsDone() bool { return s.State() == StateDone }

// IsPending reports that the step still has work ahead of it (NEW or
// PENDING).
func (s *Step) IsPending() bool {
	st := s.State()
	return st == StateNew || st == StatePending
}

// IsIncomplete is an alias of IsPending matching the workflow
// traversal vocabulary.
func (s *Step) IsIncomplete() bool { return s.IsPending() }

// IsFailed reports terminal failure (ERROR or TIMEOUT).
func (s *Step) IsFailed() bool {
	st := s.State()
	return st == StateError || st == StateTimeout
}

// IsTimeout reports the step timed out waiting for its result.
func (s *Step) IsTimeout() bool { return s.State() == StateTimeout }

// IsFinished reports any terminal state.
func (s *Step) IsFinished() bool { return s.State().Terminal() }

// IsDirty reports whether the state changed since the last ClearDirty.
func (s *Step) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ClearDirty acknowledges an observed state change.
func (s *Step) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

func failureReasonString(reason interface{}) string {
	if reason == nil {
		return "task failed"
	}
	if s, ok := reason.(string); ok {
		return s
	}
	if err, ok := reason.(error); ok {
		return err.Error()
	}
	return "task failed"
}

// FuncLogic adapts three plain functions into a Logic, for steps that
// do not need their own type. A nil VerifyFn verifies false, a nil
// PostFn does nothing.
type FuncLogic struct {
	CreateFn func(ctx context.Context, params Params) (uuid.UUID, error)
	VerifyFn func(ctx context.Context, params Params) bool
	PostFn   func(ctx context.Context, params Params)
}

func (f FuncLogic) CreateTask(ctx context.Context, params Params) (uuid.UUID, error) {
	if f.CreateFn == nil {
		return uuid.Nil, nil
	}
	return f.CreateFn(ctx, params)
}

func (f FuncLogic) VerifyDone(ctx context.Context, params Params) bool {
	if f.VerifyFn == nil {
		return false
	}
	return f.VerifyFn(ctx, params)
}

func (f FuncLogic) PostStep(ctx context.Context, params Params) {
	if f.PostFn != nil {
		f.PostFn(ctx, params)
	}
}
