package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/dispatch"
	"github.com/taskflow-core/taskflow/internal/job"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/metrics"
	"github.com/taskflow-core/taskflow/internal/platform/telemetry"
	"github.com/taskflow-core/taskflow/internal/task"
)

// EventSink receives step state transitions as the manager observes
// them (via the dirty bit) after each poll cycle. The admin surface
// plugs in here to stream transitions to connected clients.
type EventSink interface {
	StepTransition(workflowID uuid.UUID, stepName string, state State, reason string)
}

// StepSnapshot is the persisted form of one step's state.
type StepSnapshot struct {
	Name          string    `json:"name" bson:"name"`
	State         State     `json:"state" bson:"state"`
	TaskID        uuid.UUID `json:"task_id" bson:"task_id"`
	HasTaskID     bool      `json:"has_task_id" bson:"has_task_id"`
	FailureReason string    `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
}

// WorkflowSnapshot is the persisted form of one workflow's progress.
type WorkflowSnapshot struct {
	WorkflowID uuid.UUID      `json:"workflow_id" bson:"workflow_id"`
	SavedAt    time.Time      `json:"saved_at" bson:"saved_at"`
	Steps      []StepSnapshot `json:"steps" bson:"steps"`
}

// SnapshotStore persists workflow snapshots; the document store
// implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap WorkflowSnapshot) error
	LoadSnapshots(ctx context.Context) ([]WorkflowSnapshot, error)
}

// Manager owns workflows: it polls them on a budget, routes task
// results back to the steps that emitted the matching tasks, recycles
// timed-out steps, and persists progress snapshots.
type Manager struct {
	mu                 sync.Mutex
	workflows          []*Workflow
	maxConcurrentSteps int

	logger  logger.Logger
	metrics *metrics.Metrics
	tel     *telemetry.Telemetry
	sinks   []EventSink
}

// NewManager creates a workflow manager. maxConcurrentSteps bounds
// how many steps one Poll cycle may poll across all workflows; zero
// means unlimited.
func NewManager(maxConcurrentSteps int, log logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		maxConcurrentSteps: maxConcurrentSteps,
		logger:             log,
		metrics:            m,
	}
}

// SetTelemetry wires tracing; each poll cycle then runs inside its
// own span.
func (m *Manager) SetTelemetry(t *telemetry.Telemetry) { m.tel = t }

// AddEventSink registers a sink for observed step transitions. All
// registered sinks see every transition.
func (m *Manager) AddEventSink(s EventSink) { m.sinks = append(m.sinks, s) }

// MaxConcurrentSteps returns the per-cycle poll budget.
func (m *Manager) MaxConcurrentSteps() int { return m.maxConcurrentSteps }

// Create allocates an empty workflow, registers it, and returns a
// builder for it.
func (m *Manager) Create() *Builder {
	w := NewWorkflow()
	m.mu.Lock()
	m.workflows = append(m.workflows, w)
	if m.metrics != nil {
		m.metrics.WorkflowsRegistered.Set(float64(len(m.workflows)))
	}
	m.mu.Unlock()
	m.logger.Debug("workflow created", "workflow_id", w.ID())
	return NewBuilder(w)
}

// Workflows returns the registered workflows in insertion order.
func (m *Manager) Workflows() []*Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Workflow(nil), m.workflows...)
}

// Poll polls every workflow in insertion order, spreading the
// per-cycle step budget across them, and returns the number of steps
// polled.
func (m *Manager) Poll(ctx context.Context) int {
	ctx, span := m.tel.TracePollCycle(ctx)
	defer span.End()

	polled := 0
	for _, w := range m.Workflows() {
		if m.maxConcurrentSteps > 0 {
			remaining := m.maxConcurrentSteps - polled
			if remaining <= 0 {
				break
			}
			polled += w.Poll(ctx, remaining)
		} else {
			polled += w.Poll(ctx, 0)
		}
	}

	span.SetAttributes(telemetry.AttrStepsPolled.Int(polled))
	if m.metrics != nil {
		m.metrics.WorkflowStepsPolled.Add(float64(polled))
	}
	m.flushDirty()
	return polled
}

// flushDirty reports every step whose state changed since the last
// cycle to the log, metrics and the event sink, then clears the
// dirty bits.
func (m *Manager) flushDirty() {
	for _, w := range m.Workflows() {
		for _, step := range w.Steps() {
			if !step.IsDirty() {
				continue
			}
			state := step.State()
			m.logger.Info("workflow step transition",
				"workflow_id", w.ID(),
				"step", step.Name(),
				"state", string(state),
			)
			if m.metrics != nil {
				m.metrics.WorkflowStepTransitions.WithLabelValues(string(state)).Inc()
			}
			for _, sink := range m.sinks {
				sink.StepTransition(w.ID(), step.Name(), state, step.FailureReason())
			}
			step.ClearDirty()
		}
	}
}

// HandleTaskResult is the handler the manager registers with the
// dispatcher under the task.Result type: it delivers the result to
// every incomplete step whose emitted task carries the result's id.
// The state change itself happens on the next poll.
func (m *Manager) HandleTaskResult(ctx context.Context, t task.Task, _ *job.Job, _ *job.JobManager, _ *dispatch.Dispatcher) (*task.Result, error) {
	result, ok := t.(*task.Result)
	if !ok {
		return nil, nil
	}

	for _, w := range m.Workflows() {
		for _, step := range w.IncompleteSteps() {
			id, has := step.TaskID()
			if has && id == result.TaskID() {
				m.logger.Info("task result routed to step",
					"task_id", result.TaskID(),
					"step", step.Name(),
				)
				step.SetTaskResult(result)
			}
		}
	}
	return nil, nil
}

// Register wires the manager into the dispatcher as the handler for
// task results.
func (m *Manager) Register(d *dispatch.Dispatcher) {
	d.RegisterFor(&task.Result{}, m.HandleTaskResult)
}

// ResetStepsWithTimeout recycles every timed-out step back to NEW so
// the next poll re-emits its task.
func (m *Manager) ResetStepsWithTimeout() {
	for _, w := range m.Workflows() {
		for _, step := range w.Steps() {
			if step.IsTimeout() {
				step.Reset()
			}
		}
	}
}

// AllDone reports every step of every workflow completed
// successfully.
func (m *Manager) AllDone() bool {
	for _, w := range m.Workflows() {
		if !w.IsDone() {
			return false
		}
	}
	return true
}

// AllFinished reports every step of every workflow reached a
// terminal state.
func (m *Manager) AllFinished() bool {
	for _, w := range m.Workflows() {
		if !w.IsFinished() {
			return false
		}
	}
	return true
}

// Run polls on the given interval until ctx is canceled. This is the
// timer the step state machines advance on; timeout detection
// granularity equals the interval.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Persist saves one snapshot per workflow to the given store.
func (m *Manager) Persist(ctx context.Context, store SnapshotStore) error {
	for _, w := range m.Workflows() {
		snap := WorkflowSnapshot{
			WorkflowID: w.ID(),
			SavedAt:    time.Now(),
		}
		for _, step := range w.Steps() {
			id, has := step.TaskID()
			snap.Steps = append(snap.Steps, StepSnapshot{
				Name:          step.Name(),
				State:         step.State(),
				TaskID:        id,
				HasTaskID:     has,
				FailureReason: step.FailureReason(),
			})
		}
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads snapshots from the store and applies each to the
// registered workflow with the matching id, by step name. Steps
// absent from a snapshot keep their current state.
func (m *Manager) Restore(ctx context.Context, store SnapshotStore) error {
	snaps, err := store.LoadSnapshots(ctx)
	if err != nil {
		return err
	}

	byID := make(map[uuid.UUID]WorkflowSnapshot, len(snaps))
	for _, snap := range snaps {
		byID[snap.WorkflowID] = snap
	}

	for _, w := range m.Workflows() {
		snap, ok := byID[w.ID()]
		if !ok {
			continue
		}
		states := make(map[string]StepSnapshot, len(snap.Steps))
		for _, ss := range snap.Steps {
			states[ss.Name] = ss
		}
		for _, step := range w.Steps() {
			if ss, ok := states[step.Name()]; ok {
				step.restore(ss)
			}
		}
	}
	return nil
}

// restore overwrites the step's state from a snapshot. Restored
// PENDING steps get a fresh deadline rather than timing out
// immediately.
func (s *Step) restore(snap StepSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = snap.State
	s.taskID = snap.TaskID
	s.hasTaskID = snap.HasTaskID
	s.failureReason = snap.FailureReason
	if snap.State == StatePending {
		s.taskCreatedAt = time.Now()
	}
	s.dirty = true
}
