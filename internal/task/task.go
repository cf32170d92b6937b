// Package task defines the typed task and task-result vocabulary the
// dispatcher and task queue operate on. A Task is an opaque, typed
// record with at minimum a unique id assigned on first post if
// absent; the dispatcher dispatches on the task's runtime type.
package task

import "github.com/google/uuid"

// Task is implemented by every dispatchable payload. Concrete task
// types embed Meta to get TaskID/SetTaskID for free.
type Task interface {
	TaskID() uuid.UUID
	SetTaskID(id uuid.UUID)
	HasTaskID() bool
}

// Meta is embedded by concrete task types to provide task identity.
type Meta struct {
	id    uuid.UUID
	hasID bool
}

// TaskID returns the task's id, which may be the zero UUID if none
// has been assigned yet.
func (m *Meta) TaskID() uuid.UUID {
	return m.id
}

// SetTaskID assigns the task's id. Called by the dispatcher on first
// post if the task does not already carry one.
func (m *Meta) SetTaskID(id uuid.UUID) {
	m.id = id
	m.hasID = true
}

// HasTaskID reports whether an id has been assigned.
func (m *Meta) HasTaskID() bool {
	return m.hasID
}

// Result is a distinguished task subtype carrying a reference to the
// task it originated from, with an optional failure flag and reason.
// Result.TaskID() equals the originating task's id.
type Result struct {
	Meta

	Source        Task
	Failed        bool
	FailureReason interface{}
	Payload       interface{}
}

// NewResult builds a successful result referencing the given source
// task, with TaskID already set to the source's id.
func NewResult(source Task, payload interface{}) *Result {
	r := &Result{Source: source, Payload: payload}
	if source != nil {
		r.SetTaskID(source.TaskID())
	}
	return r
}

// Fail marks the result as a failure with the given reason.
func (r *Result) Fail(reason interface{}) *Result {
	r.Failed = true
	r.FailureReason = reason
	return r
}

// TerminateDispatcherLoop is a distinguished sentinel task that makes
// the dispatch loop set its exit flag instead of rescheduling.
type TerminateDispatcherLoop struct {
	Meta
}
