// Package job implements the fixed-size worker pool described for the
// orchestration core: parent/child job accounting, per-worker private
// queues, randomized scheduling and work stealing, and cooperative
// draining while waiting on a job subtree.
package job

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Func is the work performed by a Job. The Job and the JobManager that
// scheduled it are injected so the function can create and schedule
// further child jobs.
type Func func(ctx context.Context, job *Job, manager *JobManager) (interface{}, error)

// Job is a unit of execution with a parent link and an unfinished-
// descendants counter. The counter starts at one, counting the job
// itself; CreateChildJob is the only way to grow it, Finish the only
// way to shrink it.
type Job struct {
	id      string
	fn      Func
	parent  *Job
	manager *JobManager

	unfinished int64

	result interface{}
	err    error
}

func newJob(fn Func, parent *Job, manager *JobManager) *Job {
	j := &Job{
		id:         uuid.NewString(),
		fn:         fn,
		parent:     parent,
		manager:    manager,
		unfinished: 1,
	}
	return j
}

// ID returns the job's debug label.
func (j *Job) ID() string {
	return j.id
}

// created increments the unfinished count and propagates to the
// parent if this job was already finished: creating a child after a
// parent believed itself finished reopens the parent.
func (j *Job) created() {
	if atomic.AddInt64(&j.unfinished, 1) == 1 && j.parent != nil {
		j.parent.created()
	}
}

// Finish decrements the unfinished count by one and, if it reaches
// zero, recursively finishes the parent. Finish is not idempotent: it
// must be called exactly once per execution of the job — calling it
// more than once will desynchronize the counter.
func (j *Job) Finish() {
	if atomic.AddInt64(&j.unfinished, -1) == 0 && j.parent != nil {
		j.parent.Finish()
	}
}

// UnfinishedCount returns the current unfinished-descendants count.
func (j *Job) UnfinishedCount() int64 {
	return atomic.LoadInt64(&j.unfinished)
}

// IsFinished reports whether the job and all its descendants have
// completed.
func (j *Job) IsFinished() bool {
	return j.UnfinishedCount() == 0
}

// Result returns the value and error returned by the job's function.
// It is only meaningful after the job has executed.
func (j *Job) Result() (interface{}, error) {
	return j.result, j.err
}

// execute runs the job body, recovering from a panic so the job is
// finished regardless and the unfinished counter never gets stuck.
func (j *Job) execute(ctx context.Context, manager *JobManager) {
	defer func() {
		if r := recover(); r != nil {
			manager.logger.Error("job panicked", "job_id", j.id, "panic", r)
			j.err = panicError{r}
		}
	}()
	j.result, j.err = j.fn(ctx, j, manager)
	if j.err != nil {
		manager.logger.Error("job returned error", "job_id", j.id, "error", j.err)
	}
}

type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	return "job panic"
}
