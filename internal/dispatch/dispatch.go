// Package dispatch implements the type-keyed task dispatcher: a
// self-rescheduling dispatch tick running as a Job, fanning out one
// child job per registered handler for each fetched task, waiting for
// all of them, and re-posting any returned TaskResult.
package dispatch

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/job"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/metrics"
	"github.com/taskflow-core/taskflow/internal/platform/telemetry"
	"github.com/taskflow-core/taskflow/internal/queue"
	"github.com/taskflow-core/taskflow/internal/task"
)

// HandlerFunc is a task handler: it receives the task plus the
// injected Job, JobManager and Dispatcher, and may return a
// *task.Result to be re-posted.
type HandlerFunc func(ctx context.Context, t task.Task, j *job.Job, m *job.JobManager, d *Dispatcher) (*task.Result, error)

// Dispatcher owns the type-keyed handler registry and runs the
// dispatch loop as a chain of self-rescheduling Jobs on the JobManager.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]HandlerFunc

	queue   queue.TaskQueue
	manager *job.JobManager
	logger  logger.Logger
	metrics *metrics.Metrics
	tel     *telemetry.Telemetry

	onDispatch func(taskID uuid.UUID, taskType string)

	exited int32
}

// SetTelemetry wires tracing; each dispatch tick then runs inside a
// span carrying the task's type and id.
func (d *Dispatcher) SetTelemetry(t *telemetry.Telemetry) {
	d.tel = t
}

// SetDispatchHook wires a callback observed once per dispatched task,
// before its handlers run. The admin event stream plugs in here.
func (d *Dispatcher) SetDispatchHook(fn func(taskID uuid.UUID, taskType string)) {
	d.onDispatch = fn
}

// New creates a dispatcher over the given queue and job manager.
func New(q queue.TaskQueue, m *job.JobManager, log logger.Logger, met *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[reflect.Type][]HandlerFunc),
		queue:    q,
		manager:  m,
		logger:   log,
		metrics:  met,
	}
}

// RegisterFor registers handler for the concrete type of sample. This
// is the explicit-builder form of handler registration: callers pass
// (task type, handler) pairs rather than relying on a runtime scan of
// tagged methods, while preserving the same dispatch semantics.
func (d *Dispatcher) RegisterFor(sample task.Task, handler HandlerFunc) {
	t := reflectType(sample)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], handler)
	d.logger.Debug("task handler registered", "task_type", t.String())
}

func (d *Dispatcher) handlersFor(t task.Task) []HandlerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[reflectType(t)]
}

func reflectType(t task.Task) reflect.Type {
	rt := reflect.TypeOf(t)
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	return rt
}

// PostTask assigns a fresh id if the task doesn't already carry one,
// then enqueues it.
func (d *Dispatcher) PostTask(ctx context.Context, t task.Task) (uuid.UUID, error) {
	if !t.HasTaskID() {
		t.SetTaskID(uuid.New())
	}
	if err := d.queue.Put(ctx, t); err != nil {
		return t.TaskID(), err
	}
	d.logger.Debug("task posted", "task_id", t.TaskID())
	return t.TaskID(), nil
}

// Terminate posts the distinguished sentinel task that makes the next
// dispatch tick set the exit flag and stop rescheduling.
func (d *Dispatcher) Terminate(ctx context.Context) error {
	_, err := d.PostTask(ctx, &task.TerminateDispatcherLoop{})
	return err
}

// IsExited reports whether the dispatch loop has observed the
// termination sentinel.
func (d *Dispatcher) IsExited() bool {
	return atomic.LoadInt32(&d.exited) == 1
}

// Start schedules the first dispatch-tick job.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Debug("dispatch loop starting")
	d.scheduleTick(ctx)
}

func (d *Dispatcher) scheduleTick(ctx context.Context) {
	j := d.manager.CreateJob(func(ctx context.Context, j *job.Job, m *job.JobManager) (interface{}, error) {
		return nil, d.tick(ctx, j, m)
	})
	d.manager.ScheduleJob(j)
}

// tick is one dispatch-tick job body: fetch one task, dispatch it to
// its registered handlers (if any), and reschedule unless the
// termination sentinel was observed.
func (d *Dispatcher) tick(ctx context.Context, tickJob *job.Job, m *job.JobManager) error {
	if d.metrics != nil {
		defer func(start time.Time) {
			d.metrics.DispatchTickDuration.Observe(time.Since(start).Seconds())
		}(time.Now())
	}
	ctx, span := d.tel.TraceDispatchTick(ctx)
	defer span.End()

	acquired, err := d.queue.FetchTask(ctx)
	if err != nil {
		d.scheduleTick(ctx)
		return err
	}

	t := acquired.Task()
	if t == nil {
		_ = acquired.Ack(ctx)
		d.scheduleTick(ctx)
		return nil
	}

	span.SetAttributes(
		telemetry.AttrTaskType.String(reflectType(t).Name()),
		telemetry.AttrTaskID.String(t.TaskID().String()),
	)
	d.logger.Info("dispatch task", "task_id", t.TaskID())
	shouldContinue := d.dispatchTask(ctx, t, tickJob, m)
	_ = acquired.Ack(ctx)

	if shouldContinue {
		d.scheduleTick(ctx)
	} else {
		d.logger.Info("dispatcher terminated")
	}
	return nil
}

// dispatchTask creates one child job per registered handler, waits for
// all of them, and re-posts any returned TaskResult. It returns false
// (stop rescheduling) only for the termination sentinel.
func (d *Dispatcher) dispatchTask(ctx context.Context, t task.Task, tickJob *job.Job, m *job.JobManager) bool {
	if _, ok := t.(*task.TerminateDispatcherLoop); ok {
		atomic.StoreInt32(&d.exited, 1)
		return false
	}

	if d.metrics != nil {
		d.metrics.TasksDispatched.WithLabelValues(reflectType(t).Name()).Inc()
	}
	if d.onDispatch != nil {
		d.onDispatch(t.TaskID(), reflectType(t).Name())
	}

	handlers := d.handlersFor(t)
	taskType := reflectType(t).Name()
	handlerJobs := make([]*job.Job, 0, len(handlers))
	for _, h := range handlers {
		h := h
		hj := m.CreateChildJob(tickJob, func(ctx context.Context, j *job.Job, m *job.JobManager) (interface{}, error) {
			start := time.Now()
			result, err := h(ctx, t, j, m, d)
			if d.metrics != nil {
				d.metrics.TaskHandlerLatency.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
			}
			return result, err
		})
		m.ScheduleJob(hj)
		handlerJobs = append(handlerJobs, hj)
	}

	for _, hj := range handlerJobs {
		m.Wait(ctx, hj)
	}

	for _, hj := range handlerJobs {
		result, _ := hj.Result()
		if r, ok := result.(*task.Result); ok && r != nil {
			if _, err := d.PostTask(ctx, r); err != nil {
				d.logger.Error("failed to re-post task result", "error", err)
			}
		}
	}

	return true
}
