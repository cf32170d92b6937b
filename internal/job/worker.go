package job

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// Worker owns a private FIFO of jobs. Other workers dequeue from it
// only by stealing; the worker itself pops from the front on its main
// loop, same as a steal would, so the only asymmetry between "my
// queue" and "someone else's queue" is which goroutine is calling.
type Worker struct {
	index      int
	manager    *JobManager
	terminated int32

	mu    sync.Mutex
	queue []*Job
}

func newWorker(index int, manager *JobManager) *Worker {
	return &Worker{index: index, manager: manager}
}

// push appends a job to the back of the queue. Only the JobManager's
// ScheduleJob writes to a worker's queue — a worker never pushes to
// its own queue from within a running job.
func (w *Worker) push(j *Job) {
	w.mu.Lock()
	w.queue = append(w.queue, j)
	w.reportDepth(len(w.queue))
	w.mu.Unlock()
}

func (w *Worker) reportDepth(depth int) {
	if m := w.manager.metrics; m != nil {
		m.JobQueueDepth.WithLabelValues(strconv.Itoa(w.index)).Set(float64(depth))
	}
}

// popFront removes and returns the job at the head of the queue.
func (w *Worker) popFront() (*Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	j := w.queue[0]
	w.queue = w.queue[1:]
	w.reportDepth(len(w.queue))
	return j, true
}

func (w *Worker) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// terminate sets the worker's terminate flag; it exits at its next
// loop iteration.
func (w *Worker) terminate() {
	atomic.StoreInt32(&w.terminated, 1)
}

func (w *Worker) isTerminated() bool {
	return atomic.LoadInt32(&w.terminated) == 1
}

// run is the worker's main loop: while not terminated, ask the
// JobManager for a job and, if one comes back, execute it and finish
// it. A raised panic is caught and logged inside Job.execute so the
// counter stays balanced.
func (w *Worker) run(ctx context.Context) {
	workerCtx := context.WithValue(ctx, workerContextKey{}, w)
	for !w.isTerminated() && ctx.Err() == nil {
		j, ok := w.manager.getJob(workerCtx)
		if !ok || j == nil {
			continue
		}
		j.execute(workerCtx, w.manager)
		j.Finish()
		if m := w.manager.metrics; m != nil {
			outcome := "ok"
			if _, err := j.Result(); err != nil {
				outcome = "error"
			}
			m.JobsFinished.WithLabelValues(outcome).Inc()
		}
	}
}

type workerContextKey struct{}

func workerFromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerContextKey{}).(*Worker)
	return w, ok
}
