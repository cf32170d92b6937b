package job

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/metrics"
)

// stealSleep is how long a worker backs off after finding nothing to
// steal. A condition variable signaled on every ScheduleJob would
// avoid the wakeup latency, but the sleep keeps the contract simple:
// workers never busy-spin when there is no work anywhere.
const stealSleep = 300 * time.Millisecond

// JobManager owns the worker pool: it creates and schedules jobs,
// performs the work-stealing dequeue, and lets callers cooperatively
// drain work while waiting on a job subtree.
type JobManager struct {
	workers []*Worker
	logger  logger.Logger
	metrics *metrics.Metrics

	wg     sync.WaitGroup
	rngMu  sync.Mutex
	rng    *rand.Rand
}

// New creates a JobManager with the given worker count. A count <= 0
// defaults to runtime.NumCPU()-1, floored at 1.
func New(workers int, log logger.Logger, m *metrics.Metrics) *JobManager {
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
	}
	if workers < 1 {
		workers = 1
	}

	mgr := &JobManager{
		logger:  log,
		metrics: m,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	mgr.workers = make([]*Worker, workers)
	for i := range mgr.workers {
		mgr.workers[i] = newWorker(i, mgr)
	}
	return mgr
}

// Start spawns one goroutine per worker. Workers run until Join is
// called or ctx is canceled.
func (m *JobManager) Start(ctx context.Context) {
	m.logger.Info("starting job manager", "workers", len(m.workers))
	if m.metrics != nil {
		m.metrics.WorkersActive.Set(float64(len(m.workers)))
	}
	for _, w := range m.workers {
		w := w
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.run(ctx)
		}()
	}
}

// CreateJob creates a root job with no parent.
func (m *JobManager) CreateJob(fn Func) *Job {
	if m.metrics != nil {
		m.metrics.JobsSubmitted.Inc()
	}
	return newJob(fn, nil, m)
}

// CreateChildJob creates a job whose parent is the given job,
// incrementing the parent's unfinished count before returning.
func (m *JobManager) CreateChildJob(parent *Job, fn Func) *Job {
	parent.created()
	if m.metrics != nil {
		m.metrics.JobsSubmitted.Inc()
	}
	return newJob(fn, parent, m)
}

// ScheduleJob places the job on a uniformly randomly chosen worker's
// queue, provided it still has unfinished descendants.
func (m *JobManager) ScheduleJob(j *Job) {
	if j.UnfinishedCount() <= 0 {
		return
	}
	w := m.randomWorker()
	w.push(j)
	m.logger.Debug("job scheduled", "job_id", j.ID(), "worker", w.index)
}

// Wait drains work cooperatively until the given job (and all of its
// descendants) has finished. This lets a handler call Wait on a child
// job without deadlocking even when every worker is itself blocked in
// Wait.
func (m *JobManager) Wait(ctx context.Context, j *Job) {
	_, isWorker := workerFromContext(ctx)
	for !j.IsFinished() {
		other, ok := m.getJob(ctx)
		if !ok || other == nil {
			// Workers already back off inside getJob; non-worker
			// callers cannot execute jobs and must not busy-spin.
			if !isWorker {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}
		other.execute(ctx, m)
		other.Finish()
	}
}

// Join signals every worker to terminate and blocks until they have
// all exited, or until timeout elapses (a non-positive timeout waits
// forever).
func (m *JobManager) Join(timeout time.Duration) bool {
	m.logger.Debug("terminating job manager")
	for _, w := range m.workers {
		w.terminate()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// getJob resolves the calling goroutine to its worker via the context
// value set in Worker.run, then applies the scheduling primitive: own
// queue first, else steal from a random victim, else back off.
func (m *JobManager) getJob(ctx context.Context) (*Job, bool) {
	w, ok := workerFromContext(ctx)
	if !ok {
		return nil, false
	}

	if j, ok := w.popFront(); ok {
		return j, true
	}

	victim := m.randomWorker()
	if m.metrics != nil {
		m.metrics.JobStealAttempts.Inc()
	}
	if victim == w {
		time.Sleep(stealSleep)
		return nil, false
	}

	j, ok := victim.popFront()
	if !ok {
		time.Sleep(stealSleep)
		return nil, false
	}
	if m.metrics != nil {
		m.metrics.JobStealSuccesses.Inc()
	}
	return j, true
}

func (m *JobManager) randomWorker() *Worker {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.workers[m.rng.Intn(len(m.workers))]
}

// WorkerCount returns the number of workers in the pool.
func (m *JobManager) WorkerCount() int {
	return len(m.workers)
}
