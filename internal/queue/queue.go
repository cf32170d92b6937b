// Package queue implements the TaskQueue abstraction: an ordered
// sequence of tasks with Put and a scoped FetchTask that acknowledges
// on normal exit. An in-memory FIFO and two durable backends (Redis
// and Kafka) satisfy the same interface so the dispatcher treats them
// identically.
package queue

import (
	"context"

	"github.com/taskflow-core/taskflow/internal/task"
)

// Acquired represents one scoped fetch: the task (nil if the queue was
// empty), and Ack/Nack to close the scope. Nack lets durable backends
// return the payload to the queue. The dispatcher acks every task it
// fetches once its handlers have run, including when a handler fails
// or panics; it never calls Nack.
type Acquired interface {
	Task() task.Task
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// TaskQueue is the abstract FIFO the dispatcher is built against.
type TaskQueue interface {
	// Put appends a task to the queue.
	Put(ctx context.Context, t task.Task) error
	// FetchTask acquires the next task, or an Acquired whose Task()
	// is nil if the queue is empty (in-memory backends may block
	// instead of returning empty, per implementation).
	FetchTask(ctx context.Context) (Acquired, error)
	// Close releases any resources held by the queue.
	Close() error
}

// noopAcquired is returned by backends whose Ack/Nack have nothing to
// do (in-memory: the task is already removed; at-most-once delivery).
type noopAcquired struct {
	t task.Task
}

func (a noopAcquired) Task() task.Task              { return a.t }
func (a noopAcquired) Ack(context.Context) error    { return nil }
func (a noopAcquired) Nack(context.Context) error   { return nil }
