package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/metrics"
	"github.com/taskflow-core/taskflow/internal/platform/resilience"
	"github.com/taskflow-core/taskflow/internal/task"
)

// RedisQueue is a durable TaskQueue backed by a Redis list: tasks are
// JSON envelopes pushed with RPUSH and popped with a blocking BLPOP,
// so consumption survives a dispatcher restart.
type RedisQueue struct {
	client  *redis.Client
	codec   *Codec
	key     string
	logger  logger.Logger
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// NewRedisQueue creates a durable queue over the given Redis list key.
func NewRedisQueue(client *redis.Client, codec *Codec, key string, log logger.Logger) *RedisQueue {
	return &RedisQueue{
		client:  client,
		codec:   codec,
		key:     key,
		logger:  log,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("redis-queue")),
		retry:   resilience.DefaultRetryConfig(),
	}
}

// SetMetrics exports the queue breaker's state transitions as a
// gauge.
func (q *RedisQueue) SetMetrics(m *metrics.Metrics) {
	cfg := resilience.DefaultCircuitBreakerConfig("redis-queue")
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
	q.breaker = resilience.NewCircuitBreaker(cfg)
}

// Put appends a task's encoded envelope to the tail of the list,
// guarded by the queue's circuit breaker and retry policy.
func (q *RedisQueue) Put(ctx context.Context, t task.Task) error {
	data, err := q.codec.Encode(t)
	if err != nil {
		return err
	}
	err = resilience.Guard(ctx, q.breaker, q.retry, func() error {
		return q.client.RPush(ctx, q.key, data).Err()
	})
	if err != nil {
		return fmt.Errorf("queue: redis rpush: %w", err)
	}
	return nil
}

// FetchTask blocks (up to 5s, then returns an empty Acquired so the
// dispatcher tick can reschedule itself instead of blocking the
// worker indefinitely) on BLPOP, then decodes the envelope.
func (q *RedisQueue) FetchTask(ctx context.Context) (Acquired, error) {
	res, err := q.client.BLPop(ctx, 5*time.Second, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return noopAcquired{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: redis blpop: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return noopAcquired{}, nil
	}

	t, err := q.codec.Decode([]byte(res[1]))
	if err != nil {
		q.logger.Error("queue: failed to decode task, dropping", "error", err)
		return noopAcquired{}, nil
	}

	return &redisAcquired{queue: q, raw: res[1], t: t}, nil
}

// Close releases the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// redisAcquired implements the scoped fetch contract: Ack is a no-op
// (the BLPOP already removed the entry), Nack pushes the raw payload
// back onto the head of the list so it is the next thing popped.
type redisAcquired struct {
	queue *RedisQueue
	raw   string
	t     task.Task
}

func (a *redisAcquired) Task() task.Task { return a.t }

func (a *redisAcquired) Ack(ctx context.Context) error {
	return nil
}

func (a *redisAcquired) Nack(ctx context.Context) error {
	if err := a.queue.client.LPush(ctx, a.queue.key, a.raw).Err(); err != nil {
		return fmt.Errorf("queue: redis requeue on nack: %w", err)
	}
	return nil
}
