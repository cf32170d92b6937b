package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/task"
)

// KafkaQueue is an alternate durable TaskQueue backend, repurposing
// the producer/consumer-group pattern the platform already uses for
// domain event publishing to deliver tasks instead, with the same
// at-least-once guarantee: offsets are only committed once Ack is
// called, so a crash before Ack redelivers the message.
type KafkaQueue struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	codec    *Codec
	logger   logger.Logger

	deliveries chan delivery
	cancel     context.CancelFunc
}

type delivery struct {
	msg  *sarama.ConsumerMessage
	sess sarama.ConsumerGroupSession
}

// NewKafkaQueue dials the given brokers, opening both a synchronous
// producer (for Put) and a consumer group (for FetchTask) on topic.
func NewKafkaQueue(brokers []string, topic, consumerGroup string, codec *Codec, log logger.Logger) (*KafkaQueue, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Version = sarama.V3_3_1_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("queue: kafka producer: %w", err)
	}

	group, err := sarama.NewConsumerGroup(brokers, consumerGroup, cfg)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("queue: kafka consumer group: %w", err)
	}

	q := &KafkaQueue{
		producer:   producer,
		group:      group,
		topic:      topic,
		codec:      codec,
		logger:     log,
		deliveries: make(chan delivery),
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.consumeLoop(ctx)

	return q, nil
}

func (q *KafkaQueue) consumeLoop(ctx context.Context) {
	handler := &consumerHandler{deliveries: q.deliveries}
	for ctx.Err() == nil {
		if err := q.group.Consume(ctx, []string{q.topic}, handler); err != nil {
			q.logger.Error("queue: kafka consume error", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// Put publishes the task's encoded envelope to the topic.
func (q *KafkaQueue) Put(ctx context.Context, t task.Task) error {
	data, err := q.codec.Encode(t)
	if err != nil {
		return err
	}
	_, _, err = q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("queue: kafka send: %w", err)
	}
	return nil
}

// FetchTask waits up to 5s for the next consumer-group delivery.
func (q *KafkaQueue) FetchTask(ctx context.Context) (Acquired, error) {
	select {
	case d := <-q.deliveries:
		t, err := q.codec.Decode(d.msg.Value)
		if err != nil {
			q.logger.Error("queue: failed to decode kafka message, marking and dropping", "error", err)
			d.sess.MarkMessage(d.msg, "")
			return noopAcquired{}, nil
		}
		return &kafkaAcquired{delivery: d, t: t}, nil
	case <-time.After(5 * time.Second):
		return noopAcquired{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the consumer loop and closes the producer and group.
func (q *KafkaQueue) Close() error {
	q.cancel()
	if err := q.group.Close(); err != nil {
		return err
	}
	return q.producer.Close()
}

type kafkaAcquired struct {
	delivery delivery
	t        task.Task
}

func (a *kafkaAcquired) Task() task.Task { return a.t }

// Ack commits the consumer-group offset, making the delivery durable.
func (a *kafkaAcquired) Ack(ctx context.Context) error {
	a.delivery.sess.MarkMessage(a.delivery.msg, "")
	return nil
}

// Nack deliberately does not mark the message, so it is redelivered
// on the next rebalance or restart.
func (a *kafkaAcquired) Nack(ctx context.Context) error {
	return nil
}

type consumerHandler struct {
	deliveries chan delivery
}

func (consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		select {
		case h.deliveries <- delivery{msg: msg, sess: sess}:
		case <-sess.Context().Done():
			return nil
		}
	}
	return nil
}
