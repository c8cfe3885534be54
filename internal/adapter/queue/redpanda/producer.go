// Package redpanda provides the Redpanda/Kafka message bus adapter. The
// producer publishes task messages transactionally; the consumer drives the
// worker workflow with at-least-once delivery.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// TopicTasks is the bus topic carrying task messages.
const TopicTasks = "concept-tasks"

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	topic  string
	// Buffered channel of size 1, serializes transactions.
	txChan chan struct{}
}

// NewProducer constructs a transactional Producer and ensures the topic.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTopic(brokers, "conceptforge-producer", TopicTasks)
}

// NewProducerWithTopic constructs a Producer with an explicit transactional
// id and topic. Tests use this to isolate topics.
func NewProducerWithTopic(brokers []string, transactionalID, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 8, 1); err != nil {
		slog.Warn("topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic, txChan: make(chan struct{}, 1)}, nil
}

// PublishTask publishes one task message inside a transaction. The task id
// keys the record so duplicates of the same task land on one partition.
func (p *Producer) PublishTask(ctx context.Context, msg domain.TaskMessage) error {
	select {
	case p.txChan <- struct{}{}:
		defer func() { <-p.txChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=queue.publish: marshal: %w", err)
	}
	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=queue.publish: begin transaction: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.TaskID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(msg.TaskID)},
			{Key: "task_type", Value: []byte(msg.Type)},
		},
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=queue.publish: produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=queue.publish: commit transaction: %w", err)
	}

	observability.EnqueueTask(string(msg.Type))
	slog.Info("task enqueued",
		slog.String("task_id", msg.TaskID),
		slog.String("type", string(msg.Type)),
		slog.String("topic", p.topic))
	return nil
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
