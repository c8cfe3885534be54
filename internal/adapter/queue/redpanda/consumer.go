package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// Consumer polls the task topic and runs the workflow for each record.
// Delivery is at-least-once: offsets commit only after the handler returns,
// and the conditional status transition makes duplicate deliveries safe.
type Consumer struct {
	client   *kgo.Client
	workflow *Workflow
	topic    string
	groupID  string
	// Unacked-record bound; the primary throttle on the worker.
	inflight chan struct{}
}

// NewConsumer constructs a group consumer bound to the task topic.
func NewConsumer(brokers []string, groupID string, wf *Workflow, maxInflight int) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, TopicTasks, wf, maxInflight)
}

// NewConsumerWithTopic constructs a Consumer on an explicit topic. Tests use
// this for isolation.
func NewConsumerWithTopic(brokers []string, groupID, topic string, wf *Workflow, maxInflight int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if maxInflight <= 0 {
		maxInflight = 10
	}

	tmp, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), tmp, topic, 8, 1); err != nil {
		slog.Warn("topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
	}
	tmp.Close()

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(30*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}
	return &Consumer{
		client:   client,
		workflow: wf,
		topic:    topic,
		groupID:  groupID,
		inflight: make(chan struct{}, maxInflight),
	}, nil
}

// Start polls until ctx is done. Each record is handled on its own
// goroutine, bounded by the inflight limit, and its offset is committed
// after the handler returns regardless of outcome: the handler records
// failure on the task row, so redelivery would only produce duplicates.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("consumer started",
		slog.String("topic", c.topic),
		slog.String("group_id", c.groupID),
		slog.Int("max_inflight", cap(c.inflight)))

	var wg sync.WaitGroup
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		for _, fe := range fetches.Errors() {
			slog.Error("fetch error",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.Any("error", fe.Err))
		}
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.inflight <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(rec *kgo.Record) {
				defer wg.Done()
				defer func() { <-c.inflight }()
				c.processRecord(ctx, rec)
				if err := c.client.CommitRecords(ctx, rec); err != nil && ctx.Err() == nil {
					slog.Error("offset commit failed",
						slog.Int64("offset", rec.Offset),
						slog.Any("error", err))
				}
			}(record)
		})
	}
	wg.Wait()
	slog.Info("consumer stopped")
	return ctx.Err()
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessTask")
	defer span.End()

	var msg domain.TaskMessage
	if err := json.Unmarshal(record.Value, &msg); err != nil {
		slog.Error("bad task message, dropping",
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return
	}

	lg := observability.LoggerFromContext(ctx).With(
		slog.String("task_id", msg.TaskID),
		slog.String("task_type", string(msg.Type)),
		slog.String("user_id", msg.UserID),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	if err := c.workflow.HandleTask(ctx, msg); err != nil {
		lg.Error("task workflow failed", slog.Any("error", err))
		return
	}
	lg.Info("task workflow done")
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
