package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig names the stream and consumer used for runs.
type JetStreamConfig struct {
	// Stream is the work-queue stream name. Default: "CONDUIT_RUNS".
	Stream string

	// Subject carries run tasks. Default: "conduit.tasks.runs".
	Subject string

	// Consumer is the durable consumer shared by all workers.
	// Default: "conduit-workers".
	Consumer string

	// MaxAge bounds how long an unconsumed task is kept. Default: 24h.
	MaxAge time.Duration
}

func (c *JetStreamConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "CONDUIT_RUNS"
	}
	if c.Subject == "" {
		c.Subject = "conduit.tasks.runs"
	}
	if c.Consumer == "" {
		c.Consumer = "conduit-workers"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
}

// JetStreamQueue is a Queue on a NATS JetStream work-queue stream. Every
// task goes to exactly one worker and is acknowledged on receipt, so a
// worker that crashes mid-run does not cause the run to execute twice.
type JetStreamQueue struct {
	js     jetstream.JetStream
	config JetStreamConfig
	logger *slog.Logger
}

// NewJetStreamQueue ensures the stream exists and returns a queue on it.
func NewJetStreamQueue(ctx context.Context, conn *nats.Conn, config JetStreamConfig, logger *slog.Logger) (*JetStreamQueue, error) {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.Stream,
		Subjects:  []string{config.Subject},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    config.MaxAge,
	}); err != nil {
		return nil, fmt.Errorf("create stream %s: %w", config.Stream, err)
	}
	return &JetStreamQueue{
		js:     js,
		config: config,
		logger: logger.With("component", "jetstream-queue", "stream", config.Stream),
	}, nil
}

// Push publishes task. The task ID doubles as the message ID so a retried
// publish is deduplicated by the server.
func (q *JetStreamQueue) Push(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	opts := []jetstream.PublishOpt{}
	if task.ID != "" {
		opts = append(opts, jetstream.WithMsgID(task.ID))
	}
	if _, err := q.js.Publish(ctx, q.config.Subject, payload, opts...); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Consume attaches to the durable consumer and delivers tasks to handle.
func (q *JetStreamQueue) Consume(ctx context.Context, handle Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.config.Stream, jetstream.ConsumerConfig{
		Durable:       q.config.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: q.config.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", q.config.Consumer, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		// Acked before execution: runs are never redelivered.
		if err := msg.Ack(); err != nil {
			q.logger.Error("failed to ack task", "error", err)
		}
		var task Task
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			q.logger.Error("dropping undecodable task", "error", err)
			return
		}
		handle(ctx, &task)
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.config.Consumer, err)
	}
	q.logger.Info("consuming", "subject", q.config.Subject, "consumer", q.config.Consumer)

	return func() {
		consumeCtx.Drain()
		consumeCtx.Stop()
	}, nil
}

// Close is a no-op; the NATS connection belongs to the caller.
func (q *JetStreamQueue) Close() error {
	return nil
}
