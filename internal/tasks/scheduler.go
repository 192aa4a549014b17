package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/bus"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Scheduler enqueues run executions.
type Scheduler struct {
	queue   Queue
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "run-scheduler")
		}
	}
}

// WithSchedulerMetrics sets the metrics sink.
func WithSchedulerMetrics(metrics *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = metrics }
}

// NewScheduler creates a scheduler pushing to queue.
func NewScheduler(queue Queue, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:  queue,
		logger: slog.Default().With("component", "run-scheduler"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue hands req to the queue and returns without waiting for the run.
// An empty content topic defaults to the run's own topic, the one relays
// subscribe to.
func (s *Scheduler) Enqueue(ctx context.Context, req models.RunRequest) error {
	if req.ContentTopic == "" {
		req.ContentTopic = bus.ContentTopic(req.ThreadID, req.RunID).Subject
	}
	task := NewExecuteRunTask(s.newID(), req, s.now())
	if _, err := task.RunRequest(); err != nil {
		return err
	}
	task.Trace = map[string]string{}
	observability.InjectContext(ctx, task.Trace)

	err := s.queue.Push(ctx, task)
	s.metrics.RecordTask(task.Task, "enqueue", err)
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", req.RunID, err)
	}
	s.logger.Info("run enqueued", "run_id", req.RunID, "thread_id", req.ThreadID, "task_id", task.ID)
	return nil
}
