// Package tasks hands runs from the API to the worker pool.
//
// The API enqueues one task per run and returns immediately; a pool of
// workers consumes tasks and executes each run exactly once from the
// queue's point of view. Failed runs are never retried.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ExecuteChatCompletion is the task name of a run execution.
const ExecuteChatCompletion = "runs.execute_chat_completion"

// ErrInvalidTask is returned for tasks that cannot be decoded into a run.
var ErrInvalidTask = errors.New("tasks: invalid task")

// Task is the queued unit of work. Args of an execution task are
// [assistant_id, thread_id, content_topic, run_id].
type Task struct {
	ID         string            `json:"id"`
	Task       string            `json:"task"`
	Args       []string          `json:"args"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Trace      map[string]string `json:"trace,omitempty"`
}

// NewExecuteRunTask builds the task that executes req.
func NewExecuteRunTask(id string, req models.RunRequest, at time.Time) *Task {
	return &Task{
		ID:         id,
		Task:       ExecuteChatCompletion,
		Args:       []string{req.AssistantID, req.ThreadID, req.ContentTopic, req.RunID},
		EnqueuedAt: at,
	}
}

// RunRequest decodes an execution task.
func (t *Task) RunRequest() (models.RunRequest, error) {
	if t == nil {
		return models.RunRequest{}, fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if t.Task != ExecuteChatCompletion {
		return models.RunRequest{}, fmt.Errorf("%w: unknown task %q", ErrInvalidTask, t.Task)
	}
	if len(t.Args) != 4 {
		return models.RunRequest{}, fmt.Errorf("%w: want 4 args, got %d", ErrInvalidTask, len(t.Args))
	}
	req := models.RunRequest{
		AssistantID:  t.Args[0],
		ThreadID:     t.Args[1],
		ContentTopic: t.Args[2],
		RunID:        t.Args[3],
	}
	if req.AssistantID == "" || req.ThreadID == "" || req.RunID == "" {
		return models.RunRequest{}, fmt.Errorf("%w: empty identifier in %v", ErrInvalidTask, t.Args)
	}
	return req, nil
}

// Handler processes one consumed task. It may block to apply backpressure.
type Handler func(ctx context.Context, task *Task)

// Queue transports tasks from the scheduler to workers.
type Queue interface {
	// Push enqueues a task.
	Push(ctx context.Context, task *Task) error

	// Consume delivers tasks to handle until the returned stop function is
	// called or ctx ends. Each task is delivered to one consumer.
	Consume(ctx context.Context, handle Handler) (stop func(), err error)

	Close() error
}
