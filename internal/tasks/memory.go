package tasks

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("tasks: queue closed")

// MemoryQueue is a channel-backed Queue for single-process mode. The task
// channel is never closed; done signals shutdown to pushers and consumers.
type MemoryQueue struct {
	tasks     chan *Task
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a queue holding up to capacity pending tasks.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		tasks: make(chan *Task, capacity),
		done:  make(chan struct{}),
	}
}

// Push enqueues task, blocking while the queue is full. A blocked Push
// returns ErrQueueClosed once the queue is closed.
func (q *MemoryQueue) Push(ctx context.Context, task *Task) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts delivering tasks to handle on a single goroutine.
func (q *MemoryQueue) Consume(ctx context.Context, handle Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case task := <-q.tasks:
				handle(ctx, task)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}, nil
}

// Len reports the number of pending tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Close stops all consumers. Pending tasks are discarded.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
