package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// RunExecutor executes one run. The tool execution loop implements it.
type RunExecutor interface {
	Execute(ctx context.Context, req models.RunRequest) error
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	// Concurrency bounds simultaneous runs. Default: 4.
	Concurrency int

	// RunTimeout bounds one run. Default: 10 minutes.
	RunTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// WorkerPool consumes run tasks and executes them with bounded concurrency.
type WorkerPool struct {
	queue    Queue
	executor RunExecutor
	config   WorkerConfig
	logger   *slog.Logger

	// Concurrency control
	sem  chan struct{}
	wg   sync.WaitGroup
	stop func()

	// State
	mu      sync.Mutex
	running bool
}

// NewWorkerPool creates a pool reading from queue.
func NewWorkerPool(queue Queue, executor RunExecutor, config WorkerConfig) *WorkerPool {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 10 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:    queue,
		executor: executor,
		config:   config,
		logger:   logger.With("component", "worker-pool"),
		sem:      make(chan struct{}, config.Concurrency),
	}
}

// Start begins consuming tasks.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	stop, err := p.queue.Consume(ctx, p.handle)
	if err != nil {
		return err
	}
	p.stop = stop
	p.running = true
	p.logger.Info("worker pool started", "concurrency", p.config.Concurrency)
	return nil
}

// Stop stops consuming and waits for in-flight runs until ctx ends.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stop := p.stop
	p.mu.Unlock()

	stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle blocks until a slot is free, then runs the task in the background.
func (p *WorkerPool) handle(ctx context.Context, task *Task) {
	req, err := task.RunRequest()
	if err != nil {
		p.logger.Error("dropping invalid task", "task_id", task.ID, "task", task.Task, "error", err)
		p.config.Metrics.RecordTask(task.Task, "execute", err)
		return
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.logger.Warn("run not started, worker stopping", "run_id", req.RunID)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.execute(observability.ExtractContext(context.Background(), task.Trace), task, req)
	}()
}

func (p *WorkerPool) execute(ctx context.Context, task *Task, req models.RunRequest) {
	ctx, cancel := context.WithTimeout(observability.WithRun(ctx, req.ThreadID, req.RunID), p.config.RunTimeout)
	defer cancel()

	logger := p.logger.With("run_id", req.RunID, "thread_id", req.ThreadID, "task_id", task.ID)
	logger.Debug("executing run", "queued_for", time.Since(task.EnqueuedAt))

	err := p.safeExecute(ctx, req)
	p.config.Metrics.RecordTask(task.Task, "execute", err)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("run timed out", "timeout", p.config.RunTimeout, "error", err)
	default:
		// Runs are not retried; the failure is already on the run.
		logger.Error("run failed", "error", err)
	}
}

func (p *WorkerPool) safeExecute(ctx context.Context, req models.RunRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run executor panicked: %v", r)
		}
	}()
	return p.executor.Execute(ctx, req)
}
