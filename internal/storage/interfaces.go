// Package storage persists assistants, threads, messages and runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition matches models.ErrInvalidTransition with errors.Is.
	ErrInvalidTransition = fmt.Errorf("storage: %w", models.ErrInvalidTransition)
)

// AssistantStore persists assistants.
type AssistantStore interface {
	Create(ctx context.Context, assistant *models.Assistant) error
	Get(ctx context.Context, id string) (*models.Assistant, error)
}

// ThreadStore persists threads.
type ThreadStore interface {
	Create(ctx context.Context, thread *models.Thread) error
	Get(ctx context.Context, id string) (*models.Thread, error)
}

// MessageStore persists thread messages.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.ThreadMessage) error

	// ListByThread returns a thread's messages oldest first.
	ListByThread(ctx context.Context, threadID string) ([]*models.ThreadMessage, error)
}

// RunStore persists runs.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)

	// Transition atomically moves a run to next if its current status
	// allows it. It returns ErrNotFound for unknown runs and
	// ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id string, next models.RunStatus, at time.Time) (*models.Run, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Assistants AssistantStore
	Threads    ThreadStore
	Messages   MessageStore
	Runs       RunStore
	closer     func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// GetAssistant loads an assistant.
func (s StoreSet) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	return s.Assistants.Get(ctx, id)
}

// ListThreadMessages loads a thread's history oldest first.
func (s StoreSet) ListThreadMessages(ctx context.Context, threadID string) ([]*models.ThreadMessage, error) {
	return s.Messages.ListByThread(ctx, threadID)
}

// InsertMessage persists one message.
func (s StoreSet) InsertMessage(ctx context.Context, msg *models.ThreadMessage) error {
	return s.Messages.Insert(ctx, msg)
}

// TransitionRun moves a run to status.
func (s StoreSet) TransitionRun(ctx context.Context, runID string, status models.RunStatus, at time.Time) error {
	_, err := s.Runs.Transition(ctx, runID, status, at)
	return err
}

// RunStatus reads a run's current status.
func (s StoreSet) RunStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}
