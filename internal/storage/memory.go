package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// NewMemoryStores creates in-memory stores for single-process mode and tests.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Assistants: NewMemoryAssistantStore(),
		Threads:    NewMemoryThreadStore(),
		Messages:   NewMemoryMessageStore(),
		Runs:       NewMemoryRunStore(),
	}
}

// MemoryAssistantStore provides an in-memory AssistantStore.
type MemoryAssistantStore struct {
	mu         sync.RWMutex
	assistants map[string]*models.Assistant
}

// NewMemoryAssistantStore creates an in-memory assistant store.
func NewMemoryAssistantStore() *MemoryAssistantStore {
	return &MemoryAssistantStore{assistants: make(map[string]*models.Assistant)}
}

func (s *MemoryAssistantStore) Create(ctx context.Context, assistant *models.Assistant) error {
	if assistant == nil || assistant.ID == "" {
		return fmt.Errorf("assistant is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assistants[assistant.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *assistant
	s.assistants[assistant.ID] = &clone
	return nil
}

func (s *MemoryAssistantStore) Get(ctx context.Context, id string) (*models.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assistant, ok := s.assistants[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *assistant
	return &clone, nil
}

// MemoryThreadStore provides an in-memory ThreadStore.
type MemoryThreadStore struct {
	mu      sync.RWMutex
	threads map[string]*models.Thread
}

// NewMemoryThreadStore creates an in-memory thread store.
func NewMemoryThreadStore() *MemoryThreadStore {
	return &MemoryThreadStore{threads: make(map[string]*models.Thread)}
}

func (s *MemoryThreadStore) Create(ctx context.Context, thread *models.Thread) error {
	if thread == nil || thread.ID == "" {
		return fmt.Errorf("thread is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[thread.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *thread
	s.threads[thread.ID] = &clone
	return nil
}

func (s *MemoryThreadStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *thread
	return &clone, nil
}

// MemoryMessageStore provides an in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.ThreadMessage
	seq      map[string]int
}

// NewMemoryMessageStore creates an in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string][]*models.ThreadMessage),
		seq:      make(map[string]int),
	}
}

func (s *MemoryMessageStore) Insert(ctx context.Context, msg *models.ThreadMessage) error {
	if msg == nil || msg.ID == "" || msg.ThreadID == "" {
		return fmt.Errorf("message with id and thread id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.seq[msg.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *msg
	s.seq[msg.ID] = len(s.messages[msg.ThreadID])
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], &clone)
	return nil
}

func (s *MemoryMessageStore) ListByThread(ctx context.Context, threadID string) ([]*models.ThreadMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	out := make([]*models.ThreadMessage, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		out[i] = &clone
	}
	// Insertion order breaks created_at ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryRunStore provides an in-memory RunStore.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*models.Run)}
}

func (s *MemoryRunStore) Create(ctx context.Context, run *models.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run is required")
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *MemoryRunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *run
	return &clone, nil
}

func (s *MemoryRunStore) Transition(ctx context.Context, id string, next models.RunStatus, at time.Time) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	current := run.Status
	if err := run.Transition(next, at); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	clone := *run
	return &clone, nil
}
