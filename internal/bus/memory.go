package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus for single-process mode and tests.
// Every subscriber has an unbounded FIFO, so publishers never block.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers payload to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic Topic, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[topic.Subject] {
		sub.push(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe registers a subscriber on topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		bus:     b,
		subject: topic.Subject,
		notify:  make(chan struct{}, 1),
	}
	if b.subs[topic.Subject] == nil {
		b.subs[topic.Subject] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic.Subject][sub] = struct{}{}
	return sub, nil
}

// Close closes the bus and every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.markClosed()
	}
	return nil
}

// Subscribers reports the number of subscriptions on topic.
func (b *MemoryBus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic.Subject])
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.subject]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.subject)
		}
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}
}

func (s *memorySubscription) push(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	s.signal()
}

func (s *memorySubscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pop() ([]byte, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		payload := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		return payload, true, s.closed
	}
	return nil, false, s.closed
}

func (s *memorySubscription) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		payload, ok, closed := s.pop()
		if ok {
			return payload, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memorySubscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	s.markClosed()
	return nil
}
