package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// MessageBus is the typed layer over a Bus: content topics carry
// StreamChunk JSON and status topics carry StatusEvent JSON.
type MessageBus struct {
	bus     Bus
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewMessageBus wraps b. logger and metrics may be nil.
func NewMessageBus(b Bus, logger *slog.Logger, metrics *observability.Metrics) *MessageBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageBus{
		bus:     b,
		logger:  logger.With("component", "bus"),
		metrics: metrics,
	}
}

// PublishContent publishes one streamed unit. Delivery is best effort:
// failures are logged and counted but never returned, so a missing
// listener or broken transport cannot fail a run.
func (m *MessageBus) PublishContent(ctx context.Context, topic Topic, unit *models.StreamChunk) {
	if unit == nil {
		return
	}
	payload, err := json.Marshal(unit)
	if err == nil {
		err = m.bus.Publish(ctx, topic, payload)
	}
	m.metrics.RecordPublish(string(KindContent), err)
	if err != nil {
		m.logger.Warn("content publish failed", "topic", topic.Subject, "error", err)
	}
}

// PublishStatus publishes a status event on the thread's status topic.
func (m *MessageBus) PublishStatus(ctx context.Context, event models.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	err = m.bus.Publish(ctx, StatusTopic(event.ThreadID), payload)
	m.metrics.RecordPublish(string(KindStatus), err)
	return err
}

// ContentSubscription yields decoded units from a content topic.
type ContentSubscription struct {
	sub Subscription
}

// SubscribeContent subscribes to a content topic.
func (m *MessageBus) SubscribeContent(ctx context.Context, topic Topic) (*ContentSubscription, error) {
	sub, err := m.bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	return &ContentSubscription{sub: sub}, nil
}

// Next returns the next unit. The raw payload is returned alongside so it
// can be forwarded verbatim.
func (s *ContentSubscription) Next(ctx context.Context, timeout time.Duration) (*models.StreamChunk, []byte, error) {
	payload, err := s.sub.Next(ctx, timeout)
	if err != nil {
		return nil, nil, err
	}
	var unit models.StreamChunk
	if err := json.Unmarshal(payload, &unit); err != nil {
		return nil, payload, fmt.Errorf("decode content unit: %w", err)
	}
	return &unit, payload, nil
}

// Close stops the subscription.
func (s *ContentSubscription) Close() error {
	return s.sub.Close()
}

// StatusSubscription yields decoded status events from a thread's status topic.
type StatusSubscription struct {
	sub Subscription
}

// SubscribeStatus subscribes to the status topic of a thread.
func (m *MessageBus) SubscribeStatus(ctx context.Context, threadID string) (*StatusSubscription, error) {
	sub, err := m.bus.Subscribe(ctx, StatusTopic(threadID))
	if err != nil {
		return nil, err
	}
	return &StatusSubscription{sub: sub}, nil
}

// Next returns the next status event.
func (s *StatusSubscription) Next(ctx context.Context, timeout time.Duration) (*models.StatusEvent, error) {
	payload, err := s.sub.Next(ctx, timeout)
	if err != nil {
		return nil, err
	}
	var event models.StatusEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode status event: %w", err)
	}
	return &event, nil
}

// Close stops the subscription.
func (s *StatusSubscription) Close() error {
	return s.sub.Close()
}
