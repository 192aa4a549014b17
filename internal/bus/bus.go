// Package bus carries run output between workers and relays.
//
// Content topics carry the streamed units of one run; status topics carry
// run status events for a thread. Delivery is at-most-once and nothing is
// persisted: a subscriber only sees what is published after it subscribed.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Subscription.Next when nothing arrived in time.
	ErrTimeout = errors.New("bus: timed out waiting for message")

	// ErrClosed is returned after a subscription or bus is closed.
	ErrClosed = errors.New("bus: closed")
)

// Bus publishes raw payloads on topics.
type Bus interface {
	Publish(ctx context.Context, topic Topic, payload []byte) error
	Subscribe(ctx context.Context, topic Topic) (Subscription, error)
	Close() error
}

// Subscription receives payloads published after it was created, in
// publish order.
type Subscription interface {
	// Next waits up to timeout for the next payload. It returns ErrTimeout
	// when the wait elapses and ErrClosed once the subscription is closed.
	Next(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}
