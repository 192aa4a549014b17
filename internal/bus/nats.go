package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect dials a NATS server with reconnect logging.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")
	conn, err := nats.Connect(
		url,
		nats.Name("conduit"),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return conn, nil
}

// NATSBus is a Bus over NATS core pub/sub. Messages published while no
// subscriber is listening are dropped.
type NATSBus struct {
	conn  *nats.Conn
	owned bool
}

// NewNATSBus wraps an open connection. The caller keeps ownership of conn.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

// DialNATSBus connects to url and returns a bus that owns the connection.
func DialNATSBus(url string, logger *slog.Logger) (*NATSBus, error) {
	conn, err := Connect(url, logger)
	if err != nil {
		return nil, err
	}
	return &NATSBus{conn: conn, owned: true}, nil
}

// Publish sends payload on the topic subject.
func (b *NATSBus) Publish(ctx context.Context, topic Topic, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(topic.Subject, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", topic.Subject, err)
	}
	return nil
}

// Subscribe creates a synchronous subscription and flushes so the server
// registers interest before Subscribe returns.
func (b *NATSBus) Subscribe(ctx context.Context, topic Topic) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := b.conn.SubscribeSync(topic.Subject)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("subscribe %s: %w", topic.Subject, err)
	}
	// Pending limits are lifted so slow relays never drop units.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", topic.Subject, err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: flush: %w", topic.Subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close closes the connection if the bus dialed it.
func (b *NATSBus) Close() error {
	if b.owned {
		b.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, ErrTimeout
	}
	msg, err := s.sub.NextMsg(timeout)
	switch {
	case err == nil:
		return msg.Data, nil
	case errors.Is(err, nats.ErrTimeout):
		return nil, ErrTimeout
	case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
		return nil, ErrClosed
	default:
		return nil, err
	}
}

func (s *natsSubscription) Close() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
