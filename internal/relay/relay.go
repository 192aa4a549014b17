// Package relay forwards one run's streamed output to a client connection.
//
// A relay subscribes to the run's content topic and the thread's status
// topic before forwarding anything, then runs two listeners under one
// cancellation signal. The status listener raises the signal when the run
// reaches a terminal status. The content forwarder writes every unit to the
// client verbatim and, on each idle poll, checks the signal and whether the
// client is still connected. When forwarding ends the relay sends
// CloseSentinel if the client is still there.
//
// The relay never affects the worker: a client that goes away only stops
// its own relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/conduit/internal/bus"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// CloseSentinel is the last text frame a client receives for a run.
const CloseSentinel = "CLOSE_CONNECTION"

// DefaultPollInterval is how long the listeners wait for a message before
// re-checking the stop conditions.
const DefaultPollInterval = time.Second

// Conn is the client side of a relay.
type Conn interface {
	// WriteText sends one text frame.
	WriteText(ctx context.Context, text string) error

	// Done is closed once the client has gone away.
	Done() <-chan struct{}
}

// StatusProbe reads a run's current status. It lets a relay finish when
// the terminal status event was published before the relay subscribed.
type StatusProbe interface {
	RunStatus(ctx context.Context, runID string) (models.RunStatus, error)
}

// Config tunes relay timing.
type Config struct {
	// PollInterval bounds each wait on a subscription. Default: 1s.
	PollInterval time.Duration

	// ProbeEvery consults the StatusProbe on every Nth idle poll. Default: 1.
	ProbeEvery int
}

// Outcome reports why a relay stopped.
type Outcome string

const (
	OutcomeFinished   Outcome = "finished"
	OutcomeClientGone Outcome = "client_gone"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeError      Outcome = "error"
)

// Relay serves client connections from a MessageBus.
type Relay struct {
	bus     *bus.MessageBus
	probe   StatusProbe
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option customizes a Relay.
type Option func(*Relay)

// WithStatusProbe enables the run status fallback.
func WithStatusProbe(probe StatusProbe) Option {
	return func(r *Relay) { r.probe = probe }
}

// WithConfig sets timing.
func WithConfig(config Config) Option {
	return func(r *Relay) {
		if config.PollInterval > 0 {
			r.config.PollInterval = config.PollInterval
		}
		if config.ProbeEvery > 0 {
			r.config.ProbeEvery = config.ProbeEvery
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger.With("component", "relay")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Relay) { r.metrics = metrics }
}

// New creates a relay reading from mb.
func New(mb *bus.MessageBus, opts ...Option) *Relay {
	r := &Relay{
		bus:    mb,
		config: Config{PollInterval: DefaultPollInterval, ProbeEvery: 1},
		logger: slog.Default().With("component", "relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var errClientGone = errors.New("relay: client connection gone")

// Serve relays the output of one run to conn and returns once the run has
// finished, the client has gone away or ctx is cancelled.
func (r *Relay) Serve(ctx context.Context, conn Conn, threadID, runID string) (Outcome, error) {
	logger := r.logger.With("thread_id", threadID, "run_id", runID)

	content, err := r.bus.SubscribeContent(ctx, bus.ContentTopic(threadID, runID))
	if err != nil {
		return OutcomeError, fmt.Errorf("subscribe content: %w", err)
	}
	defer content.Close()
	status, err := r.bus.SubscribeStatus(ctx, threadID)
	if err != nil {
		return OutcomeError, fmt.Errorf("subscribe status: %w", err)
	}
	defer status.Close()

	start := time.Now()
	r.metrics.RelayOpened()
	logger.Debug("relay started")

	s := &session{
		relay:    r,
		conn:     conn,
		threadID: threadID,
		runID:    runID,
		logger:   logger,
		finished: make(chan struct{}),
	}

	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	g, gctx := errgroup.WithContext(listenCtx)
	g.Go(func() error {
		return s.listenStatus(gctx, status)
	})
	g.Go(func() error {
		// The forwarder decides when the relay ends.
		defer stopListening()
		return s.forwardContent(gctx, content)
	})
	err = g.Wait()

	outcome := OutcomeFinished
	switch {
	case errors.Is(err, errClientGone):
		outcome, err = OutcomeClientGone, nil
	case err != nil:
		outcome = OutcomeError
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
	}

	if outcome != OutcomeClientGone && alive(conn) {
		if werr := conn.WriteText(context.WithoutCancel(ctx), CloseSentinel); werr != nil {
			logger.Debug("close sentinel not delivered", "error", werr)
		}
	}

	r.metrics.RelayClosed(string(outcome), time.Since(start))
	logger.Debug("relay stopped", "outcome", outcome, "units", s.forwarded)
	return outcome, err
}

// session is the state shared by the two listeners of one relay.
type session struct {
	relay    *Relay
	conn     Conn
	threadID string
	runID    string
	logger   *slog.Logger

	finishOnce sync.Once
	finished   chan struct{}
	forwarded  int
}

func (s *session) finish(reason string) {
	s.finishOnce.Do(func() {
		s.logger.Debug("run finished", "source", reason)
		close(s.finished)
	})
}

func (s *session) isFinished() bool {
	select {
	case <-s.finished:
		return true
	default:
		return false
	}
}

func (s *session) listenStatus(ctx context.Context, sub *bus.StatusSubscription) error {
	for {
		event, err := sub.Next(ctx, s.relay.config.PollInterval)
		switch {
		case err == nil:
			if event.Matches(s.threadID, s.runID) && event.Status.IsTerminal() {
				s.finish("status_event")
				return nil
			}
		case errors.Is(err, bus.ErrTimeout):
		case errors.Is(err, bus.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			s.logger.Warn("status listener error", "error", err)
		}
		if ctx.Err() != nil || s.isFinished() {
			return nil
		}
	}
}

func (s *session) forwardContent(ctx context.Context, sub *bus.ContentSubscription) error {
	idle := 0
	for {
		_, raw, err := sub.Next(ctx, s.relay.config.PollInterval)
		switch {
		case err == nil || (len(raw) > 0 && !errors.Is(err, bus.ErrTimeout)):
			if err != nil {
				s.logger.Warn("forwarding undecodable unit", "error", err)
			}
			if werr := s.conn.WriteText(ctx, string(raw)); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Debug("client write failed", "error", werr)
				return errClientGone
			}
			s.forwarded++
			continue

		case errors.Is(err, bus.ErrTimeout):
			idle++
			if !alive(s.conn) {
				return errClientGone
			}
			// Units published before the status event have had one full
			// idle poll to arrive.
			if s.isFinished() {
				return nil
			}
			s.probe(ctx, idle)

		case errors.Is(err, bus.ErrClosed):
			return nil

		case ctx.Err() != nil:
			return nil

		default:
			return fmt.Errorf("content listener: %w", err)
		}
	}
}

func (s *session) probe(ctx context.Context, idle int) {
	if s.relay.probe == nil || idle%s.relay.config.ProbeEvery != 0 {
		return
	}
	status, err := s.relay.probe.RunStatus(ctx, s.runID)
	if err != nil {
		s.logger.Debug("status probe failed", "error", err)
		return
	}
	if status.IsTerminal() {
		s.finish("status_probe")
	}
}

func alive(conn Conn) bool {
	select {
	case <-conn.Done():
		return false
	default:
		return true
	}
}
