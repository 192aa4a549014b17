// Package gateway serves the conduit HTTP API.
//
// The API creates assistants, threads, messages and runs, enqueues runs for
// the worker pool and bridges a run's content stream to a websocket client
// through a relay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/relay"
	"github.com/haasonsaas/conduit/internal/storage"
	"github.com/haasonsaas/conduit/pkg/models"
)

// RunEnqueuer hands a run to the worker pool.
type RunEnqueuer interface {
	Enqueue(ctx context.Context, req models.RunRequest) error
}

// StreamRelay forwards one run's output to a client.
type StreamRelay interface {
	Serve(ctx context.Context, conn relay.Conn, threadID, runID string) (relay.Outcome, error)
}

// Config configures the HTTP listener.
type Config struct {
	Host string
	Port int

	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string

	// MetricsHandler overrides promhttp.Handler.
	MetricsHandler http.Handler

	ShutdownTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	stores    storage.StoreSet
	scheduler RunEnqueuer
	relay     StreamRelay
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func(prefix string) string

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
	relays       sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With("component", "gateway")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// New creates a server over the given stores, scheduler and relay.
func New(config Config, stores storage.StoreSet, scheduler RunEnqueuer, streams StreamRelay, opts ...Option) *Server {
	s := &Server{
		config:    config,
		stores:    stores,
		scheduler: scheduler,
		relay:     streams,
		logger:    slog.Default().With("component", "gateway"),
		now:       time.Now,
		newID:     newID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.config.MetricsPath != "" {
		metrics := s.config.MetricsHandler
		if metrics == nil {
			metrics = promhttp.Handler()
		}
		mux.Handle("GET "+s.config.MetricsPath, metrics)
	}

	mux.HandleFunc("POST /assistants", s.handleCreateAssistant)
	mux.HandleFunc("GET /assistants/{assistant_id}", s.handleGetAssistant)
	mux.HandleFunc("POST /threads", s.handleCreateThread)
	mux.HandleFunc("GET /threads/{thread_id}", s.handleGetThread)
	mux.HandleFunc("POST /threads/{thread_id}/messages", s.handleCreateMessage)
	mux.HandleFunc("GET /threads/{thread_id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /threads/{thread_id}/runs", s.handleCreateRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /ws/{thread_id}/{run_id}", s.handleStream)

	return s.instrument(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.mu.Lock()
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts the listener down and waits for open relays to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("relays still open at shutdown")
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
