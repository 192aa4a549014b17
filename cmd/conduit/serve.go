package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/agent/providers"
	"github.com/haasonsaas/conduit/internal/bus"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/gateway"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/relay"
	"github.com/haasonsaas/conduit/internal/storage"
	"github.com/haasonsaas/conduit/internal/tasks"
	"github.com/haasonsaas/conduit/internal/tools"
	"github.com/haasonsaas/conduit/internal/tools/browser"
	"github.com/haasonsaas/conduit/internal/tools/knowledge"
	"github.com/haasonsaas/conduit/internal/tools/websearch"
)

type serveOptions struct {
	Debug  bool
	API    bool
	Worker bool
}

// app holds the components of one serve process.
type app struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	stores    storage.StoreSet
	nc        *nats.Conn
	bus       bus.Bus
	queue     tasks.Queue
	scheduler *tasks.Scheduler
	workers   *tasks.WorkerPool
	server    *gateway.Server

	closers []func(context.Context) error
}

func runServe(ctx context.Context, configPath string, opts serveOptions) error {
	if !opts.API && !opts.Worker {
		return errors.New("nothing to run: both --api and --worker are disabled")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting conduit",
		"version", version,
		"commit", commit,
		"config", displayPath(configPath),
		"api", opts.API,
		"worker", opts.Worker,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer, opts)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)
	return nil
}

// newApp opens every dependency the selected roles need. On error the
// dependencies opened so far are closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, opts serveOptions) (_ *app, err error) {
	a := &app{config: cfg, logger: logger, metrics: observability.NewMetrics(reg)}
	defer func() {
		if err != nil {
			a.shutdown(context.Background())
		}
	}()

	if cfg.NATS.URL == "" && !(opts.API && opts.Worker) {
		return nil, errors.New("the in-memory queue needs --api and --worker in one process; set nats.url to split them")
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdownTracer)

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.openTransport(ctx); err != nil {
		return nil, err
	}

	mb := bus.NewMessageBus(a.bus, logger, a.metrics)
	a.scheduler = tasks.NewScheduler(a.queue,
		tasks.WithSchedulerLogger(logger),
		tasks.WithSchedulerMetrics(a.metrics),
	)

	if opts.Worker {
		loop, err := a.buildLoop(mb)
		if err != nil {
			return nil, err
		}
		a.workers = tasks.NewWorkerPool(a.queue, loop, tasks.WorkerConfig{
			Concurrency: cfg.Worker.Concurrency,
			RunTimeout:  cfg.Worker.RunTimeout,
			Logger:      logger,
			Metrics:     a.metrics,
		})
	}

	if opts.API {
		streams := relay.New(mb,
			relay.WithConfig(relay.Config{
				PollInterval: cfg.Relay.PollInterval,
				ProbeEvery:   cfg.Relay.ProbeEvery,
			}),
			relay.WithStatusProbe(a.stores),
			relay.WithLogger(logger),
			relay.WithMetrics(a.metrics),
		)
		metricsPath := ""
		if cfg.Observability.Metrics.On() {
			metricsPath = cfg.Observability.Metrics.Path
		}
		a.server = gateway.New(gateway.Config{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.HTTPPort,
			MetricsPath:     metricsPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, a.stores, a.scheduler, streams,
			gateway.WithLogger(logger),
			gateway.WithMetrics(a.metrics),
		)
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	db := a.config.Database
	if db.URL == "" {
		a.logger.Warn("database.url not set, using in-memory stores")
		a.stores = storage.NewMemoryStores()
		return nil
	}
	conn, err := storage.OpenDB(ctx, db.URL, poolConfig(db))
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	if db.AutoMigrate {
		if err := a.migrate(ctx, conn); err != nil {
			_ = conn.Close()
			return err
		}
	}
	stores := storage.NewSQLStores(conn, a.metrics)
	a.stores = stores
	a.closers = append(a.closers, func(context.Context) error { return stores.Close() })
	return nil
}

func (a *app) migrate(ctx context.Context, db *sql.DB) error {
	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, id := range applied {
		a.logger.Info("applied migration", "id", id)
	}
	return nil
}

func (a *app) openTransport(ctx context.Context) error {
	natsCfg := a.config.NATS
	if natsCfg.URL == "" {
		a.logger.Warn("nats.url not set, using the in-process bus and queue")
		mem := bus.NewMemoryBus()
		queue := tasks.NewMemoryQueue(a.config.Worker.Concurrency * 16)
		a.bus, a.queue = mem, queue
		a.closers = append(a.closers,
			func(context.Context) error { return queue.Close() },
			func(context.Context) error { return mem.Close() },
		)
		return nil
	}

	nc, err := bus.Connect(natsCfg.URL, a.logger)
	if err != nil {
		return err
	}
	a.nc = nc
	a.closers = append(a.closers, func(context.Context) error { return nc.Drain() })
	a.bus = bus.NewNATSBus(nc)

	queue, err := tasks.NewJetStreamQueue(ctx, nc, tasks.JetStreamConfig{
		Stream:   natsCfg.Stream,
		Subject:  natsCfg.Subject,
		Consumer: natsCfg.Consumer,
		MaxAge:   natsCfg.MaxAge,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("open run queue: %w", err)
	}
	a.queue = queue
	a.closers = append(a.closers, func(context.Context) error { return queue.Close() })
	return nil
}

// buildLoop wires providers, tools and persistence into the executor.
func (a *app) buildLoop(mb *bus.MessageBus) (*agent.ToolExecutionLoop, error) {
	llm := a.config.LLM
	if !llm.HasProvider() {
		return nil, errors.New("llm: configure at least one of openai.api_key, anthropic.api_key or local.base_url")
	}

	var local agent.LLMProvider
	if llm.Local.Enabled() {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			Name:       "local",
			APIKey:     llm.Local.APIKey,
			BaseURL:    llm.Local.BaseURL,
			MaxRetries: llm.MaxRetries,
			RetryDelay: llm.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("local provider: %w", err)
		}
		local = p
	}
	router := agent.NewRouter(local, llm.Local.Model)

	if llm.OpenAI.APIKey != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:     llm.OpenAI.APIKey,
			BaseURL:    llm.OpenAI.BaseURL,
			MaxRetries: llm.MaxRetries,
			RetryDelay: llm.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		for _, prefix := range llm.OpenAI.ModelPrefixes {
			router.AddNative(prefix, p)
		}
	}
	if llm.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:     llm.Anthropic.APIKey,
			BaseURL:    llm.Anthropic.BaseURL,
			MaxRetries: llm.MaxRetries,
			RetryDelay: llm.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		for _, prefix := range llm.Anthropic.ModelPrefixes {
			router.AddNative(prefix, p)
		}
	}

	location, err := a.config.Tools.Location()
	if err != nil {
		return nil, err
	}
	extractor, err := a.buildExtractor()
	if err != nil {
		return nil, err
	}
	catalog := tools.NewCatalog(tools.CatalogConfig{
		Knowledge: knowledge.Config{
			URL:     a.config.Tools.VectorDBURL,
			TopK:    a.config.Tools.KnowledgeTopK,
			TopR:    a.config.Tools.KnowledgeTopR,
			Timeout: a.config.Tools.Timeout,
		},
		WebSearch: websearch.Config{
			SearXNGURL:    a.config.Tools.SearXNGURL,
			DuckDuckGoURL: a.config.Tools.DuckDuckGoURL,
			ResultCount:   a.config.Tools.SearchResults,
			CacheTTL:      a.config.Tools.SearchCacheTTL,
			BrowseResults: a.config.Tools.BrowseResults,
			Extractor:     extractor,
		},
		Location: location,
		Logger:   a.logger,
	})

	return agent.NewToolExecutionLoop(router, a.stores, mb, catalog,
		agent.WithLoopConfig(&agent.LoopConfig{
			MaxIterations:    llm.MaxIterations,
			MaxTokens:        llm.MaxTokens,
			Temperature:      llm.Temperature,
			TopP:             llm.TopP,
			LocalTemperature: llm.LocalTemperature,
		}),
		agent.WithLogger(a.logger),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.tracer),
	), nil
}

// buildExtractor returns the page reader WebBrowse uses for its top
// results, backed by headless Chromium when tools.browser is enabled.
func (a *app) buildExtractor() (*websearch.Extractor, error) {
	cfg := a.config.Tools
	if cfg.BrowseResults <= 0 {
		return nil, nil
	}
	opts := []websearch.ExtractorOption{
		websearch.WithMaxChars(cfg.MaxPageChars),
		websearch.WithFetchTimeout(cfg.Timeout),
	}
	if cfg.Browser.Enabled {
		pool, err := browser.NewPool(browser.Config{
			MaxInstances: cfg.Browser.MaxInstances,
			Timeout:      cfg.Browser.Timeout,
			Headed:       cfg.Browser.Headed,
			Install:      cfg.Browser.Install,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("browser pool: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return pool.Close() })
		opts = append(opts, websearch.WithFetcher(pool))
	}
	return websearch.NewExtractor(opts...), nil
}

func (a *app) start(ctx context.Context) error {
	if a.workers != nil {
		if err := a.workers.Start(ctx); err != nil {
			return fmt.Errorf("start workers: %w", err)
		}
	}
	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
	}
	return nil
}

// shutdown stops intake first, then drains workers, then closes
// dependencies in reverse order of opening.
func (a *app) shutdown(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			a.logger.Warn("http server stop", "error", err)
		}
	}
	if a.workers != nil {
		if err := a.workers.Stop(ctx); err != nil {
			a.logger.Warn("worker pool stop", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			a.logger.Warn("close dependency", "error", err)
		}
	}
	a.closers = nil
}
