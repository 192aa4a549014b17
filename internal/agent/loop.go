package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/conduit/internal/bus"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Persistence is the storage the loop reads runs from and writes results to.
type Persistence interface {
	GetAssistant(ctx context.Context, id string) (*models.Assistant, error)
	ListThreadMessages(ctx context.Context, threadID string) ([]*models.ThreadMessage, error)
	InsertMessage(ctx context.Context, msg *models.ThreadMessage) error

	// TransitionRun moves a run to status. It returns an error wrapping
	// models.ErrInvalidTransition when the current status does not allow it.
	TransitionRun(ctx context.Context, runID string, status models.RunStatus, at time.Time) error
}

// Publisher delivers loop output to the message bus.
type Publisher interface {
	// PublishContent is fire-and-forget; it never blocks on subscribers.
	PublishContent(ctx context.Context, topic bus.Topic, unit *models.StreamChunk)
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// ToolCatalog builds the tool registry for an assistant.
type ToolCatalog interface {
	Registry(ctx context.Context, assistant *models.Assistant) (ToolRegistry, error)
}

// ProviderResolver picks the provider route for a model.
type ProviderResolver interface {
	Resolve(model string) (Route, error)
}

// LoopConfig configures run execution.
type LoopConfig struct {
	// MaxIterations limits the number of model turns per run
	// Default: 10
	MaxIterations int

	// MaxTokens is the max tokens for LLM responses (0 = provider default)
	MaxTokens int

	// Temperature and TopP apply to native routes (0 = provider default)
	Temperature float32
	TopP        float32

	// LocalTemperature applies to the plain-text envelope path
	// Default: 0.1
	LocalTemperature float32
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:    10,
		LocalTemperature: 0.1,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens < 0 {
		cfg.MaxTokens = 0
	}
	if cfg.LocalTemperature <= 0 {
		cfg.LocalTemperature = defaults.LocalTemperature
	}
	return &cfg
}

// ToolExecutionLoop executes runs: it drives model turns, executes the tools
// the model asks for and owns the run's status transitions.
//
//	queued ──claim──▶ in_progress ──▶ stream ──tool calls──▶ execute tools ─┐
//	                                    ▲                                   │
//	                                    └───────────────────────────────────┘
//	                                    │ no tool calls
//	                                    ▼
//	                     persist answer ──▶ completed ──▶ status event
//
// Any error moves the run to failed and publishes a failed status event.
type ToolExecutionLoop struct {
	router    ProviderResolver
	store     Persistence
	publisher Publisher
	catalog   ToolCatalog
	config    *LoopConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	now       func() time.Time
	newID     func() string
}

// LoopOption customizes a ToolExecutionLoop.
type LoopOption func(*ToolExecutionLoop)

// WithLoopConfig sets the loop configuration.
func WithLoopConfig(config *LoopConfig) LoopOption {
	return func(l *ToolExecutionLoop) { l.config = sanitizeLoopConfig(config) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *ToolExecutionLoop) {
		if logger != nil {
			l.logger = logger.With("component", "loop")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) LoopOption {
	return func(l *ToolExecutionLoop) { l.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) LoopOption {
	return func(l *ToolExecutionLoop) { l.tracer = tracer }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) LoopOption {
	return func(l *ToolExecutionLoop) {
		if now != nil {
			l.now = now
		}
	}
}

// NewToolExecutionLoop creates a loop. All collaborators are required.
func NewToolExecutionLoop(router ProviderResolver, store Persistence, publisher Publisher, catalog ToolCatalog, opts ...LoopOption) *ToolExecutionLoop {
	l := &ToolExecutionLoop{
		router:    router,
		store:     store,
		publisher: publisher,
		catalog:   catalog,
		config:    DefaultLoopConfig(),
		logger:    slog.Default().With("component", "loop"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// runContext carries the per-run state shared by the loop phases.
type runContext struct {
	req       models.RunRequest
	assistant *models.Assistant
	registry  ToolRegistry
	route     Route
	topic     bus.Topic
	logger    *slog.Logger
	lastUnit  *models.StreamChunk
}

// Execute runs one queued run to completion. A run that is no longer queued
// was dispatched twice and is skipped without publishing anything. Failures
// are recorded on the run and returned; they are never retried.
func (l *ToolExecutionLoop) Execute(ctx context.Context, req models.RunRequest) error {
	logger := l.logger.With("run_id", req.RunID, "thread_id", req.ThreadID, "assistant_id", req.AssistantID)
	ctx, span := l.tracer.Start(ctx, "run.execute",
		attribute.String("run.id", req.RunID),
		attribute.String("thread.id", req.ThreadID),
	)
	defer span.End()
	start := l.now()

	if err := l.store.TransitionRun(ctx, req.RunID, models.RunStatusInProgress, l.now()); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			logger.Warn("run is not queued, skipping duplicate dispatch", "error", err)
			l.metrics.RecordRun("skipped", 0)
			return nil
		}
		loopErr := &LoopError{Phase: PhaseInit, Message: "claim run", Cause: err}
		l.tracer.RecordError(span, loopErr)
		return l.fail(ctx, logger, req, start, loopErr)
	}
	logger.Info("run started")

	answer, err := l.run(ctx, logger, req)
	if err == nil {
		err = l.complete(ctx, req, answer)
	}
	if err != nil {
		l.tracer.RecordError(span, err)
		return l.fail(ctx, logger, req, start, err)
	}

	l.publishStatus(ctx, logger, req, models.RunStatusCompleted)
	l.metrics.RecordRun(string(models.RunStatusCompleted), l.now().Sub(start))
	logger.Info("run completed", "duration", l.now().Sub(start))
	return nil
}

func (l *ToolExecutionLoop) run(ctx context.Context, logger *slog.Logger, req models.RunRequest) (string, error) {
	assistant, err := l.store.GetAssistant(ctx, req.AssistantID)
	if err != nil {
		return "", &LoopError{Phase: PhaseInit, Message: "load assistant", Cause: err}
	}
	history, err := l.store.ListThreadMessages(ctx, req.ThreadID)
	if err != nil {
		return "", &LoopError{Phase: PhaseInit, Message: "load thread messages", Cause: err}
	}
	registry, err := l.catalog.Registry(ctx, assistant)
	if err != nil {
		return "", &LoopError{Phase: PhaseInit, Message: "build tool registry", Cause: err}
	}
	route, err := l.router.Resolve(assistant.Model)
	if err != nil {
		return "", &LoopError{Phase: PhaseInit, Cause: err}
	}

	topic := bus.ContentTopic(req.ThreadID, req.RunID)
	if req.ContentTopic != "" {
		topic = bus.ContentTopicNamed(req.ContentTopic)
	}

	rc := &runContext{
		req:       req,
		assistant: assistant,
		registry:  registry,
		route:     route,
		topic:     topic,
		logger:    logger.With("model", route.Model, "provider", route.Provider.Name()),
	}
	if route.Native {
		return l.runNative(ctx, rc, conversation(history))
	}
	return l.runLocal(ctx, rc, conversation(history))
}

// conversation keeps the user and assistant turns of a thread.
func conversation(history []*models.ThreadMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleUser || msg.Role == models.RoleAssistant {
			out = append(out, msg.ChatMessage())
		}
	}
	return out
}

func (l *ToolExecutionLoop) runNative(ctx context.Context, rc *runContext, history []models.ChatMessage) (string, error) {
	var messages []models.ChatMessage
	if instructions := strings.TrimSpace(rc.assistant.Instructions); instructions != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: instructions})
	}
	messages = append(messages, history...)
	tools := ToolDefinitions(rc.registry.Tools())

	for iteration := 0; ; iteration++ {
		if iteration >= l.config.MaxIterations {
			return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ErrMaxIterations}
		}

		acc := NewToolCallAccumulator()
		var content strings.Builder
		err := l.stream(ctx, rc, l.request(rc.route.Model, messages, tools, false), func(unit *models.StreamChunk) {
			acc.Ingest(unit)
			content.WriteString(unit.Content())
			l.publisher.PublishContent(ctx, rc.topic, unit)
		})
		if err != nil {
			return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		calls := acc.Flush()
		if len(calls) == 0 {
			return content.String(), nil
		}
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + l.newID()
			}
		}

		messages = append(messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   content.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			result := l.invokeTool(ctx, rc, call)
			msg := models.ChatMessage{
				Role:       models.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			}
			messages = append(messages, msg)
			if err := l.persistToolResult(ctx, rc, msg); err != nil {
				return "", &LoopError{Phase: PhasePersist, Iteration: iteration, Cause: err}
			}
		}
	}
}

func (l *ToolExecutionLoop) runLocal(ctx context.Context, rc *runContext, history []models.ChatMessage) (string, error) {
	tools := rc.registry.Tools()
	messages := make([]models.ChatMessage, 0, len(history)+1)
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: BuildEnvelopePrompt(rc.assistant.Instructions, tools),
	})
	messages = append(messages, history...)

	if len(tools) == 0 {
		var content strings.Builder
		err := l.stream(ctx, rc, l.request(rc.route.Model, messages, nil, false), func(unit *models.StreamChunk) {
			content.WriteString(unit.Content())
			l.publisher.PublishContent(ctx, rc.topic, unit)
		})
		if err != nil {
			return "", &LoopError{Phase: PhaseStream, Cause: err}
		}
		return content.String(), nil
	}

	for iteration := 0; ; iteration++ {
		if iteration >= l.config.MaxIterations {
			return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ErrMaxIterations}
		}

		emulator := NewLocalEnvelopeEmulator()
		err := l.stream(ctx, rc, l.request(rc.route.Model, messages, nil, true), func(unit *models.StreamChunk) {
			relay := emulator.Feed(unit.Content())
			// The closing unit of a chat turn carries the finish reason.
			finishing := unit.FinishReason() != "" && emulator.State() == EnvelopeChat
			if relay != "" || finishing {
				l.publisher.PublishContent(ctx, rc.topic, unit.WithContent(relay))
			}
		})
		if err != nil {
			return "", &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		env := emulator.Finish()
		rc.logger.Debug("envelope resolved", "iteration", iteration, "kind", env.Kind, "function", env.Function)
		if env.Kind == EnvelopeKindChat {
			if !env.Relayed && !models.IsBlank(env.Content) {
				l.publisher.PublishContent(ctx, rc.topic, l.syntheticUnit(rc, env.Content, ""))
			}
			return env.Content, nil
		}

		call := models.ToolCall{ID: "call_" + l.newID(), Name: env.Function, Arguments: string(env.Args)}
		result := l.invokeTool(ctx, rc, call)
		l.publisher.PublishContent(ctx, rc.topic, l.syntheticUnit(rc, result, ""))
		l.publisher.PublishContent(ctx, rc.topic, l.syntheticUnit(rc, "", "stop"))

		messages = append(messages,
			models.ChatMessage{Role: models.RoleAssistant, Content: env.Raw},
			models.ChatMessage{Role: models.RoleUser, Content: fmt.Sprintf("Output of tool %s:\n%s", call.Name, result)},
		)
		toolMsg := models.ChatMessage{Role: models.RoleTool, Content: result, ToolCallID: call.ID, Name: call.Name}
		if err := l.persistToolResult(ctx, rc, toolMsg); err != nil {
			return "", &LoopError{Phase: PhasePersist, Iteration: iteration, Cause: err}
		}
	}
}

func (l *ToolExecutionLoop) request(model string, messages []models.ChatMessage, tools []ToolDefinition, envelope bool) *CompletionRequest {
	req := &CompletionRequest{
		Model:     model,
		Messages:  append([]models.ChatMessage(nil), messages...),
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	}
	if envelope {
		req.Temperature = l.config.LocalTemperature
		req.JSONMode = true
	} else {
		req.Temperature = l.config.Temperature
		req.TopP = l.config.TopP
	}
	return req
}

// stream runs one model turn, handing every unit to handle in order.
func (l *ToolExecutionLoop) stream(ctx context.Context, rc *runContext, req *CompletionRequest, handle func(*models.StreamChunk)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx, span := l.tracer.Start(ctx, "llm.stream",
		attribute.String("llm.provider", rc.route.Provider.Name()),
		attribute.String("llm.model", req.Model),
	)
	defer span.End()
	start := l.now()

	chunks, err := rc.route.Provider.Complete(ctx, req)
	if err != nil {
		l.metrics.RecordLLMRequest(rc.route.Provider.Name(), req.Model, "error", l.now().Sub(start))
		l.tracer.RecordError(span, err)
		return err
	}
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			l.metrics.RecordLLMRequest(rc.route.Provider.Name(), req.Model, "error", l.now().Sub(start))
			l.tracer.RecordError(span, chunk.Error)
			return chunk.Error
		}
		if chunk.Unit == nil {
			continue
		}
		rc.lastUnit = chunk.Unit
		handle(chunk.Unit)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.metrics.RecordLLMRequest(rc.route.Provider.Name(), req.Model, "success", l.now().Sub(start))
	return nil
}

// syntheticUnit builds a unit in the shape of the last streamed one.
func (l *ToolExecutionLoop) syntheticUnit(rc *runContext, content, finishReason string) *models.StreamChunk {
	var unit *models.StreamChunk
	if rc.lastUnit != nil {
		unit = rc.lastUnit.WithContent(content)
	} else {
		unit = models.ContentChunk("chatcmpl-"+l.newID(), content)
	}
	unit.Choices[0].FinishReason = finishReason
	return unit
}

// invokeTool runs one call. Failures never escape: the model receives a
// fixed error text instead and the loop continues.
func (l *ToolExecutionLoop) invokeTool(ctx context.Context, rc *runContext, call models.ToolCall) string {
	ctx, span := l.tracer.Start(ctx, "tool.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()
	start := l.now()
	logger := rc.logger.With("tool", call.Name, "tool_call_id", call.ID)

	tool, ok := rc.registry.Lookup(call.Name)
	if !ok {
		logger.Warn("model requested unknown tool")
		l.metrics.RecordToolExecution(call.Name, string(ToolErrorNotFound), 0)
		return fmt.Sprintf("tool %q is not available", call.Name)
	}

	params := json.RawMessage(call.Arguments)
	if strings.TrimSpace(call.Arguments) == "" {
		params = json.RawMessage("{}")
	}
	result, err := safeExecute(ctx, tool, params)
	elapsed := l.now().Sub(start)
	if err != nil {
		toolErr := NewToolError(call.Name, call.ID, err)
		logger.Warn("tool execution failed", "error_type", toolErr.Type, "error", err)
		l.tracer.RecordError(span, toolErr)
		l.metrics.RecordToolExecution(call.Name, string(toolErr.Type), elapsed)
		return ToolFailureMessage
	}
	logger.Debug("tool executed", "duration", elapsed, "result_bytes", len(result))
	l.metrics.RecordToolExecution(call.Name, "success", elapsed)
	return result
}

func safeExecute(ctx context.Context, tool Tool, params json.RawMessage) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrToolPanic, r)
		}
	}()
	return tool.Execute(ctx, params)
}

func (l *ToolExecutionLoop) persistToolResult(ctx context.Context, rc *runContext, msg models.ChatMessage) error {
	return l.store.InsertMessage(ctx, &models.ThreadMessage{
		ID:          l.newID(),
		ThreadID:    rc.req.ThreadID,
		AssistantID: rc.req.AssistantID,
		RunID:       rc.req.RunID,
		Role:        models.RoleTool,
		Content:     msg.Content,
		Metadata:    map[string]any{"tool_call_id": msg.ToolCallID, "name": msg.Name},
		CreatedAt:   l.now(),
	})
}

// complete persists the answer, then marks the run completed. The message
// is always written before the completed status becomes observable.
func (l *ToolExecutionLoop) complete(ctx context.Context, req models.RunRequest, answer string) error {
	if !models.IsBlank(answer) {
		err := l.store.InsertMessage(ctx, &models.ThreadMessage{
			ID:          l.newID(),
			ThreadID:    req.ThreadID,
			AssistantID: req.AssistantID,
			RunID:       req.RunID,
			Role:        models.RoleAssistant,
			Content:     answer,
			CreatedAt:   l.now(),
		})
		if err != nil {
			return &LoopError{Phase: PhasePersist, Message: "persist assistant message", Cause: err}
		}
	}
	if err := l.store.TransitionRun(ctx, req.RunID, models.RunStatusCompleted, l.now()); err != nil {
		return &LoopError{Phase: PhaseComplete, Cause: err}
	}
	return nil
}

func (l *ToolExecutionLoop) fail(ctx context.Context, logger *slog.Logger, req models.RunRequest, start time.Time, cause error) error {
	logger.Error("run failed", "error", cause)
	// Record the failure even when the worker is shutting down.
	ctx = context.WithoutCancel(ctx)
	if err := l.store.TransitionRun(ctx, req.RunID, models.RunStatusFailed, l.now()); err != nil {
		logger.Error("failed to mark run failed", "error", err)
	}
	l.publishStatus(ctx, logger, req, models.RunStatusFailed)
	l.metrics.RecordRun(string(models.RunStatusFailed), l.now().Sub(start))
	return cause
}

func (l *ToolExecutionLoop) publishStatus(ctx context.Context, logger *slog.Logger, req models.RunRequest, status models.RunStatus) {
	event := models.StatusEvent{ThreadID: req.ThreadID, RunID: req.RunID, Status: status}
	if err := l.publisher.PublishStatus(ctx, event); err != nil {
		logger.Error("failed to publish status event", "status", status, "error", err)
	}
}
