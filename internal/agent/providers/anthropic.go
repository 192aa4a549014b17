package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// MaxRetries bounds attempts to open a stream. Default: 3.
	MaxRetries int

	// RetryDelay is the first backoff delay; later delays double. Default: 1s.
	RetryDelay time.Duration
}

// AnthropicProvider streams Claude messages and re-shapes the SSE events into
// content-topic wire units: text deltas become content, tool_use blocks
// become indexed tool-call fragments whose input JSON streams as arguments.
type AnthropicProvider struct {
	BaseProvider
	client anthropic.Client
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		client:       anthropic.NewClient(options...),
	}, nil
}

// Complete opens a message stream.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	system, messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = p.Retry(ctx, func() error {
		stream = p.client.Messages.NewStreaming(ctx, params)
		// Request errors surface before the first event.
		if err := stream.Err(); err != nil {
			return p.wrapError(err, req.Model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	conv := newAnthropicChunker(model)
	for stream.Next() {
		event := stream.Current()
		if event.Type == "error" {
			send(ctx, chunks, &agent.CompletionChunk{
				Error: &ProviderError{Reason: ReasonStream, Provider: p.Name(), Model: model, Message: "anthropic stream error"},
			})
			return
		}
		unit := conv.convert(event)
		if unit == nil {
			continue
		}
		if !sendUnit(ctx, chunks, unit) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
	}
}

// anthropicChunker tracks the block-to-fragment mapping of one message.
type anthropicChunker struct {
	id        string
	model     string
	nextIndex int
	toolIndex map[int64]int
}

func newAnthropicChunker(model string) *anthropicChunker {
	return &anthropicChunker{model: model, toolIndex: make(map[int64]int)}
}

func (c *anthropicChunker) unit(delta models.StreamDelta, finish string) *models.StreamChunk {
	return &models.StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Model:   c.model,
		Choices: []models.StreamChoice{{Delta: delta, FinishReason: finish}},
	}
}

// convert maps one SSE event to a wire unit, or nil for bookkeeping events.
func (c *anthropicChunker) convert(event anthropic.MessageStreamEventUnion) *models.StreamChunk {
	switch event.Type {
	case "message_start":
		start := event.AsMessageStart()
		c.id = start.Message.ID
		if start.Message.Model != "" {
			c.model = string(start.Message.Model)
		}
		return c.unit(models.StreamDelta{Role: models.RoleAssistant}, "")

	case "content_block_start":
		start := event.AsContentBlockStart()
		if start.ContentBlock.Type != "tool_use" {
			return nil
		}
		toolUse := start.ContentBlock.AsToolUse()
		index := c.nextIndex
		c.nextIndex++
		c.toolIndex[start.Index] = index
		return c.unit(models.StreamDelta{ToolCalls: []models.ToolCallFragment{{
			Index:    index,
			ID:       toolUse.ID,
			Type:     "function",
			Function: models.FunctionFragment{Name: toolUse.Name},
		}}}, "")

	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text == "" {
				return nil
			}
			return c.unit(models.StreamDelta{Content: delta.Delta.Text}, "")
		case "input_json_delta":
			index, ok := c.toolIndex[delta.Index]
			if !ok || delta.Delta.PartialJSON == "" {
				return nil
			}
			return c.unit(models.StreamDelta{ToolCalls: []models.ToolCallFragment{{
				Index:    index,
				Function: models.FunctionFragment{Arguments: delta.Delta.PartialJSON},
			}}}, "")
		}

	case "message_delta":
		delta := event.AsMessageDelta()
		if reason := finishReason(string(delta.Delta.StopReason)); reason != "" {
			return c.unit(models.StreamDelta{}, reason)
		}
	}
	return nil
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "":
		return ""
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// convertAnthropicMessages splits out the system prompt and folds tool
// results into user turns, merging consecutive results into one message.
func convertAnthropicMessages(messages []models.ChatMessage) (string, []anthropic.MessageParam, error) {
	var system []string
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}

		case models.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			if n := len(result); n > 0 && result[n-1].Role == anthropic.MessageParamRoleUser && isToolResultTurn(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropic.NewUserMessage(block))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any = map[string]any{}
				if strings.TrimSpace(tc.Arguments) != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return "", nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}

		default:
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	return strings.Join(system, "\n\n"), result, nil
}

func isToolResultTurn(msg anthropic.MessageParam) bool {
	for _, block := range msg.Content {
		if block.OfToolResult == nil {
			return false
		}
	}
	return len(msg.Content) > 0
}

func convertAnthropicTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError(p.Name(), model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr.WithStatus(apiErr.StatusCode)
	}
	return providerErr
}
