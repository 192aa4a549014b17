package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name identifies the provider in logs and metrics. Default: "openai".
	Name string

	// APIKey authenticates requests. May be empty for local proxies.
	APIKey string

	// BaseURL points at an OpenAI-compatible endpoint, e.g. a LiteLLM proxy
	// serving local models. Empty uses api.openai.com.
	BaseURL string

	// MaxRetries bounds attempts to open a stream. Default: 3.
	MaxRetries int

	// RetryDelay is the first backoff delay; later delays double. Default: 1s.
	RetryDelay time.Duration

	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// OpenAIProvider streams chat completions from OpenAI or any endpoint that
// speaks its API. OpenAI stream deltas already have the content-topic wire
// shape, so units are forwarded with only their fields copied across.
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use. Each Complete() call creates an
// independent stream and goroutine.
type OpenAIProvider struct {
	BaseProvider
	client *openai.Client
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, errors.New("openai: api key or base url required")
	}
	name := config.Name
	if name == "" {
		name = "openai"
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.HTTPClient != nil {
		clientConfig.HTTPClient = config.HTTPClient
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(name, config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Complete opens a chat completion stream. Opening is retried with backoff
// on rate limits, timeouts and server errors; errors after the
// stream is open are delivered on the channel and never retried.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertToOpenAIMessages(req.Messages),
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
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

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		if !sendUnit(ctx, chunks, convertOpenAIStreamResponse(response)) {
			return
		}
	}
}

// convertOpenAIStreamResponse copies a stream response into a wire unit.
func convertOpenAIStreamResponse(resp openai.ChatCompletionStreamResponse) *models.StreamChunk {
	unit := &models.StreamChunk{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]models.StreamChoice, 0, len(resp.Choices)),
	}
	for _, choice := range resp.Choices {
		delta := models.StreamDelta{
			Role:    models.Role(choice.Delta.Role),
			Content: choice.Delta.Content,
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			delta.ToolCalls = append(delta.ToolCalls, models.ToolCallFragment{
				Index: index,
				ID:    tc.ID,
				Type:  string(tc.Type),
				Function: models.FunctionFragment{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if fc := choice.Delta.FunctionCall; fc != nil {
			delta.FunctionCall = &models.FunctionFragment{Name: fc.Name, Arguments: fc.Arguments}
		}
		unit.Choices = append(unit.Choices, models.StreamChoice{
			Index:        choice.Index,
			Delta:        delta,
			FinishReason: string(choice.FinishReason),
		})
	}
	return unit
}

func convertToOpenAIMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case models.RoleTool:
			oaiMsg.ToolCallID = msg.ToolCallID
			oaiMsg.Name = msg.Name
		}
		result = append(result, oaiMsg)
	}
	return result
}

func convertToOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			// A bad schema degrades to an empty object so other tools keep working.
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError(p.Name(), model, err)

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		providerErr.Message = apiErr.Message
		providerErr.WithStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		providerErr.WithStatus(reqErr.HTTPStatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		providerErr.Reason = ReasonTimeout
	}
	if providerErr.Message == "" {
		providerErr.Message = fmt.Sprintf("request failed: %v", err)
	}
	return providerErr
}
