package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conduit/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations translate a provider's native streaming format into the
// content-topic wire unit (models.StreamChunk) so the loop can relay units
// verbatim and reconstruct tool calls from their fragments.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Workers call Complete()
// simultaneously for different runs.
//
// See Also:
//   - providers.OpenAIProvider for OpenAI-compatible endpoints
//   - providers.AnthropicProvider for Anthropic Claude
type LLMProvider interface {
	// Complete sends a request and returns a streaming response. The channel
	// is closed when the stream ends; a chunk carrying Error ends it early.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use.
	Model string `json:"model"`

	// Messages contains the conversation in order, system message first.
	Messages []models.ChatMessage `json:"messages"`

	// Tools defines tools the model may call through the native tool format.
	// Left empty on the plain-text path.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens limits the generated response. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature and TopP are passed through when non-zero.
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`

	// JSONMode asks the provider for a JSON object response.
	JSONMode bool `json:"json_mode,omitempty"`
}

// ToolDefinition is the provider-facing description of a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CompletionChunk is one element of a provider stream.
//
// Exactly one of Unit or Error is set. Units are forwarded to the content
// topic unchanged.
type CompletionChunk struct {
	Unit  *models.StreamChunk
	Error error
}

// ToolDefinitions converts tools into provider-facing definitions.
func ToolDefinitions(tools []Tool) []ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}
