package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

func sseServer(t *testing.T, events []string, inspect func(*http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprint(w, event)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) ([]*models.StreamChunk, error) {
	t.Helper()
	var units []*models.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return units, nil
			}
			if chunk.Error != nil {
				return units, chunk.Error
			}
			units = append(units, chunk.Unit)
		case <-timeout:
			t.Fatal("timed out waiting for stream")
		}
	}
}

func TestOpenAIProvider_StreamsWireUnits(t *testing.T) {
	var body map[string]any
	server := sseServer(t, []string{
		"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"GetDate\",\"arguments\":\"\"}}]}}]}\n\n",
		"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n",
		"data: [DONE]\n\n",
	}, func(r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
	})

	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Tools: []agent.ToolDefinition{{
			Name:        "GetDate",
			Description: "date",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	units, err := collect(t, chunks)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(units) != 4 {
		t.Fatalf("got %d units, want 4", len(units))
	}

	var content strings.Builder
	acc := agent.NewToolCallAccumulator()
	for _, u := range units {
		content.WriteString(u.Content())
		acc.Ingest(u)
	}
	if content.String() != "Hello" {
		t.Fatalf("content = %q", content.String())
	}
	calls := acc.Flush()
	if len(calls) != 1 || calls[0].ID != "call_1" || calls[0].Name != "GetDate" || calls[0].Arguments != "{}" {
		t.Fatalf("calls = %+v", calls)
	}
	if units[3].FinishReason() != "tool_calls" {
		t.Fatalf("finish reason = %q", units[3].FinishReason())
	}

	if body["stream"] != true {
		t.Errorf("request stream = %v", body["stream"])
	}
	if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v", body["response_format"])
	}
}

func TestOpenAIProvider_NonRetryableError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "bad", BaseURL: server.URL + "/v1", RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = provider.Complete(context.Background(), &agent.CompletionRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error")
	}
	providerErr, ok := GetProviderError(err)
	if !ok || providerErr.Reason != ReasonAuth {
		t.Fatalf("error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestOpenAIProvider_RetriesServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL + "/v1", RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{Model: "local"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	units, err := collect(t, chunks)
	if err != nil || len(units) != 1 || units[0].Content() != "ok" {
		t.Fatalf("units = %v, err = %v", units, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestNewOpenAIProvider_RequiresEndpoint(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error without key or base url")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{Name: "local", BaseURL: "http://localhost:4000/v1"})
	if err != nil || p.Name() != "local" {
		t.Fatalf("provider = %v, err = %v", p, err)
	}
}

func TestConvertToOpenAIMessages(t *testing.T) {
	got := convertToOpenAIMessages([]models.ChatMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "date?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "GetDate", Arguments: "{}"}}},
		{Role: models.RoleTool, Content: "2026-01-01", ToolCallID: "call_1", Name: "GetDate"},
	})
	if len(got) != 4 {
		t.Fatalf("got %d messages", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "be brief" {
		t.Errorf("system = %+v", got[0])
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].Function.Name != "GetDate" || got[2].ToolCalls[0].Type != openai.ToolTypeFunction {
		t.Errorf("assistant = %+v", got[2])
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call_1" {
		t.Errorf("tool = %+v", got[3])
	}
}

func TestConvertToOpenAITools_InvalidSchema(t *testing.T) {
	tools := convertToOpenAITools([]agent.ToolDefinition{{Name: "broken", Parameters: json.RawMessage(`{`)}})
	schema, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Fatalf("parameters = %#v", tools[0].Function.Parameters)
	}
}

func TestConvertOpenAIStreamResponse_LegacyFunctionCall(t *testing.T) {
	unit := convertOpenAIStreamResponse(openai.ChatCompletionStreamResponse{
		ID: "c9",
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				FunctionCall: &openai.FunctionCall{Name: "GetDate", Arguments: "{}"},
			},
		}},
	})
	d := unit.Delta()
	if d == nil || d.FunctionCall == nil || d.FunctionCall.Name != "GetDate" {
		t.Fatalf("delta = %+v", d)
	}
}
