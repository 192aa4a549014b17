package models

import (
	"encoding/json"
	"testing"
)

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem, RoleTool} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Role("narrator").Valid() {
		t.Error("unknown role reported valid")
	}
}

func TestThreadMessage_ChatMessage(t *testing.T) {
	msg := &ThreadMessage{
		Role:     RoleTool,
		Content:  "2026-01-01",
		Metadata: map[string]any{"tool_call_id": "call_1", "name": "GetDate"},
	}
	got := msg.ChatMessage()
	if got.Role != RoleTool || got.Content != "2026-01-01" || got.ToolCallID != "call_1" || got.Name != "GetDate" {
		t.Fatalf("ChatMessage() = %+v", got)
	}
}

func TestStreamChunk_Wire(t *testing.T) {
	raw := `{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_9","function":{"name":"WebBrowse","arguments":"{\"q"}}]}}]}`
	var chunk StreamChunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		t.Fatal(err)
	}
	d := chunk.Delta()
	if d == nil || len(d.ToolCalls) != 1 {
		t.Fatalf("Delta() = %+v", d)
	}
	tc := d.ToolCalls[0]
	if tc.Index != 1 || tc.ID != "call_9" || tc.Function.Name != "WebBrowse" || tc.Function.Arguments != `{"q` {
		t.Fatalf("fragment = %+v", tc)
	}
}

func TestStreamChunk_WithContent(t *testing.T) {
	src := &StreamChunk{
		ID:    "c1",
		Model: "local",
		Choices: []StreamChoice{{
			Delta:        StreamDelta{Content: `{"content": "Hi`},
			FinishReason: "stop",
		}},
	}
	out := src.WithContent("Hi")
	if out.ID != "c1" || out.Model != "local" || out.Content() != "Hi" || out.FinishReason() != "stop" {
		t.Fatalf("WithContent() = %+v", out)
	}
	if src.Content() != `{"content": "Hi` {
		t.Fatal("WithContent mutated the source chunk")
	}

	var empty *StreamChunk
	if empty.Content() != "" || empty.Delta() != nil {
		t.Fatal("nil chunk should have no content")
	}
	if got := empty.WithContent("x").Content(); got != "x" {
		t.Fatalf("nil.WithContent() content = %q", got)
	}
}

func TestIsBlank(t *testing.T) {
	if !IsBlank(" \n\t") || IsBlank(" a ") {
		t.Fatal("IsBlank mismatch")
	}
}
