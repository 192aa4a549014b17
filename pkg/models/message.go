// Package models provides domain types for the conduit run engine.
package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ChatMessage is one entry of the working message list sent to a model.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a completed tool invocation requested by a model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ThreadMessage is the persisted form of a message in a thread.
type ThreadMessage struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	AssistantID string         `json:"assistant_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ChatMessage converts a persisted message into its working-list form.
func (m *ThreadMessage) ChatMessage() ChatMessage {
	msg := ChatMessage{Role: m.Role, Content: m.Content}
	if m.Metadata != nil {
		if id, ok := m.Metadata["tool_call_id"].(string); ok {
			msg.ToolCallID = id
		}
		if name, ok := m.Metadata["name"].(string); ok {
			msg.Name = name
		}
	}
	return msg
}

// Thread groups messages of one conversation.
type Thread struct {
	ID        string         `json:"id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IsBlank reports whether content carries no visible text.
func IsBlank(content string) bool {
	return strings.TrimSpace(content) == ""
}
