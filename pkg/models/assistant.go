package models

import (
	"encoding/json"
	"time"
)

// ToolType identifies how an assistant tool is resolved.
type ToolType string

const (
	ToolTypeRetrieval       ToolType = "retrieval"
	ToolTypeWebBrowse       ToolType = "web_browse"
	ToolTypeFunction        ToolType = "function"
	ToolTypeCodeInterpreter ToolType = "code_interpreter"
)

// FunctionSpec describes a function tool declared on an assistant.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolSpec is one entry of an assistant's tool list.
type ToolSpec struct {
	Type     ToolType      `json:"type"`
	Function *FunctionSpec `json:"function,omitempty"`
}

// Assistant is a configured model persona with instructions and tools.
type Assistant struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Model        string     `json:"model"`
	Instructions string     `json:"instructions,omitempty"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	FileIDs      []string   `json:"file_ids,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
