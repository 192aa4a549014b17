package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a synchronous function the model may invoke by name.
type Tool interface {
	// Name is the identifier the model uses to call the tool.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema of the tool's arguments object.
	Schema() json.RawMessage

	// Execute runs the tool and returns its textual result.
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}

// ToolRegistry resolves tools for one run. Implementations are read-only once
// built and may be shared between goroutines.
type ToolRegistry interface {
	// Lookup returns the tool registered under name.
	Lookup(name string) (Tool, bool)

	// Tools returns all registered tools in registration order.
	Tools() []Tool
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// StaticToolRegistry is an immutable ToolRegistry. Arguments are validated
// against each tool's schema before the tool runs.
type StaticToolRegistry struct {
	tools map[string]registeredTool
	order []string
}

// NewToolRegistry builds a registry from tools. Later tools with a duplicate
// name replace earlier ones. A schema that fails to compile is an error.
func NewToolRegistry(tools ...Tool) (*StaticToolRegistry, error) {
	r := &StaticToolRegistry{tools: make(map[string]registeredTool, len(tools))}
	for _, tool := range tools {
		name := tool.Name()
		if name == "" || len(name) > MaxToolNameLength {
			return nil, fmt.Errorf("invalid tool name %q", name)
		}
		entry := registeredTool{tool: tool}
		if raw := tool.Schema(); len(bytes.TrimSpace(raw)) > 0 {
			compiled, err := jsonschema.CompileString("tool_"+name, string(raw))
			if err != nil {
				return nil, fmt.Errorf("compile schema for tool %s: %w", name, err)
			}
			entry.schema = compiled
		}
		if _, exists := r.tools[name]; !exists {
			r.order = append(r.order, name)
		}
		r.tools[name] = entry
	}
	return r, nil
}

// Lookup returns a validating wrapper around the named tool.
func (r *StaticToolRegistry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	if entry.schema == nil {
		return entry.tool, true
	}
	return validatingTool{Tool: entry.tool, schema: entry.schema}, true
}

// Tools returns the registered tools in registration order.
func (r *StaticToolRegistry) Tools() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Len returns the number of registered tools.
func (r *StaticToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

type validatingTool struct {
	Tool
	schema *jsonschema.Schema
}

func (t validatingTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	if len(params) > MaxToolParamsSize {
		return "", fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)
	}
	var value any
	if len(bytes.TrimSpace(params)) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return "", fmt.Errorf("decode arguments for %s: %w", t.Name(), err)
	}
	if err := t.schema.Validate(value); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", t.Name(), err)
	}
	return t.Tool.Execute(ctx, params)
}
