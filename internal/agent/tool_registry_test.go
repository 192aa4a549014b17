package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type funcTool struct {
	name   string
	desc   string
	schema string
	fn     func(ctx context.Context, params json.RawMessage) (string, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.desc }
func (t *funcTool) Schema() json.RawMessage {
	if t.schema == "" {
		return nil
	}
	return json.RawMessage(t.schema)
}
func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	if t.fn == nil {
		return "ok", nil
	}
	return t.fn(ctx, params)
}

const querySchema = `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`

func TestStaticToolRegistry_Validation(t *testing.T) {
	var got string
	search := &funcTool{name: "Search", schema: querySchema, fn: func(_ context.Context, p json.RawMessage) (string, error) {
		got = string(p)
		return "found", nil
	}}
	reg, err := NewToolRegistry(search)
	if err != nil {
		t.Fatalf("NewToolRegistry() error = %v", err)
	}
	tool, ok := reg.Lookup("Search")
	if !ok {
		t.Fatal("Lookup(Search) missing")
	}

	tests := []struct {
		name    string
		params  string
		wantErr string
	}{
		{name: "valid", params: `{"query":"go"}`},
		{name: "missing required", params: `{}`, wantErr: "invalid arguments"},
		{name: "wrong type", params: `{"query":1}`, wantErr: "invalid arguments"},
		{name: "malformed json", params: `{"query":`, wantErr: "decode arguments"},
		{name: "empty params", params: ``, wantErr: "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = ""
			result, err := tool.Execute(context.Background(), json.RawMessage(tt.params))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want %q", err, tt.wantErr)
				}
				if got != "" {
					t.Fatal("tool ran despite invalid arguments")
				}
				return
			}
			if err != nil || result != "found" || got != tt.params {
				t.Fatalf("Execute() = %q, %v (params %q)", result, err, got)
			}
		})
	}
}

func TestStaticToolRegistry_Registration(t *testing.T) {
	first := &funcTool{name: "A", desc: "first"}
	second := &funcTool{name: "B"}
	replacement := &funcTool{name: "A", desc: "replacement"}

	reg, err := NewToolRegistry(first, second, replacement)
	if err != nil {
		t.Fatalf("NewToolRegistry() error = %v", err)
	}
	tools := reg.Tools()
	if reg.Len() != 2 || tools[0].Description() != "replacement" || tools[1].Name() != "B" {
		t.Fatalf("Tools() = %v", tools)
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) found a tool")
	}

	var nilReg *StaticToolRegistry
	if _, ok := nilReg.Lookup("A"); ok || nilReg.Tools() != nil {
		t.Fatal("nil registry should be empty")
	}
}

func TestNewToolRegistry_Errors(t *testing.T) {
	if _, err := NewToolRegistry(&funcTool{name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := NewToolRegistry(&funcTool{name: strings.Repeat("x", MaxToolNameLength+1)}); err == nil {
		t.Fatal("expected error for long name")
	}
	if _, err := NewToolRegistry(&funcTool{name: "Bad", schema: `{"type": 5}`}); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestToolError_Classification(t *testing.T) {
	tests := []struct {
		err  error
		want ToolErrorType
	}{
		{ErrToolNotFound, ToolErrorNotFound},
		{errors.Join(ErrToolPanic, errors.New("boom")), ToolErrorPanic},
		{context.DeadlineExceeded, ToolErrorTimeout},
		{errors.New("dial tcp: connection refused"), ToolErrorNetwork},
		{errors.New("invalid arguments for X"), ToolErrorInvalidInput},
		{errors.New("something broke"), ToolErrorExecution},
	}
	for _, tt := range tests {
		if got := NewToolError("T", "call_1", tt.err).Type; got != tt.want {
			t.Errorf("NewToolError(%v).Type = %s, want %s", tt.err, got, tt.want)
		}
	}
}
