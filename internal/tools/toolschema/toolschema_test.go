package toolschema

import (
	"encoding/json"
	"testing"
)

type params struct {
	Query string `json:"query" jsonschema:"description=the question"`
	Limit int    `json:"limit,omitempty"`
}

func TestReflect(t *testing.T) {
	var schema struct {
		Type       string                     `json:"type"`
		Schema     string                     `json:"$schema"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(Reflect(&params{}), &schema); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if schema.Type != "object" || schema.Schema != "" {
		t.Fatalf("schema = %+v", schema)
	}
	if _, ok := schema.Properties["query"]; !ok {
		t.Fatal("missing query property")
	}
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Fatalf("required = %v", schema.Required)
	}
}
