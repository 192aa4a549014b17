// Package toolschema derives tool parameter schemas from Go structs.
package toolschema

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	DoNotReference:            true,
	ExpandedStruct:            true,
	AllowAdditionalProperties: true,
}

// Reflect returns the JSON Schema of v's type. Fields without omitempty are
// required.
func Reflect(v any) json.RawMessage {
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
