package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var durationType = reflect.TypeOf(time.Duration(0))

// JSONSchema returns the JSON Schema of a conduit configuration file.
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:   "yaml",
		ExpandedStruct: true,
		Mapper:         mapConfigType,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "conduit configuration"
	if schema.Properties != nil {
		schema.Properties.Set(includeKey, &jsonschema.Schema{
			Description: "Files merged beneath this one, relative to it.",
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
		})
	}
	return json.MarshalIndent(schema, "", "  ")
})

// mapConfigType describes durations the way YAML spells them ("30s").
func mapConfigType(t reflect.Type) *jsonschema.Schema {
	if t == durationType {
		return &jsonschema.Schema{
			Type:    "string",
			Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		}
	}
	return nil
}
