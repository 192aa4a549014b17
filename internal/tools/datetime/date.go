// Package datetime provides the GetDate tool.
package datetime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/conduit/internal/tools/toolschema"
)

// ToolName is the function name assistants declare to enable the tool.
const ToolName = "GetDate"

type params struct{}

// Tool reports today's date.
type Tool struct {
	location *time.Location
	now      func() time.Time
}

// New creates the tool. A nil location uses the local zone.
func New(location *time.Location) *Tool {
	if location == nil {
		location = time.Local
	}
	return &Tool{location: location, now: time.Now}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Useful for when you need to know today's date. Returns the date as YYYY-MM-DD."
}

func (t *Tool) Schema() json.RawMessage { return toolschema.Reflect(&params{}) }

// Execute ignores its arguments.
func (t *Tool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	return t.now().In(t.location).Format(time.DateOnly), nil
}
