package agent

import (
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

type fragmentEntry struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// ToolCallAccumulator rebuilds complete tool calls from streamed fragments.
//
// A fragment carrying a function name opens an entry at its index; fragments
// without a name extend the entry that owns their index. Indices are tracked
// independently so parallel calls never share a buffer. The zero value is
// ready to use; it is not safe for concurrent use.
type ToolCallAccumulator struct {
	entries []*fragmentEntry
	active  map[int]*fragmentEntry
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{}
}

// Ingest consumes every tool-call fragment of one streaming unit. A legacy
// function_call delta is treated as a fragment at index 0.
func (a *ToolCallAccumulator) Ingest(chunk *models.StreamChunk) {
	delta := chunk.Delta()
	if delta == nil {
		return
	}
	for _, frag := range delta.ToolCalls {
		a.IngestFragment(frag)
	}
	if fc := delta.FunctionCall; fc != nil {
		a.IngestFragment(models.ToolCallFragment{Index: 0, Function: *fc})
	}
}

// IngestFragment applies a single fragment.
func (a *ToolCallAccumulator) IngestFragment(frag models.ToolCallFragment) {
	if a.active == nil {
		a.active = make(map[int]*fragmentEntry)
	}
	entry := a.active[frag.Index]

	if frag.Function.Name != "" {
		// An extension that arrived before its opening keeps its buffered
		// arguments and takes the name.
		if entry == nil || entry.name != "" {
			entry = &fragmentEntry{index: frag.Index}
			a.entries = append(a.entries, entry)
			a.active[frag.Index] = entry
		}
		entry.name = frag.Function.Name
	} else if entry == nil {
		entry = &fragmentEntry{index: frag.Index}
		a.entries = append(a.entries, entry)
		a.active[frag.Index] = entry
	}

	if entry.id == "" && frag.ID != "" {
		entry.id = frag.ID
	}
	entry.args.WriteString(frag.Function.Arguments)
}

// Len returns the number of named calls accumulated so far.
func (a *ToolCallAccumulator) Len() int {
	n := 0
	for _, e := range a.entries {
		if e.name != "" {
			n++
		}
	}
	return n
}

// Flush returns the completed calls in the order they were opened and
// resets the accumulator. Entries that never received a name are dropped.
func (a *ToolCallAccumulator) Flush() []models.ToolCall {
	var calls []models.ToolCall
	for _, e := range a.entries {
		if e.name == "" {
			continue
		}
		calls = append(calls, models.ToolCall{
			ID:        e.id,
			Name:      e.name,
			Arguments: e.args.String(),
		})
	}
	a.entries = nil
	a.active = nil
	return calls
}
