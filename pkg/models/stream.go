package models

// StreamChunk is one streaming unit as published on a content topic.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object,omitempty"`
	Created int64          `json:"created,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice holds the delta of one choice.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta is the incremental payload of a choice.
type StreamDelta struct {
	Role         Role               `json:"role,omitempty"`
	Content      string             `json:"content,omitempty"`
	ToolCalls    []ToolCallFragment `json:"tool_calls,omitempty"`
	FunctionCall *FunctionFragment  `json:"function_call,omitempty"`
}

// ToolCallFragment is a partial tool call keyed by index.
type ToolCallFragment struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function FunctionFragment `json:"function"`
}

// FunctionFragment carries a function name and a piece of its arguments.
type FunctionFragment struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// Delta returns the first choice's delta, or nil if there is none.
func (c *StreamChunk) Delta() *StreamDelta {
	if c == nil || len(c.Choices) == 0 {
		return nil
	}
	return &c.Choices[0].Delta
}

// Content returns the first choice's text content.
func (c *StreamChunk) Content() string {
	if d := c.Delta(); d != nil {
		return d.Content
	}
	return ""
}

// FinishReason returns the first choice's finish reason.
func (c *StreamChunk) FinishReason() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

// WithContent returns a copy of c whose only payload is content.
// The copy keeps the envelope fields so clients see a consistent id.
func (c *StreamChunk) WithContent(content string) *StreamChunk {
	out := &StreamChunk{Choices: []StreamChoice{{Delta: StreamDelta{Content: content}}}}
	if c != nil {
		out.ID = c.ID
		out.Object = c.Object
		out.Created = c.Created
		out.Model = c.Model
		if len(c.Choices) > 0 {
			out.Choices[0].Index = c.Choices[0].Index
			out.Choices[0].FinishReason = c.Choices[0].FinishReason
			out.Choices[0].Delta.Role = c.Choices[0].Delta.Role
		}
	}
	return out
}

// ContentChunk builds a single-choice unit carrying text.
func ContentChunk(id, content string) *StreamChunk {
	return &StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Choices: []StreamChoice{{Delta: StreamDelta{Content: content}}},
	}
}
