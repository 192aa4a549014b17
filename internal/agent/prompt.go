package agent

import (
	"encoding/json"
	"strings"
)

// DefaultInstructions is used when an assistant has no instructions.
const DefaultInstructions = "You are a helpful assistant."

const (
	functionEnvelopeFormat = `{"function": "function_name", "args": {"arg_1": "value_1", "arg_2": "value_2", ...}}`
	chatEnvelopeFormat     = `{"choice": "Chat", "content": "your response"}`
)

type promptTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// BuildEnvelopePrompt returns the system prompt for a plain-text model.
// With tools it instructs the model to answer with exactly one of the two
// envelopes understood by LocalEnvelopeEmulator.
func BuildEnvelopePrompt(instructions string, tools []Tool) string {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}
	if len(tools) == 0 {
		return instructions
	}

	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\nYou have access to the following tools:\n```\n")
	for _, t := range tools {
		desc, err := json.Marshal(promptTool{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
		if err != nil {
			continue
		}
		b.Write(desc)
		b.WriteByte('\n')
	}
	b.WriteString("```\n")
	b.WriteString("To use a tool, respond strictly with the following json format:\n")
	b.WriteString(functionEnvelopeFormat)
	b.WriteString("\n\nTo chat with the user, respond strictly with the following json format:\n")
	b.WriteString(chatEnvelopeFormat)
	b.WriteString("\n\nAnswer the user's question based on the output from tools and include as much information as possible.\n")
	b.WriteString("If no tool returns relevant information for the request, say that you can't help.\n")
	return b.String()
}
