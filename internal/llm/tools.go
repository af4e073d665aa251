package llm

import "encoding/json"

// ToolDefinition describes a tool the LLM can call. InputSchema holds the
// JSON schema properties of the tool input.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Required    []string       `json:"required,omitempty"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// schema returns the full JSON schema object for the tool input.
func (d ToolDefinition) schema() map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": d.InputSchema,
	}
	if len(d.Required) > 0 {
		s["required"] = d.Required
	}
	return s
}
