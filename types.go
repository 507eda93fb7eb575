package agents

import "encoding/json"

// --- Chat protocol types ---

// ChatMessage is a single conversation entry in the provider wire shape.
type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific passthrough
}

// ToolCall is a single tool invocation proposed by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage tracks token counts for one or more model invocations.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage value into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

// ToolDefinition describes a tool in the catalogue handed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ModelSettings carries per-agent generation parameters. Nil fields mean
// provider defaults.
type ModelSettings struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// ModelRequest is the provider-neutral request shape.
type ModelRequest struct {
	System         string           `json:"system,omitempty"`
	Messages       []ChatMessage    `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	Settings       *ModelSettings   `json:"settings,omitempty"`
	ToolChoice     string           `json:"tool_choice,omitempty"`
	ResponseSchema *OutputSchema    `json:"response_schema,omitempty"`
}

// ModelResponse is the provider-neutral response shape. Providers that do
// not support parallel tool calls return ToolCalls of length one per turn.
type ModelResponse struct {
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// --- Run input ---

// Input is the user-supplied starting point of a run: a single utterance
// or a sequence of pre-formed messages.
type Input struct {
	messages []ChatMessage
}

// Text builds an Input from a single user utterance.
func Text(s string) Input {
	return Input{messages: []ChatMessage{UserMessage(s)}}
}

// Messages builds an Input from pre-formed conversation messages.
func Messages(ms ...ChatMessage) Input {
	return Input{messages: ms}
}

// lastUserText returns the content of the last user message in the input.
func (in Input) lastUserText() string {
	for i := len(in.messages) - 1; i >= 0; i-- {
		if in.messages[i].Role == "user" {
			return in.messages[i].Content
		}
	}
	return ""
}
