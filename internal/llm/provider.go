// Package llm defines the provider-agnostic interface for chat-completion
// backends. The planner depends only on this contract; concrete clients
// (OpenAI-compatible APIs) live in subpackages.
package llm

import "context"

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends a conversation (with optional tool definitions) and
	// returns the model's response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request is a full conversation sent to the model.
type Request struct {
	Model        string // Opaque model identifier from the agent config.
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil = no function calling
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema object
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in the conversation.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string     // Set on RoleTool messages answering a tool call.
	ToolCalls  []ToolCall // Set on RoleAssistant messages requesting calls.
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Response is what the model returns.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // "stop", "tool_calls", "length"
	Usage        Usage
}

// HasToolCalls reports whether the model is requesting tool execution.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
