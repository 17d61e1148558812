// Package llms defines the completion provider boundary and its
// OpenAI-compatible HTTP implementation.
//
// Providers are synchronous: one Complete call per model round trip. Tool
// calls come back normalised so the executor never sees provider wire types.
package llms

import (
	"context"
)

// Role values used in completion messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a completion conversation.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID is set on tool messages carrying a tool result.
	ToolCallID string
}

// ToolCall is a provider-requested tool invocation. Arguments is the raw
// JSON object string as returned by the provider.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition advertises one callable tool to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage reports provider token counts for one round trip.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is one completion round trip.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int

	// JSONMode asks the provider for a JSON object response. When the
	// provider cannot enforce it the caller extracts JSON from the text.
	JSONMode bool

	// JSONSchema, when set with JSONMode, requests strict schema-bound
	// output from providers that support it.
	JSONSchema map[string]any

	// ForceToolUse requires the provider to call at least one tool.
	ForceToolUse bool
}

// Response is the normalised provider reply.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is a completion backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	ModelName() string
}
