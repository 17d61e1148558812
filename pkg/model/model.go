// Package model defines the persisted data model shared by the registry, the
// document store and the HTTP surface.
//
// Records carry both json tags (HTTP surface) and bson tags (document store).
// Every persisted record has an ID, created/updated timestamps and a schema
// version integer maintained by the store layer.
package model

import (
	"regexp"
	"time"
)

// ServiceKind distinguishes the three registry entry kinds.
type ServiceKind string

const (
	KindTool     ServiceKind = "tool"
	KindResource ServiceKind = "resource"
	KindPrompt   ServiceKind = "prompt"
)

// SchemaVersion is stamped on every record written by the store.
const SchemaVersion = 1

// NameRe constrains service, agent and profile names.
var NameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Param describes one declared handler parameter.
type Param struct {
	Name        string `json:"name" bson:"name"`
	Type        string `json:"type" bson:"type"` // string|number|boolean|object|array
	Required    bool   `json:"required" bson:"required"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
}

// PromptArg describes one argument of a prompt template.
type PromptArg struct {
	Name        string `json:"name" bson:"name"`
	Required    bool   `json:"required" bson:"required"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
}

// Service is a registry entry of kind tool, resource or prompt.
type Service struct {
	ID           string      `json:"id" bson:"_id"`
	Name         string      `json:"name" bson:"name"`
	Kind         ServiceKind `json:"kind" bson:"kind"`
	Route        string      `json:"route" bson:"route"`
	Method       string      `json:"method" bson:"method"`
	Description  string      `json:"description,omitempty" bson:"description,omitempty"`
	Docs         string      `json:"documentation,omitempty" bson:"documentation,omitempty"`
	Params       []Param     `json:"params" bson:"params"`
	Code         string      `json:"code,omitempty" bson:"code,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty" bson:"dependencies,omitempty"`

	InputSchema  map[string]any `json:"input_schema,omitempty" bson:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" bson:"output_schema,omitempty"`

	// Resource-only fields.
	MimeType string `json:"mime_type,omitempty" bson:"mime_type,omitempty"`

	// Prompt-only fields.
	PromptTemplate string      `json:"prompt_template,omitempty" bson:"prompt_template,omitempty"`
	PromptArgs     []PromptArg `json:"prompt_args,omitempty" bson:"prompt_args,omitempty"`

	LLMProfile string `json:"llm_profile,omitempty" bson:"llm_profile,omitempty"`

	Active        bool      `json:"active" bson:"active"`
	SchemaVersion int       `json:"schema_version" bson:"schema_version"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// ExecutionPolicy bounds an agent's tool-call loop.
type ExecutionPolicy struct {
	Temperature            float64 `json:"temperature" bson:"temperature"`
	MaxTokens              int     `json:"max_tokens" bson:"max_tokens"`
	AllowParallelToolCalls bool    `json:"allow_parallel_tool_calls" bson:"allow_parallel_tool_calls"`
	RequireToolUse         bool    `json:"require_tool_use" bson:"require_tool_use"`
	MaxIterations          int     `json:"max_iterations" bson:"max_iterations"`
}

// Identity describes the persona baked into the system message.
type Identity struct {
	Backstory   string   `json:"backstory,omitempty" bson:"backstory,omitempty"`
	Objectives  []string `json:"objectives,omitempty" bson:"objectives,omitempty"`
	Constraints []string `json:"constraints,omitempty" bson:"constraints,omitempty"`
}

// Personality tunes the agent's communication directives.
type Personality struct {
	Tone      string `json:"tone,omitempty" bson:"tone,omitempty"`
	Verbosity string `json:"verbosity,omitempty" bson:"verbosity,omitempty"`
	Empathy   string `json:"empathy,omitempty" bson:"empathy,omitempty"`
	Humor     string `json:"humor,omitempty" bson:"humor,omitempty"`
}

// DecisionPolicy controls error correction and confirmation behaviour.
type DecisionPolicy struct {
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty" bson:"confidence_threshold,omitempty"`
	RequireConfirmation []string `json:"require_confirmation,omitempty" bson:"require_confirmation,omitempty"`
	AutoCorrectErrors   bool     `json:"auto_correct_errors" bson:"auto_correct_errors"`
	ExplainDecisions    bool     `json:"explain_decisions" bson:"explain_decisions"`
	MaxRetries          int      `json:"max_retries" bson:"max_retries"`
}

// MemoryConfig sizes an agent's episodic memory.
type MemoryConfig struct {
	MaxMemories    int    `json:"max_memories" bson:"max_memories"`
	EmbeddingModel string `json:"embedding_model,omitempty" bson:"embedding_model,omitempty"`
	SearchK        int    `json:"search_k" bson:"search_k"`
}

// ReasoningStrategy selects the system-prompt preamble for the executor.
type ReasoningStrategy string

const (
	ReasoningStandard       ReasoningStrategy = "standard"
	ReasoningChainOfThought ReasoningStrategy = "chain-of-thought"
	ReasoningTreeOfThought  ReasoningStrategy = "tree-of-thought"
)

// Agent is an LLM-bound orchestrator over registry tools.
type Agent struct {
	ID          string `json:"id" bson:"_id"`
	Name        string `json:"name" bson:"name"`
	Endpoint    string `json:"endpoint" bson:"endpoint"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
	LLMProfile  string `json:"llm_profile" bson:"llm_profile"`

	// MCPServices is the ordered list of service names usable as tools.
	MCPServices []string `json:"mcp_services" bson:"mcp_services"`

	SystemPrompt string `json:"system_prompt,omitempty" bson:"system_prompt,omitempty"`
	PrePrompt    string `json:"pre_prompt,omitempty" bson:"pre_prompt,omitempty"`

	// InputSchema / OutputSchema are the literal string "text" or a
	// JSON-schema object.
	InputSchema  any `json:"input_schema" bson:"input_schema"`
	OutputSchema any `json:"output_schema" bson:"output_schema"`

	Execution   ExecutionPolicy   `json:"execution" bson:"execution"`
	Identity    Identity          `json:"identity" bson:"identity"`
	Personality Personality       `json:"personality" bson:"personality"`
	Decision    DecisionPolicy    `json:"decision" bson:"decision"`
	Reasoning   ReasoningStrategy `json:"reasoning_strategy" bson:"reasoning_strategy"`

	MemoryEnabled bool         `json:"memory_enabled" bson:"memory_enabled"`
	Memory        MemoryConfig `json:"memory_config" bson:"memory_config"`

	Active        bool      `json:"active" bson:"active"`
	SchemaVersion int       `json:"schema_version" bson:"schema_version"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// ResponseMode selects the completion output format for a profile.
type ResponseMode string

const (
	ModeText     ResponseMode = "text"
	ModeJSON     ResponseMode = "json"
	ModeMarkdown ResponseMode = "markdown"
)

// LLMProfile names a completion provider configuration.
type LLMProfile struct {
	ID           string       `json:"id" bson:"_id"`
	Name         string       `json:"name" bson:"name"`
	Model        string       `json:"model" bson:"model"`
	BaseURL      string       `json:"base_url,omitempty" bson:"base_url,omitempty"`
	APIKey       string       `json:"api_key,omitempty" bson:"api_key,omitempty"`
	Temperature  float64      `json:"temperature" bson:"temperature"`
	MaxTokens    int          `json:"max_tokens" bson:"max_tokens"`
	Mode         ResponseMode `json:"mode" bson:"mode"`
	SystemPrompt string       `json:"system_prompt,omitempty" bson:"system_prompt,omitempty"`

	Active        bool      `json:"active" bson:"active"`
	SchemaVersion int       `json:"schema_version" bson:"schema_version"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// ContentType classifies a memory record.
type ContentType string

const (
	ContentUserMessage     ContentType = "user_message"
	ContentAgentResponse   ContentType = "agent_response"
	ContentPreference      ContentType = "preference"
	ContentStoredKnowledge ContentType = "stored_knowledge"
	ContentConversation    ContentType = "conversation"
	ContentSummary         ContentType = "summary"
)

// MemoryRecord is one persisted unit of agent memory. The vector embedding
// lives in the companion vector store keyed by the record ID.
type MemoryRecord struct {
	ID            string         `json:"id" bson:"_id"`
	AgentID       string         `json:"agent_id" bson:"agent_id"`
	ContentType   ContentType    `json:"content_type" bson:"content_type"`
	Content       string         `json:"content" bson:"content"`
	Importance    float64        `json:"importance" bson:"importance"`
	UserID        string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	SchemaVersion int            `json:"schema_version" bson:"schema_version"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
}

// ToolCallRecord captures one tool invocation inside an execution trace.
type ToolCallRecord struct {
	Name       string        `json:"name" bson:"name"`
	Arguments  string        `json:"arguments" bson:"arguments"`
	Result     string        `json:"result" bson:"result"`
	Duration   time.Duration `json:"duration_ns" bson:"duration_ns"`
	IsError    bool          `json:"is_error" bson:"is_error"`
	ToolCallID string        `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
}

// TokenUsage accumulates provider-reported token counts.
type TokenUsage struct {
	Prompt     int `json:"prompt" bson:"prompt"`
	Completion int `json:"completion" bson:"completion"`
	Total      int `json:"total" bson:"total"`
}

// ExecutionTrace records one agent or service invocation end to end.
type ExecutionTrace struct {
	ExecutionID string           `json:"execution_id" bson:"execution_id"`
	AgentID     string           `json:"agent_id,omitempty" bson:"agent_id,omitempty"`
	ServiceID   string           `json:"service_id,omitempty" bson:"service_id,omitempty"`
	StartedAt   time.Time        `json:"started_at" bson:"started_at"`
	EndedAt     time.Time        `json:"ended_at" bson:"ended_at"`
	Iterations  int              `json:"iterations" bson:"iterations"`
	ToolCalls   []ToolCallRecord `json:"tool_calls" bson:"tool_calls"`
	Usage       TokenUsage       `json:"usage" bson:"usage"`
	Status      string           `json:"status" bson:"status"` // completed|failed|cancelled
	ErrorKind   string           `json:"error_kind,omitempty" bson:"error_kind,omitempty"`
}

// Feedback is an operator verdict attached to an execution.
type Feedback struct {
	ID            string    `json:"id" bson:"_id"`
	ExecutionID   string    `json:"execution_id" bson:"execution_id"`
	AgentID       string    `json:"agent_id,omitempty" bson:"agent_id,omitempty"`
	Rating        string    `json:"rating" bson:"rating"` // up|down
	Comment       string    `json:"comment,omitempty" bson:"comment,omitempty"`
	SchemaVersion int       `json:"schema_version" bson:"schema_version"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// LogEntry is one structured log sink record.
type LogEntry struct {
	ID          string         `json:"id" bson:"_id"`
	Timestamp   time.Time      `json:"timestamp" bson:"timestamp"`
	Level       string         `json:"level" bson:"level"` // DEBUG..CRITICAL
	Module      string         `json:"module" bson:"module"`
	Message     string         `json:"message" bson:"message"`
	Details     map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty" bson:"execution_id,omitempty"`
	ServiceID   string         `json:"service_id,omitempty" bson:"service_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty" bson:"agent_id,omitempty"`
}

// DefaultImportance returns the importance assigned to a memory record when
// the caller does not override it.
func DefaultImportance(ct ContentType, explicit bool) float64 {
	if ct == ContentStoredKnowledge {
		return 0.9
	}
	if explicit {
		return 0.7
	}
	return 0.5
}
