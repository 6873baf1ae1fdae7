package providers

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Provider is the interface all LLM providers must implement. Unlike the
// teacher's flat chat-message shape, Send operates directly on
// protocol.ResponseItem so the richer item taxonomy (Reasoning,
// LocalShellCall, Compaction) survives the round trip to whichever
// provider API is backing it, instead of being flattened through an
// intermediate Message type.
type Provider interface {
	// Send submits items (plus the advertised tool schemas and the system
	// prompt) as one request and returns the response decoded back into
	// ResponseItems.
	Send(ctx context.Context, items []protocol.ResponseItem, tools []ToolDefinition, system, model string) (*Response, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic-sdk", "openai-sdk").
	Name() string
}

// Response is the result of one Provider.Send call.
type Response struct {
	Items        []protocol.ResponseItem
	FinishReason string // provider's raw value, e.g. "stop"/"tool_calls" (OpenAI), "end_turn"/"tool_use" (Anthropic)
	Usage        *Usage
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}
