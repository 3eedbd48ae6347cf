// Package llmadapter defines the neutral request/response schema the
// call-llm activity speaks, and the Adapter interface each vendor-specific
// package implements: one adapter per vendor, each translating the neutral
// message/tool schema to that provider's wire format.
package llmadapter

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one turn of the neutral conversation schema passed to
// Adapter.Generate, mirroring agentturn.Message but kept independent so
// this package has no dependency on the workflow layer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes one callable tool offered to the model, keyed
// by Name and constrained by a JSON Schema that the execute-single-tool
// activity validates arguments against before dispatch.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Request is the call-llm activity's input payload.
type Request struct {
	Messages        []Message        `json:"messages"`
	Model           string           `json:"model"`
	SystemPrompt    string           `json:"system_prompt,omitempty"`
	Temperature     float64          `json:"temperature,omitempty"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	ToolDefinitions []ToolDefinition `json:"tool_definitions,omitempty"`
}

// Response is the call-llm activity's output payload: assistant text plus
// zero or more requested tool calls, finish-reason already normalized by
// the adapter.
type Response struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// Adapter translates a Request into one vendor's wire format, issues the
// call, and maps the vendor's finish reason back to a non-empty ToolCalls
// slice when the model requested tool use. Streaming, where the vendor SDK
// offers it, is the adapter's internal concern: Generate only resolves
// once the full response is available.
type Adapter interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ErrRateLimited is wrapped around a vendor rate-limit error so the
// call-llm activity handler can classify it as retryable.
var ErrRateLimited = fmt.Errorf("llmadapter: rate limited")

// Registry resolves a provider type string to a concrete Adapter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register associates providerType (e.g. "anthropic", "openai", "bedrock")
// with adapter.
func (r *Registry) Register(providerType string, adapter Adapter) {
	r.adapters[providerType] = adapter
}

// Resolve returns the adapter registered for providerType, or an error if
// none was registered — a missing adapter registration is a configuration
// bug, not a transient failure.
func (r *Registry) Resolve(providerType string) (Adapter, error) {
	a, ok := r.adapters[providerType]
	if !ok {
		return nil, fmt.Errorf("llmadapter: no adapter registered for provider type %q", providerType)
	}
	return a, nil
}
