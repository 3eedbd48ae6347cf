// Package activityhandlers implements the executable bodies behind the
// agent turn workflow's activity types: the side effects the workflow
// itself is forbidden from performing directly. Each handler is a
// workerpool.Handler, so Handlers.Register wires the whole set into a
// worker pool in one call.
package activityhandlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/durable/agentturn"
	"goa.design/durable/enginestore"
	"goa.design/durable/llmadapter"
	"goa.design/durable/reliability"
	"goa.design/durable/taskqueue"
	"goa.design/durable/workerpool"
)

// AgentConfig is the resolved shape behind LoadAgentOutput.AgentConfig:
// which model to call, how to prompt it, and which tools it may use.
type AgentConfig struct {
	Name            string                      `json:"name"`
	ProviderType    string                      `json:"provider_type"`
	ModelID         string                      `json:"model_id"`
	SystemPrompt    string                      `json:"system_prompt,omitempty"`
	Temperature     float64                     `json:"temperature,omitempty"`
	MaxTokens       int                         `json:"max_tokens,omitempty"`
	CapabilityIDs   []string                    `json:"capability_ids,omitempty"`
	ToolDefinitions []llmadapter.ToolDefinition `json:"-"`
}

// AgentStore resolves an agent id to its configuration. Agent management
// belongs to the control plane; this narrow port is what the load-agent
// activity calls.
type AgentStore interface {
	LoadAgent(ctx context.Context, agentID string) (AgentConfig, error)
}

// MessageStore persists and retrieves a session's transcript. Transcript
// persistence is an application concern the activity handlers own, not the
// engine's event store.
type MessageStore interface {
	LoadMessages(ctx context.Context, sessionID string) ([]agentturn.Message, error)
	// SaveMessage must be idempotent keyed by (sessionID, idempotencyKey);
	// the key is the workflow-local, caller-assigned activity id, so a
	// re-driven save-message task never duplicates a transcript entry.
	SaveMessage(ctx context.Context, sessionID, idempotencyKey string, msg agentturn.Message) error
}

// SessionStore updates session-level status on behalf of the control
// plane's session resource.
type SessionStore interface {
	UpdateStatus(ctx context.Context, sessionID, status string) error
}

// ToolExecutor runs one tool call. Implementations must be idempotent
// keyed by ToolCall.ID: the engine guarantees at-least-once execution, so
// a task re-driven after a worker crash may replay the same call.
type ToolExecutor interface {
	Execute(ctx context.Context, sessionID string, tc agentturn.ToolCall) (agentturn.ToolResultData, error)
}

// Handlers bundles the ports the six agent-turn activity types need and
// exposes each as a workerpool.Handler.
type Handlers struct {
	Agents   AgentStore
	Messages MessageStore
	Sessions SessionStore
	Tools    ToolExecutor
	LLM      *llmadapter.Registry

	// ToolSchemas, keyed by tool name, validates ExecuteToolInput.ToolCall
	// arguments before dispatch. Nil entries skip validation.
	ToolSchemas map[string]*jsonschema.Schema

	// Breaker, when non-nil, guards call-llm invocations per provider
	// type: repeated provider failures trip the breaker so the worker
	// fails fast instead of retrying into an outage. Nil disables breaking
	// entirely.
	Breaker *reliability.Breaker
}

// byType maps each activity type to its handler method.
func (h *Handlers) byType() map[string]workerpool.Handler {
	return map[string]workerpool.Handler{
		"load-agent":            h.loadAgent,
		"load-messages":         h.loadMessages,
		"call-llm":              h.callLLM,
		"execute-single-tool":   h.executeSingleTool,
		"save-message":          h.saveMessage,
		"update-session-status": h.updateSessionStatus,
	}
}

// Register adds every activity handler to pool under its activity type
// name.
func (h *Handlers) Register(pool *workerpool.Pool) error {
	for activityType, handler := range h.byType() {
		if err := pool.RegisterHandler(activityType, handler); err != nil {
			return fmt.Errorf("activityhandlers: register %q: %w", activityType, err)
		}
	}
	return nil
}

// RegisterWithExecutor adds every activity handler to pool wrapped with
// executor.WrapHandler(exec, ...), so that as soon as a task completes or
// fails the owning workflow is replayed and driven forward in the same
// process, instead of waiting on a separate poller to notice the task
// queue changed. This is the wiring cmd/worker uses in production; plain
// Register is kept for tests and callers that drive the Executor
// themselves.
func (h *Handlers) RegisterWithExecutor(pool *workerpool.Pool, wrap func(workerpool.Handler) workerpool.Handler) error {
	for activityType, handler := range h.byType() {
		if err := pool.RegisterHandler(activityType, wrap(handler)); err != nil {
			return fmt.Errorf("activityhandlers: register %q: %w", activityType, err)
		}
	}
	return nil
}

// Dispatch runs task directly against the handler registered for its
// activity type, bypassing a workerpool.Pool. Used by tests and by
// single-process callers that want to invoke an activity synchronously.
func (h *Handlers) Dispatch(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
	handler, ok := h.byType()[task.Definition.ActivityType]
	if !ok {
		return nil, nonRetryable(fmt.Errorf("activityhandlers: unknown activity type %q", task.Definition.ActivityType))
	}
	return handler(ctx, task)
}

func nonRetryable(err error) *taskqueue.ActivityError {
	return &taskqueue.ActivityError{Message: err.Error(), Retryable: false}
}

func retryable(err error) *taskqueue.ActivityError {
	return &taskqueue.ActivityError{Message: err.Error(), Retryable: true}
}

func (h *Handlers) loadAgent(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
	var in agentturn.LoadAgentInput
	if err := json.Unmarshal(task.Definition.Input, &in); err != nil {
		return nil, nonRetryable(fmt.Errorf("decode load-agent input: %w", err))
	}
	cfg, err := h.Agents.LoadAgent(ctx, in.AgentID)
	if err != nil {
		return nil, retryable(fmt.Errorf("load agent %q: %w", in.AgentID, err))
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return nil, nonRetryable(fmt.Errorf("marshal agent config: %w", err))
	}
	out, err := json.Marshal(agentturn.LoadAgentOutput{AgentConfig: blob})
	if err != nil {
		return nil, nonRetryable(err)
	}
	return out, nil
}

func (h *Handlers) loadMessages(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
	var in agentturn.LoadMessagesInput
	if err := json.Unmarshal(task.Definition.Input, &in); err != nil {
		return nil, nonRetryable(fmt.Errorf("decode load-messages input: %w", err))
	}
	msgs, err := h.Messages.LoadMessages(ctx, in.SessionID)
	if err != nil {
		return nil, retryable(fmt.Errorf("load messages for session %q: %w", in.SessionID, err))
	}
	out, err := json.Marshal(agentturn.LoadMessagesOutput{Messages: msgs})
	if err != nil {
		return nil, nonRetryable(err)
	}
	return out, nil
}

func (h *Handlers) callLLM(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
	var in agentturn.CallLlmInput
	if err := json.Unmarshal(task.Definition.Input, &in); err != nil {
		return nil, nonRetryable(fmt.Errorf("decode call-llm input: %w", err))
	}
	var cfg AgentConfig
	if err := json.Unmarshal(in.AgentConfig, &cfg); err != nil {
		return nil, nonRetryable(fmt.Errorf("decode agent config: %w", err))
	}
	adapter, err := h.LLM.Resolve(cfg.ProviderType)
	if err != nil {
		return nil, nonRetryable(err)
	}

	messages := make([]llmadapter.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		toolCalls := make([]llmadapter.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			toolCalls = append(toolCalls, llmadapter.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		messages = append(messages, llmadapter.Message{
			Role: m.Role, Content: m.Content, ToolCalls: toolCalls, ToolCallID: m.ToolCallID,
		})
	}
	req := llmadapter.Request{
		Messages:        messages,
		Model:           cfg.ModelID,
		SystemPrompt:    cfg.SystemPrompt,
		Temperature:     cfg.Temperature,
		MaxTokens:       cfg.MaxTokens,
		ToolDefinitions: cfg.ToolDefinitions,
	}
	generate := func(ctx context.Context) (any, error) { return adapter.Generate(ctx, req) }
	var rawResp any
	if h.Breaker != nil {
		rawResp, err = h.Breaker.Execute(ctx, "call-llm:"+cfg.ProviderType, generate)
		if errors.Is(err, reliability.ErrBreakerOpen) {
			return nil, retryable(fmt.Errorf("call-llm: %w", err))
		}
	} else {
		rawResp, err = generate(ctx)
	}
	if err != nil {
		return nil, retryable(fmt.Errorf("call-llm: %w", err))
	}
	resp := rawResp.(llmadapter.Response)

	toolCalls := make([]agentturn.ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, agentturn.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	out, err := json.Marshal(agentturn.CallLlmOutput{Text: resp.Text, ToolCalls: toolCalls})
	if err != nil {
		return nil, nonRetryable(err)
	}
	return out, nil
}

func (h *Handlers) executeSingleTool(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
	var in agentturn.ExecuteToolInput
	if err := json.Unmarshal(task.Definition.Input, &in); err != nil {
		return nil, nonRetryable(fmt.Errorf("decode execute-single-tool input: %w", err))
	}
	if schema, ok := h.ToolSchemas[in.ToolCall.Name]; ok && schema != nil {
		var args any
		if err := json.Unmarshal(in.ToolCall.Arguments, &args); err != nil {
			return nil, nonRetryable(fmt.Errorf("tool %q: decode arguments: %w", in.ToolCall.Name, err))
		}
		if err := schema.Validate(args); err != nil {
			return nil, nonRetryable(fmt.Errorf("tool %q: arguments failed schema validation: %w", in.ToolCall.Name, err))
		}
	}
	result, err := h.Tools.Execute(ctx, in.SessionID, in.ToolCall)
	if err != nil {
		return nil, retryable(fmt.Errorf("execute tool %q (%s): %w", in.ToolCall.Name, in.ToolCall.ID, err))
	}
	out, err := json.Marshal(agentturn.ExecuteToolOutput{Result: result})
	if err != nil {
		return nil, nonRetryable(err)
	}
	return out, nil
}

func (h *Handlers) saveMessage(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
	var in agentturn.SaveMessageInput
	if err := json.Unmarshal(task.Definition.Input, &in); err != nil {
		return nil, nonRetryable(fmt.Errorf("decode save-message input: %w", err))
	}
	if err := h.Messages.SaveMessage(ctx, in.SessionID, task.Definition.ActivityID, in.Message); err != nil {
		return nil, retryable(fmt.Errorf("save message for session %q: %w", in.SessionID, err))
	}
	return []byte(`{}`), nil
}

func (h *Handlers) updateSessionStatus(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
	var in agentturn.UpdateSessionStatusInput
	if err := json.Unmarshal(task.Definition.Input, &in); err != nil {
		return nil, nonRetryable(fmt.Errorf("decode update-session-status input: %w", err))
	}
	if err := h.Sessions.UpdateStatus(ctx, in.SessionID, in.Status); err != nil {
		return nil, retryable(fmt.Errorf("update session %q status: %w", in.SessionID, err))
	}
	return []byte(`{}`), nil
}
