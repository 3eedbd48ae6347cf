// Package agentturn implements the agent turn workflow: a state machine
// driving an LLM <-> tool loop on top of the executor/workflow primitives.
// Two variants are implemented, both sharing the same activity contracts:
// TurnWorkflow (one LLM turn per workflow instance) and SessionWorkflow (a
// long-lived instance spanning many turns, driven by signals).
package agentturn

import (
	"encoding/json"
	"time"

	"goa.design/durable/workflow"
)

// MaxIterationsPerTurn bounds how many LLM-call/tool-execution round trips
// a single turn may take before the workflow stops looping and completes
// with whatever the assistant last produced.
const MaxIterationsPerTurn = 10

// callLlmOptions overrides the queue-wide retry defaults for call-llm:
// provider calls are slow and expensive, so the attempt budget is tighter
// and the lease long enough to cover a full streamed generation.
var callLlmOptions = workflow.ActivityOptions{
	MaxAttempts:      3,
	InitialDelay:     2 * time.Second,
	MaxDelay:         30 * time.Second,
	Multiplier:       2,
	JitterFraction:   0.2,
	HeartbeatTimeout: 2 * time.Minute,
}

// Message is one entry in the conversation transcript passed to the LLM.
// Role is one of user, assistant, tool_call, or tool_result when persisted
// via save-message; the in-memory history handed to call-llm additionally
// uses the LLM-adapter wire role "tool" for tool results, since that's what
// the OpenAI/Anthropic adapters switch on.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	// ToolCalls is populated on assistant messages that requested tool
	// execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message back to the ToolCall it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the LLM in a single
// assistant turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData is the outcome of executing one ToolCall.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error"`
}

// Input is the workflow input shared by both TurnWorkflow and
// SessionWorkflow: which agent to run, under which session, and (for
// TurnWorkflow) the message that starts the turn.
type Input struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	// Message is the user message that starts the turn. TurnWorkflow
	// requires it at start; SessionWorkflow instead waits for a
	// new_message signal and may be started with it empty.
	Message string `json:"message,omitempty"`
}

// LoadAgentInput is the input to the load-agent activity.
type LoadAgentInput struct {
	AgentID string `json:"agent_id"`
}

// LoadAgentOutput is the output of the load-agent activity: the resolved
// agent configuration (kept opaque here; the concrete shape belongs to the
// policy/tool layer, out of this package's concern).
type LoadAgentOutput struct {
	AgentConfig json.RawMessage `json:"agent_config"`
}

// LoadMessagesInput is the input to the (TurnWorkflow-only) load-messages
// activity, which hydrates prior conversation history for a session.
type LoadMessagesInput struct {
	SessionID string `json:"session_id"`
}

// LoadMessagesOutput is the output of the load-messages activity.
type LoadMessagesOutput struct {
	Messages []Message `json:"messages"`
}

// CallLlmInput is the input to the call-llm activity.
type CallLlmInput struct {
	AgentConfig json.RawMessage `json:"agent_config"`
	Messages    []Message       `json:"messages"`
}

// CallLlmOutput is the output of the call-llm activity: assistant text and
// zero or more requested tool calls.
type CallLlmOutput struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ExecuteToolInput is the input to the execute-single-tool activity. Each
// requested tool call is scheduled as its own activity so independent tool
// calls within one LLM turn execute in parallel.
type ExecuteToolInput struct {
	SessionID string   `json:"session_id"`
	ToolCall  ToolCall `json:"tool_call"`
}

// ExecuteToolOutput is the output of the execute-single-tool activity.
type ExecuteToolOutput struct {
	Result ToolResultData `json:"result"`
}

// SaveMessageInput is the input to the save-message activity, persisting
// one transcript entry durably outside the workflow's own event log. Both
// TurnWorkflow and SessionWorkflow schedule it.
type SaveMessageInput struct {
	SessionID string  `json:"session_id"`
	Message   Message `json:"message"`
}

// UpdateSessionStatusInput is the input to the update-session-status
// activity.
type UpdateSessionStatusInput struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Output is the terminal result shared by both workflow variants.
type Output struct {
	TurnCount int `json:"turn_count"`
}

// NewMessageSignal is the payload of the "new_message" signal that drives
// SessionWorkflow from Waiting back into a turn.
type NewMessageSignal struct {
	Message string `json:"message"`
}

const (
	SignalNewMessage = "new_message"
	SignalShutdown   = "shutdown"
)
