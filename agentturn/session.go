package agentturn

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/durable/workflow"
)

// sessionStateKind discriminates SessionWorkflow's state machine:
// Starting -> LoadingAgent -> Waiting <-> (CallingLlm -> ExecutingTools)* ->
// Completed|Failed.
type sessionStateKind string

const (
	sessionStarting       sessionStateKind = "starting"
	sessionLoadingAgent   sessionStateKind = "loading_agent"
	sessionWaiting        sessionStateKind = "waiting"
	sessionCallingLlm     sessionStateKind = "calling_llm"
	sessionExecutingTools sessionStateKind = "executing_tools"
	sessionCompleted      sessionStateKind = "completed"
	sessionFailed         sessionStateKind = "failed"
)

type sessionState struct {
	kind sessionStateKind

	agentConfig json.RawMessage
	messages    []Message
	turnCount   int
	iteration   int

	pendingTools map[string]string // activityID -> tool_call_id
	toolResults  []ToolResultData

	failErr string
}

// SessionWorkflow is the long-lived, signal-driven variant of the agent
// turn workflow: one instance spans many user turns, waiting between them
// instead of terminating. It reuses TurnWorkflow's activity contracts,
// except load-messages: history lives in the instance's own replayed state,
// so it never needs to be rehydrated from storage.
type SessionWorkflow struct {
	input       Input
	state       sessionState
	activitySeq int
}

// NewSessionWorkflow is the registry.Factory for "agent_session_workflow".
func NewSessionWorkflow(raw json.RawMessage) (workflow.Workflow, error) {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal session input: %w", err)
	}
	return &SessionWorkflow{input: in, state: sessionState{kind: sessionStarting}}, nil
}

func (w *SessionWorkflow) nextActivityID(activityType string) string {
	w.activitySeq++
	return fmt.Sprintf("%s-%d", activityType, w.activitySeq)
}

func (w *SessionWorkflow) saveMessageAction(msg Message) workflow.Action {
	input, err := json.Marshal(SaveMessageInput{SessionID: w.input.SessionID, Message: msg})
	if err != nil {
		input = json.RawMessage(`{}`)
	}
	id := w.nextActivityID("save-message")
	return workflow.ScheduleActivity(id, "save-message", input)
}

func (w *SessionWorkflow) updateStatusAction(status string) workflow.Action {
	input, err := json.Marshal(UpdateSessionStatusInput{SessionID: w.input.SessionID, Status: status})
	if err != nil {
		input = json.RawMessage(`{}`)
	}
	id := w.nextActivityID("update-session-status")
	return workflow.ScheduleActivity(id, "update-session-status", input)
}

// OnStart schedules load-agent and, in parallel, an update-session-status
// to "running". Same contract as TurnWorkflow: the two are independent and
// the workflow only gates forward progress on load-agent's completion.
func (w *SessionWorkflow) OnStart() ([]workflow.Action, error) {
	agentInput, err := json.Marshal(LoadAgentInput{AgentID: w.input.AgentID})
	if err != nil {
		return nil, err
	}
	id := w.nextActivityID("load-agent")
	w.state.kind = sessionLoadingAgent
	return []workflow.Action{
		workflow.ScheduleActivity(id, "load-agent", agentInput),
		w.updateStatusAction("running"),
	}, nil
}

func (w *SessionWorkflow) OnActivityCompleted(activityID string, result json.RawMessage) ([]workflow.Action, error) {
	switch w.state.kind {
	// Completions of the save-message and update-session-status activities
	// scheduled alongside load-agent, call-llm and the tools are ignored.
	case sessionLoadingAgent:
		if !strings.HasPrefix(activityID, "load-agent-") {
			return []workflow.Action{workflow.None()}, nil
		}
		return w.handleLoadAgentCompleted(result)
	case sessionCallingLlm:
		if !strings.HasPrefix(activityID, "call-llm-") {
			return []workflow.Action{workflow.None()}, nil
		}
		return w.handleCallLlmCompleted(result)
	case sessionExecutingTools:
		if _, pending := w.state.pendingTools[activityID]; !pending {
			return []workflow.Action{workflow.None()}, nil
		}
		return w.handleToolCompleted(activityID, result)
	default:
		return []workflow.Action{workflow.None()}, nil
	}
}

func (w *SessionWorkflow) handleLoadAgentCompleted(result json.RawMessage) ([]workflow.Action, error) {
	var out LoadAgentOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal load-agent output: %w", err)
	}
	w.state = sessionState{kind: sessionWaiting, agentConfig: out.AgentConfig, messages: nil, turnCount: 0}
	return []workflow.Action{w.updateStatusAction("awaiting_input")}, nil
}

func (w *SessionWorkflow) startLlmCall(messages []Message, turnCount, iteration int) ([]workflow.Action, error) {
	input, err := json.Marshal(CallLlmInput{AgentConfig: w.state.agentConfig, Messages: messages})
	if err != nil {
		return nil, err
	}
	id := w.nextActivityID("call-llm")
	w.state = sessionState{
		kind:        sessionCallingLlm,
		agentConfig: w.state.agentConfig,
		messages:    messages,
		turnCount:   turnCount,
		iteration:   iteration,
	}
	return []workflow.Action{workflow.ScheduleActivityWithOptions(id, "call-llm", input, callLlmOptions)}, nil
}

func (w *SessionWorkflow) handleCallLlmCompleted(result json.RawMessage) ([]workflow.Action, error) {
	var out CallLlmOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal call-llm output: %w", err)
	}
	assistant := Message{Role: "assistant", Content: out.Text, ToolCalls: out.ToolCalls}
	messages := append(append([]Message{}, w.state.messages...), assistant)
	actions := []workflow.Action{w.saveMessageAction(assistant)}

	if len(out.ToolCalls) == 0 || w.state.iteration >= MaxIterationsPerTurn {
		w.state = sessionState{kind: sessionWaiting, agentConfig: w.state.agentConfig, messages: messages, turnCount: w.state.turnCount + 1}
		return append(actions, w.updateStatusAction("awaiting_input")), nil
	}

	pending := make(map[string]string, len(out.ToolCalls))
	for _, tc := range out.ToolCalls {
		actions = append(actions, w.saveMessageAction(Message{Role: "tool_call", ToolCalls: []ToolCall{tc}, ToolCallID: tc.ID}))

		toolInput, err := json.Marshal(ExecuteToolInput{SessionID: w.input.SessionID, ToolCall: tc})
		if err != nil {
			return nil, err
		}
		id := w.nextActivityID("execute-tool")
		pending[id] = tc.ID
		actions = append(actions, workflow.ScheduleActivity(id, "execute-single-tool", toolInput))
	}
	w.state = sessionState{
		kind:         sessionExecutingTools,
		agentConfig:  w.state.agentConfig,
		messages:     messages,
		turnCount:    w.state.turnCount,
		iteration:    w.state.iteration,
		pendingTools: pending,
	}
	return actions, nil
}

func (w *SessionWorkflow) handleToolCompleted(activityID string, result json.RawMessage) ([]workflow.Action, error) {
	var out ExecuteToolOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal execute-tool output: %w", err)
	}
	delete(w.state.pendingTools, activityID)
	w.state.toolResults = append(w.state.toolResults, out.Result)

	if len(w.state.pendingTools) > 0 {
		return []workflow.Action{workflow.None()}, nil
	}

	messages := append([]Message{}, w.state.messages...)
	actions := make([]workflow.Action, 0, len(w.state.toolResults)+1)
	for _, tr := range w.state.toolResults {
		// "tool" is the wire-format role the LLM adapter expects in
		// history; the persisted transcript entry uses the data model's
		// own tool_result role.
		messages = append(messages, Message{Role: "tool", Content: tr.Output, ToolCallID: tr.ToolCallID})
		actions = append(actions, w.saveMessageAction(Message{Role: "tool_result", Content: tr.Output, ToolCallID: tr.ToolCallID}))
	}
	w.state.toolResults = nil

	nextActions, err := w.startLlmCall(messages, w.state.turnCount, w.state.iteration+1)
	if err != nil {
		return nil, err
	}
	return append(actions, nextActions...), nil
}

func (w *SessionWorkflow) OnActivityFailed(activityID, errMsg string) ([]workflow.Action, error) {
	turnCount := w.state.turnCount
	w.state = sessionState{kind: sessionFailed, failErr: errMsg, turnCount: turnCount}
	return []workflow.Action{w.updateStatusAction("failed"), workflow.FailWorkflow(errMsg)}, nil
}

func (w *SessionWorkflow) OnTimerFired(string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.None()}, nil
}

// OnSignal handles new_message (only while Waiting; ignored otherwise) and
// shutdown (always completes the workflow).
func (w *SessionWorkflow) OnSignal(sig workflow.Signal) ([]workflow.Action, error) {
	switch sig.Name {
	case SignalNewMessage:
		if w.state.kind != sessionWaiting {
			return []workflow.Action{workflow.None()}, nil
		}
		var msg NewMessageSignal
		if err := json.Unmarshal(sig.Payload, &msg); err != nil {
			return nil, fmt.Errorf("agentturn: unmarshal new_message signal: %w", err)
		}
		userMsg := Message{Role: "user", Content: msg.Message}
		messages := append(append([]Message{}, w.state.messages...), userMsg)
		actions, err := w.startLlmCall(messages, w.state.turnCount, 1)
		if err != nil {
			return nil, err
		}
		return append([]workflow.Action{w.saveMessageAction(userMsg), w.updateStatusAction("running")}, actions...), nil

	case SignalShutdown:
		turnCount := w.state.turnCount
		w.state = sessionState{kind: sessionCompleted, turnCount: turnCount}
		result, err := json.Marshal(Output{TurnCount: turnCount})
		if err != nil {
			return nil, err
		}
		return []workflow.Action{w.updateStatusAction("stopped"), workflow.CompleteWorkflow(result)}, nil

	default:
		return []workflow.Action{workflow.None()}, nil
	}
}

func (w *SessionWorkflow) IsCompleted() bool {
	return w.state.kind == sessionCompleted || w.state.kind == sessionFailed
}

func (w *SessionWorkflow) Result() json.RawMessage {
	if w.state.kind != sessionCompleted {
		return nil
	}
	result, _ := json.Marshal(Output{TurnCount: w.state.turnCount})
	return result
}

func (w *SessionWorkflow) Error() string {
	if w.state.kind != sessionFailed {
		return ""
	}
	return w.state.failErr
}
