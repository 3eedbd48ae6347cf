package agentturn

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/durable/workflow"
)

// turnStateKind discriminates TurnWorkflow's state machine: LoadingAgent ->
// LoadingMessages -> CallingLlm <-> ExecutingTools -> Completed|Failed.
type turnStateKind string

const (
	turnLoadingAgent    turnStateKind = "loading_agent"
	turnLoadingMessages turnStateKind = "loading_messages"
	turnCallingLlm      turnStateKind = "calling_llm"
	turnExecutingTools  turnStateKind = "executing_tools"
	turnCompleted       turnStateKind = "completed"
	turnFailed          turnStateKind = "failed"
)

type turnState struct {
	kind turnStateKind

	agentConfig json.RawMessage
	messages    []Message
	iteration   int

	pendingTools map[string]string
	toolResults  []ToolResultData

	finalText string
	failErr   string
}

// TurnWorkflow runs exactly one user turn to completion: it loads the
// agent's configuration, then the prior transcript, then alternates LLM
// calls with tool execution until the model stops requesting tools or the
// iteration cap is hit, persisting each new message as it's produced.
type TurnWorkflow struct {
	input       Input
	state       turnState
	activitySeq int
}

// NewTurnWorkflow is the registry.Factory for "agent_turn_workflow".
func NewTurnWorkflow(raw json.RawMessage) (workflow.Workflow, error) {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal turn input: %w", err)
	}
	return &TurnWorkflow{input: in}, nil
}

func (w *TurnWorkflow) nextActivityID(activityType string) string {
	w.activitySeq++
	return fmt.Sprintf("%s-%d", activityType, w.activitySeq)
}

const (
	loadAgentActivityID    = "load-agent-1"
	loadMessagesActivityID = "load-messages-1"
)

// OnStart schedules load-agent and, in parallel, the session-status
// update. The status update is fire-and-forget: only load-agent's
// completion moves the workflow forward.
func (w *TurnWorkflow) OnStart() ([]workflow.Action, error) {
	agentInput, err := json.Marshal(LoadAgentInput{AgentID: w.input.AgentID})
	if err != nil {
		return nil, err
	}
	w.activitySeq = 1
	w.state.kind = turnLoadingAgent
	return []workflow.Action{
		workflow.ScheduleActivity(loadAgentActivityID, "load-agent", agentInput),
		updateStatusAction(w, "running"),
	}, nil
}

func (w *TurnWorkflow) OnActivityCompleted(activityID string, result json.RawMessage) ([]workflow.Action, error) {
	switch w.state.kind {
	case turnLoadingAgent:
		return w.handleAgentLoaded(activityID, result)
	case turnLoadingMessages:
		return w.handleMessagesLoaded(activityID, result)
	case turnCallingLlm:
		// Only the outstanding call-llm result advances this state: the
		// save-message and update-session-status activities scheduled in the
		// same batch complete independently and are ignored here.
		if !strings.HasPrefix(activityID, "call-llm-") {
			return []workflow.Action{workflow.None()}, nil
		}
		return w.handleCallLlmCompleted(result)
	case turnExecutingTools:
		if _, pending := w.state.pendingTools[activityID]; !pending {
			return []workflow.Action{workflow.None()}, nil
		}
		return w.handleToolCompleted(activityID, result)
	default:
		return []workflow.Action{workflow.None()}, nil
	}
}

// handleAgentLoaded parses the agent configuration and schedules the
// transcript load. The status-update completion (or any other stray
// result) is ignored: only load-agent gates this transition.
func (w *TurnWorkflow) handleAgentLoaded(activityID string, result json.RawMessage) ([]workflow.Action, error) {
	if activityID != loadAgentActivityID {
		return []workflow.Action{workflow.None()}, nil
	}
	var out LoadAgentOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal load-agent output: %w", err)
	}
	w.state.agentConfig = out.AgentConfig

	messagesInput, err := json.Marshal(LoadMessagesInput{SessionID: w.input.SessionID})
	if err != nil {
		return nil, err
	}
	w.state.kind = turnLoadingMessages
	return []workflow.Action{
		workflow.ScheduleActivity(loadMessagesActivityID, "load-messages", messagesInput),
	}, nil
}

// handleMessagesLoaded hydrates prior history, appends the turn's user
// message, and starts the first LLM call.
func (w *TurnWorkflow) handleMessagesLoaded(activityID string, result json.RawMessage) ([]workflow.Action, error) {
	if activityID != loadMessagesActivityID {
		return []workflow.Action{workflow.None()}, nil
	}
	var out LoadMessagesOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal load-messages output: %w", err)
	}
	w.state.messages = out.Messages

	userMsg := Message{Role: "user", Content: w.input.Message}
	w.state.messages = append(w.state.messages, userMsg)
	input, err := json.Marshal(CallLlmInput{AgentConfig: w.state.agentConfig, Messages: w.state.messages})
	if err != nil {
		return nil, err
	}
	id := w.nextActivityID("call-llm")
	w.state.kind = turnCallingLlm
	w.state.iteration = 1
	return []workflow.Action{
		saveMessageAction(w, userMsg),
		workflow.ScheduleActivityWithOptions(id, "call-llm", input, callLlmOptions),
	}, nil
}

func (w *TurnWorkflow) handleCallLlmCompleted(result json.RawMessage) ([]workflow.Action, error) {
	var out CallLlmOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal call-llm output: %w", err)
	}
	assistant := Message{Role: "assistant", Content: out.Text, ToolCalls: out.ToolCalls}
	w.state.messages = append(w.state.messages, assistant)
	w.state.finalText = out.Text

	if len(out.ToolCalls) == 0 {
		return w.complete()
	}

	pending := make(map[string]string, len(out.ToolCalls))
	actions := make([]workflow.Action, 0, 2*len(out.ToolCalls)+2)
	actions = append(actions, saveMessageAction(w, assistant))
	for _, tc := range out.ToolCalls {
		// A dedicated role=tool_call message per call, purely for UI
		// display: the assistant message above already carries ToolCalls
		// for LLM-protocol fidelity on replay.
		actions = append(actions, saveMessageAction(w, Message{Role: "tool_call", ToolCalls: []ToolCall{tc}, ToolCallID: tc.ID}))

		input, err := json.Marshal(ExecuteToolInput{SessionID: w.input.SessionID, ToolCall: tc})
		if err != nil {
			return nil, err
		}
		id := w.nextActivityID("execute-tool")
		pending[id] = tc.ID
		actions = append(actions, workflow.ScheduleActivity(id, "execute-single-tool", input))
	}
	w.state.kind = turnExecutingTools
	w.state.pendingTools = pending
	return actions, nil
}

func (w *TurnWorkflow) handleToolCompleted(activityID string, result json.RawMessage) ([]workflow.Action, error) {
	var out ExecuteToolOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("agentturn: unmarshal execute-tool output: %w", err)
	}
	delete(w.state.pendingTools, activityID)
	w.state.toolResults = append(w.state.toolResults, out.Result)

	if len(w.state.pendingTools) > 0 {
		return []workflow.Action{workflow.None()}, nil
	}

	actions := make([]workflow.Action, 0, len(w.state.toolResults)+1)
	for _, tr := range w.state.toolResults {
		// "tool" is the wire-format role the LLM adapter expects in
		// history; the persisted transcript entry uses the data model's
		// own tool_result role so UI display and replay fidelity don't
		// depend on LLM wire conventions.
		w.state.messages = append(w.state.messages, Message{Role: "tool", Content: tr.Output, ToolCallID: tr.ToolCallID})
		actions = append(actions, saveMessageAction(w, Message{Role: "tool_result", Content: tr.Output, ToolCallID: tr.ToolCallID}))
	}
	w.state.toolResults = nil

	// Once all pending tool results for this iteration have landed, either
	// stop (iteration cap reached: complete the turn with the assistant's
	// last message rather than issuing another call-llm) or loop back to
	// call-llm with the updated history.
	if w.state.iteration >= MaxIterationsPerTurn {
		capActions, err := w.completeAtIterationCap()
		if err != nil {
			return nil, err
		}
		return append(actions, capActions...), nil
	}
	w.state.iteration++

	input, err := json.Marshal(CallLlmInput{AgentConfig: w.state.agentConfig, Messages: w.state.messages})
	if err != nil {
		return nil, err
	}
	id := w.nextActivityID("call-llm")
	w.state.kind = turnCallingLlm
	actions = append(actions, workflow.ScheduleActivityWithOptions(id, "call-llm", input, callLlmOptions))
	return actions, nil
}

func saveMessageAction(w *TurnWorkflow, msg Message) workflow.Action {
	input, err := json.Marshal(SaveMessageInput{SessionID: w.input.SessionID, Message: msg})
	if err != nil {
		input = json.RawMessage(`{}`)
	}
	id := w.nextActivityID("save-message")
	return workflow.ScheduleActivity(id, "save-message", input)
}

func updateStatusAction(w *TurnWorkflow, status string) workflow.Action {
	input, err := json.Marshal(UpdateSessionStatusInput{SessionID: w.input.SessionID, Status: status})
	if err != nil {
		input = json.RawMessage(`{}`)
	}
	id := w.nextActivityID("update-session-status")
	return workflow.ScheduleActivity(id, "update-session-status", input)
}

func (w *TurnWorkflow) complete() ([]workflow.Action, error) {
	last := w.state.messages[len(w.state.messages)-1]
	saveAction := saveMessageAction(w, last)
	statusAction, result, err := w.finish()
	if err != nil {
		return nil, err
	}
	return []workflow.Action{saveAction, statusAction, workflow.CompleteWorkflow(result)}, nil
}

// completeAtIterationCap finishes the turn once MAX_ITERATIONS has been
// reached: the final assistant message was already saved when it was
// produced (it's the one that requested this round's tool calls), so unlike
// complete() this does not re-emit a save-message for it.
func (w *TurnWorkflow) completeAtIterationCap() ([]workflow.Action, error) {
	statusAction, result, err := w.finish()
	if err != nil {
		return nil, err
	}
	return []workflow.Action{statusAction, workflow.CompleteWorkflow(result)}, nil
}

func (w *TurnWorkflow) finish() (workflow.Action, json.RawMessage, error) {
	statusAction := updateStatusAction(w, "awaiting_input")
	w.state.kind = turnCompleted
	result, err := json.Marshal(Output{TurnCount: 1})
	if err != nil {
		return workflow.Action{}, nil, err
	}
	return statusAction, result, nil
}

func (w *TurnWorkflow) OnActivityFailed(activityID, errMsg string) ([]workflow.Action, error) {
	w.state.kind = turnFailed
	w.state.failErr = errMsg
	return []workflow.Action{updateStatusAction(w, "failed"), workflow.FailWorkflow(errMsg)}, nil
}

func (w *TurnWorkflow) OnTimerFired(string) ([]workflow.Action, error) {
	return []workflow.Action{workflow.None()}, nil
}

// OnSignal is a no-op: a single turn runs to completion without waiting on
// external signals.
func (w *TurnWorkflow) OnSignal(workflow.Signal) ([]workflow.Action, error) {
	return []workflow.Action{workflow.None()}, nil
}

func (w *TurnWorkflow) IsCompleted() bool {
	return w.state.kind == turnCompleted || w.state.kind == turnFailed
}

func (w *TurnWorkflow) Result() json.RawMessage {
	if w.state.kind != turnCompleted {
		return nil
	}
	result, _ := json.Marshal(Output{TurnCount: 1})
	return result
}

func (w *TurnWorkflow) Error() string {
	if w.state.kind != turnFailed {
		return ""
	}
	return w.state.failErr
}
