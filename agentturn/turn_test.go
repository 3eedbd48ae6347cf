package agentturn_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/durable/agentturn"
	"goa.design/durable/workflow"
)

func newTurn(t *testing.T) workflow.Workflow {
	t.Helper()
	input, err := json.Marshal(agentturn.Input{AgentID: "agent-1", SessionID: "sess-1", Message: "hello"})
	require.NoError(t, err)
	w, err := agentturn.NewTurnWorkflow(input)
	require.NoError(t, err)
	return w
}

func TestTurnWorkflowOnStartSchedulesLoadAgentAndStatus(t *testing.T) {
	w := newTurn(t)
	actions, err := w.OnStart()
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, workflow.ActionScheduleActivity, actions[0].Kind)
	require.Equal(t, "load-agent", actions[0].ActivityType)
	require.Equal(t, workflow.ActionScheduleActivity, actions[1].Kind)
	require.Equal(t, "update-session-status", actions[1].ActivityType)
}

// TestTurnWorkflowHappyPath drives a turn with no tool calls from start to
// completion, asserting save-message fires for the user message and for
// the final assistant message, and the terminal status update puts the
// session back into awaiting_input.
func TestTurnWorkflowHappyPath(t *testing.T) {
	w := newTurn(t)
	_, err := w.OnStart()
	require.NoError(t, err)

	// The parallel status update finishing first must not move the
	// workflow: only load-agent gates the LoadingAgent state.
	actions, err := w.OnActivityCompleted("update-session-status-2", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, workflow.ActionNone, actions[0].Kind)

	agentOut, _ := json.Marshal(agentturn.LoadAgentOutput{AgentConfig: json.RawMessage(`{}`)})
	actions, err = w.OnActivityCompleted("load-agent-1", agentOut)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "load-messages", actions[0].ActivityType)

	msgsOut, _ := json.Marshal(agentturn.LoadMessagesOutput{})
	actions, err = w.OnActivityCompleted("load-messages-1", msgsOut)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, "save-message", actions[0].ActivityType)
	require.Equal(t, "call-llm", actions[1].ActivityType)
	require.Equal(t, 3, actions[1].Options.MaxAttempts, "call-llm rides its own retry options")
	require.False(t, w.IsCompleted())

	llmOut, _ := json.Marshal(agentturn.CallLlmOutput{Text: "hi there"})
	actions, err = w.OnActivityCompleted(actions[1].ActivityID, llmOut)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	require.Equal(t, "save-message", actions[0].ActivityType)
	require.Equal(t, "update-session-status", actions[1].ActivityType)
	require.Equal(t, workflow.ActionCompleteWorkflow, actions[2].Kind)

	require.True(t, w.IsCompleted())
	var out agentturn.Output
	require.NoError(t, json.Unmarshal(w.Result(), &out))
	require.Equal(t, 1, out.TurnCount)
}

func TestTurnWorkflowToolCallRoundTrip(t *testing.T) {
	w := newTurn(t)
	_, err := w.OnStart()
	require.NoError(t, err)

	agentOut, _ := json.Marshal(agentturn.LoadAgentOutput{AgentConfig: json.RawMessage(`{}`)})
	_, err = w.OnActivityCompleted("load-agent-1", agentOut)
	require.NoError(t, err)
	msgsOut, _ := json.Marshal(agentturn.LoadMessagesOutput{})
	actions, err := w.OnActivityCompleted("load-messages-1", msgsOut)
	require.NoError(t, err)
	callLlmID := actions[1].ActivityID

	toolCall := agentturn.ToolCall{ID: "tc-1", Name: "search", Arguments: json.RawMessage(`{"q":"x"}`)}
	llmOut, _ := json.Marshal(agentturn.CallLlmOutput{Text: "", ToolCalls: []agentturn.ToolCall{toolCall}})
	actions, err = w.OnActivityCompleted(callLlmID, llmOut)
	require.NoError(t, err)
	// assistant save-message, tool_call save-message, execute-single-tool.
	require.Len(t, actions, 3)
	require.Equal(t, "save-message", actions[0].ActivityType)
	require.Equal(t, "save-message", actions[1].ActivityType)
	require.Equal(t, "execute-single-tool", actions[2].ActivityType)
	execID := actions[2].ActivityID

	toolOut, _ := json.Marshal(agentturn.ExecuteToolOutput{Result: agentturn.ToolResultData{ToolCallID: "tc-1", Output: "result"}})
	actions, err = w.OnActivityCompleted(execID, toolOut)
	require.NoError(t, err)
	// tool_result save-message, next call-llm.
	require.Len(t, actions, 2)
	require.Equal(t, "save-message", actions[0].ActivityType)
	require.Equal(t, "call-llm", actions[1].ActivityType)
	require.False(t, w.IsCompleted())
}

// TestTurnWorkflowHitsIterationCap drives a turn where the LLM always
// requests a tool call, asserting that after MaxIterationsPerTurn call-llm
// rounds the workflow completes on its own (no further call-llm) instead
// of running away.
func TestTurnWorkflowHitsIterationCap(t *testing.T) {
	w := newTurn(t)
	_, err := w.OnStart()
	require.NoError(t, err)

	agentOut, _ := json.Marshal(agentturn.LoadAgentOutput{AgentConfig: json.RawMessage(`{}`)})
	_, err = w.OnActivityCompleted("load-agent-1", agentOut)
	require.NoError(t, err)
	msgsOut, _ := json.Marshal(agentturn.LoadMessagesOutput{})
	actions, err := w.OnActivityCompleted("load-messages-1", msgsOut)
	require.NoError(t, err)
	callLlmID := actions[1].ActivityID

	llmCalls := 0
	for {
		toolCall := agentturn.ToolCall{ID: "tc", Name: "clock", Arguments: json.RawMessage(`{}`)}
		llmOut, _ := json.Marshal(agentturn.CallLlmOutput{ToolCalls: []agentturn.ToolCall{toolCall}})
		actions, err = w.OnActivityCompleted(callLlmID, llmOut)
		require.NoError(t, err)
		llmCalls++
		require.LessOrEqual(t, llmCalls, agentturn.MaxIterationsPerTurn, "workflow must not call-llm more than MaxIterationsPerTurn times")

		execID := actions[len(actions)-1].ActivityID
		toolOut, _ := json.Marshal(agentturn.ExecuteToolOutput{Result: agentturn.ToolResultData{ToolCallID: "tc", Output: "ok"}})
		actions, err = w.OnActivityCompleted(execID, toolOut)
		require.NoError(t, err)

		if w.IsCompleted() {
			break
		}
		require.Equal(t, "call-llm", actions[len(actions)-1].ActivityType, "must loop back to call-llm until the cap is hit")
		callLlmID = actions[len(actions)-1].ActivityID
	}

	require.Equal(t, agentturn.MaxIterationsPerTurn, llmCalls)
	require.True(t, w.IsCompleted())
	require.Empty(t, w.Error(), "hitting the iteration cap is a normal completion, not a failure")
	var out agentturn.Output
	require.NoError(t, json.Unmarshal(w.Result(), &out))
}

func TestTurnWorkflowActivityFailureUpdatesStatusThenFails(t *testing.T) {
	w := newTurn(t)
	_, err := w.OnStart()
	require.NoError(t, err)

	actions, err := w.OnActivityFailed("load-agent-1", "boom")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, "update-session-status", actions[0].ActivityType)
	require.Equal(t, workflow.ActionFailWorkflow, actions[1].Kind)
	require.True(t, w.IsCompleted())
	require.Equal(t, "boom", w.Error())
}
