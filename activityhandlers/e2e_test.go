package activityhandlers_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/durable/activityhandlers"
	"goa.design/durable/agentturn"
	"goa.design/durable/enginestore"
	"goa.design/durable/enginestore/memstore"
	"goa.design/durable/executor"
	"goa.design/durable/llmadapter"
	"goa.design/durable/registry"
	"goa.design/durable/workflow"
)

// scriptedAdapter plays back a fixed sequence of responses, recording every
// request so tests can assert on the conversation the model actually saw.
type scriptedAdapter struct {
	mu       sync.Mutex
	requests []llmadapter.Request
	script   []llmadapter.Response
}

func (s *scriptedAdapter) Generate(ctx context.Context, req llmadapter.Request) (llmadapter.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i], nil
}

type turnFixture struct {
	store    *memstore.Store
	exec     *executor.Executor
	handlers *activityhandlers.Handlers
	adapter  *scriptedAdapter
	messages *activityhandlers.InMemoryMessageStore
	sessions *activityhandlers.InMemorySessionStore
}

func newTurnFixture(t *testing.T, script []llmadapter.Response) *turnFixture {
	t.Helper()
	store := memstore.New()
	reg := registry.New()
	require.NoError(t, reg.Register("agent_turn_workflow", agentturn.NewTurnWorkflow))
	exec := executor.New(store, reg, nil, nil, nil)

	adapter := &scriptedAdapter{script: script}
	llm := llmadapter.NewRegistry()
	llm.Register("scripted", adapter)

	tools := activityhandlers.NewToolRegistry()
	tools.Register("clock", func(ctx context.Context, sessionID string, tc agentturn.ToolCall) (agentturn.ToolResultData, error) {
		return agentturn.ToolResultData{ToolCallID: tc.ID, Output: "12:00"}, nil
	})
	tools.Register("weather", func(ctx context.Context, sessionID string, tc agentturn.ToolCall) (agentturn.ToolResultData, error) {
		return agentturn.ToolResultData{ToolCallID: tc.ID, Output: "sunny"}, nil
	})

	agents := activityhandlers.NewInMemoryAgentStore(map[string]activityhandlers.AgentConfig{
		"agent-1": {Name: "assistant", ProviderType: "scripted", ModelID: "model-1"},
	})
	messages := activityhandlers.NewInMemoryMessageStore()
	sessions := activityhandlers.NewInMemorySessionStore()

	handlers := &activityhandlers.Handlers{
		Agents:   agents,
		Messages: messages,
		Sessions: sessions,
		Tools:    tools,
		LLM:      llm,
	}
	return &turnFixture{store: store, exec: exec, handlers: handlers, adapter: adapter, messages: messages, sessions: sessions}
}

// drive claims and executes pending tasks until the workflow reaches a
// terminal status and the queue is drained, standing in for a worker pool.
// Tasks enqueued in the same batch as the terminal action (the final
// save-message and status update) still run after the workflow itself is
// terminal, exactly as they would on a real worker. reorder, when non-nil,
// may reshuffle each claimed batch before execution to exercise
// out-of-order tool results.
func (f *turnFixture) drive(t *testing.T, workflowID string, reorder func([]enginestore.Task)) enginestore.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	handler := executor.WrapHandler(f.exec, f.handlers.Dispatch)

	for i := 0; i < 200; i++ {
		tasks, err := f.store.ClaimTasks(ctx, "test-worker", nil, 10, time.Now().Add(time.Minute))
		require.NoError(t, err)

		if len(tasks) == 0 {
			inst, err := f.store.GetWorkflow(ctx, workflowID)
			require.NoError(t, err)
			require.True(t, inst.Status.IsTerminal(), "no tasks pending but workflow is not terminal")
			return inst
		}

		if reorder != nil {
			reorder(tasks)
		}
		for _, task := range tasks {
			_, actErr := handler(ctx, task)
			require.Nil(t, actErr, "activity %s failed", task.Definition.ActivityType)
			require.NoError(t, f.store.CompleteTask(ctx, task.ID, "test-worker"))
		}
	}
	t.Fatal("workflow did not reach a terminal status")
	return enginestore.WorkflowInstance{}
}

// TestAgentTurnEndToEndNoTools runs a complete turn with no tool calls:
// the transcript grows by exactly two messages (user then assistant), the
// session lands back in awaiting_input, and the workflow completes.
func TestAgentTurnEndToEndNoTools(t *testing.T) {
	f := newTurnFixture(t, []llmadapter.Response{{Text: "Hello"}})
	ctx := context.Background()

	input, err := json.Marshal(agentturn.Input{AgentID: "agent-1", SessionID: "sess-1", Message: "Hi"})
	require.NoError(t, err)
	id, startResult, err := f.exec.StartWorkflow(ctx, "agent_turn_workflow", input)
	require.NoError(t, err)
	require.False(t, startResult.Completed)

	inst := f.drive(t, id, nil)
	require.Equal(t, workflow.StatusCompleted, inst.Status)

	msgs, err := f.messages.LoadMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "Hi", msgs[0].Content)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "Hello", msgs[1].Content)

	require.Equal(t, "awaiting_input", f.sessions.Status("sess-1"))
}

// TestAgentTurnEndToEndParallelTools runs a turn where the first LLM call
// requests two tool calls. The results are deliberately delivered in
// reverse order; the follow-up LLM call must still see both tool results
// in its conversation, and the workflow must complete on the second,
// tool-free response.
func TestAgentTurnEndToEndParallelTools(t *testing.T) {
	f := newTurnFixture(t, []llmadapter.Response{
		{ToolCalls: []llmadapter.ToolCall{
			{ID: "a", Name: "clock", Arguments: json.RawMessage(`{}`)},
			{ID: "b", Name: "weather", Arguments: json.RawMessage(`{}`)},
		}},
		{Text: "It is noon and sunny."},
	})
	ctx := context.Background()

	input, err := json.Marshal(agentturn.Input{AgentID: "agent-1", SessionID: "sess-1", Message: "What's up?"})
	require.NoError(t, err)
	id, _, err := f.exec.StartWorkflow(ctx, "agent_turn_workflow", input)
	require.NoError(t, err)

	// Run execute-single-tool tasks after everything else in each batch,
	// and in reverse of their scheduled order, so tool "b" resolves first.
	reorder := func(tasks []enginestore.Task) {
		var rest, tools []enginestore.Task
		for _, task := range tasks {
			if task.Definition.ActivityType == "execute-single-tool" {
				tools = append(tools, task)
			} else {
				rest = append(rest, task)
			}
		}
		for i, j := 0, len(tools)-1; i < j; i, j = i+1, j-1 {
			tools[i], tools[j] = tools[j], tools[i]
		}
		copy(tasks, append(rest, tools...))
	}

	inst := f.drive(t, id, reorder)
	require.Equal(t, workflow.StatusCompleted, inst.Status)

	require.Len(t, f.adapter.requests, 2, "exactly two LLM calls: the tool round and the final answer")
	followUp := f.adapter.requests[1]
	var toolRoles int
	for _, m := range followUp.Messages {
		if m.Role == "tool" {
			toolRoles++
		}
	}
	require.Equal(t, 2, toolRoles, "the follow-up LLM call must see both tool results")

	msgs, err := f.messages.LoadMessages(ctx, "sess-1")
	require.NoError(t, err)
	var byRole = map[string]int{}
	for _, m := range msgs {
		byRole[m.Role]++
	}
	require.Equal(t, 1, byRole["user"])
	require.Equal(t, 2, byRole["assistant"], "tool-call round plus final answer")
	require.Equal(t, 2, byRole["tool_call"])
	require.Equal(t, 2, byRole["tool_result"])

	// The reversed delivery order is preserved in the persisted transcript.
	var resultOrder []string
	for _, m := range msgs {
		if m.Role == "tool_result" {
			resultOrder = append(resultOrder, m.ToolCallID)
		}
	}
	require.Equal(t, []string{"b", "a"}, resultOrder)

	require.Equal(t, "awaiting_input", f.sessions.Status("sess-1"))
}
