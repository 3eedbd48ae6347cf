package activityhandlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/require"

	"goa.design/durable/activityhandlers"
	"goa.design/durable/agentturn"
	"goa.design/durable/enginestore"
	"goa.design/durable/enginestore/memstore"
	"goa.design/durable/llmadapter"
	"goa.design/durable/reliability"
)

type fakeAdapter struct {
	resp llmadapter.Response
	err  error
}

func (f *fakeAdapter) Generate(ctx context.Context, req llmadapter.Request) (llmadapter.Response, error) {
	return f.resp, f.err
}

func newTask(activityType string, input any) enginestore.Task {
	raw, _ := json.Marshal(input)
	return enginestore.Task{
		ID: "task-1",
		Definition: enginestore.TaskDefinition{
			WorkflowID:   "wf-1",
			ActivityID:   "activity-1",
			ActivityType: activityType,
			Input:        raw,
		},
	}
}

func TestLoadAgent(t *testing.T) {
	agents := activityhandlers.NewInMemoryAgentStore(map[string]activityhandlers.AgentConfig{
		"agent-1": {Name: "assistant", ProviderType: "fake", ModelID: "model-1"},
	})
	h := &activityhandlers.Handlers{Agents: agents}

	task := newTask("load-agent", agentturn.LoadAgentInput{AgentID: "agent-1"})
	out, actErr := h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)

	var result agentturn.LoadAgentOutput
	require.NoError(t, json.Unmarshal(out, &result))
	var cfg activityhandlers.AgentConfig
	require.NoError(t, json.Unmarshal(result.AgentConfig, &cfg))
	require.Equal(t, "assistant", cfg.Name)
}

func TestLoadAgentUnknown(t *testing.T) {
	h := &activityhandlers.Handlers{Agents: activityhandlers.NewInMemoryAgentStore(nil)}

	task := newTask("load-agent", agentturn.LoadAgentInput{AgentID: "missing"})
	_, actErr := h.Dispatch(context.Background(), task)
	require.NotNil(t, actErr)
	require.True(t, actErr.Retryable)
}

func TestSaveMessageIsIdempotent(t *testing.T) {
	messages := activityhandlers.NewInMemoryMessageStore()
	h := &activityhandlers.Handlers{Messages: messages}

	in := agentturn.SaveMessageInput{SessionID: "s-1", Message: agentturn.Message{Role: "user", Content: "hi"}}
	task := newTask("save-message", in)

	_, actErr := h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)
	_, actErr = h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)

	msgs, err := messages.LoadMessages(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestCallLLM(t *testing.T) {
	llm := llmadapter.NewRegistry()
	llm.Register("fake", &fakeAdapter{resp: llmadapter.Response{Text: "hello"}})
	h := &activityhandlers.Handlers{LLM: llm}

	cfgBlob, err := json.Marshal(activityhandlers.AgentConfig{ProviderType: "fake", ModelID: "model-1"})
	require.NoError(t, err)
	in := agentturn.CallLlmInput{
		AgentConfig: cfgBlob,
		Messages:    []agentturn.Message{{Role: "user", Content: "hi"}},
	}
	task := newTask("call-llm", in)
	out, actErr := h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)

	var result agentturn.CallLlmOutput
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, "hello", result.Text)
}

func TestCallLLMUnknownProvider(t *testing.T) {
	h := &activityhandlers.Handlers{LLM: llmadapter.NewRegistry()}

	cfgBlob, err := json.Marshal(activityhandlers.AgentConfig{ProviderType: "nonexistent"})
	require.NoError(t, err)
	in := agentturn.CallLlmInput{
		AgentConfig: cfgBlob,
		Messages:    []agentturn.Message{{Role: "user", Content: "hi"}},
	}
	task := newTask("call-llm", in)
	_, actErr := h.Dispatch(context.Background(), task)
	require.NotNil(t, actErr)
	require.False(t, actErr.Retryable)
}

func compileSchema(t *testing.T, raw string) *jsonschema.Schema {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	c := jsonschema.NewCompiler()
	require.NoError(t, c.AddResource("schema.json", doc))
	schema, err := c.Compile("schema.json")
	require.NoError(t, err)
	return schema
}

func TestExecuteSingleToolValidatesSchema(t *testing.T) {
	tools := activityhandlers.NewToolRegistry()
	tools.Register("echo", func(ctx context.Context, sessionID string, tc agentturn.ToolCall) (agentturn.ToolResultData, error) {
		return agentturn.ToolResultData{ToolCallID: tc.ID, Output: "ok"}, nil
	})

	schema := compileSchema(t, `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`)

	h := &activityhandlers.Handlers{
		Tools:       tools,
		ToolSchemas: map[string]*jsonschema.Schema{"echo": schema},
	}

	bad := newTask("execute-single-tool", agentturn.ExecuteToolInput{
		ToolCall: agentturn.ToolCall{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{}`)},
	})
	_, actErr := h.Dispatch(context.Background(), bad)
	require.NotNil(t, actErr)
	require.False(t, actErr.Retryable)

	good := newTask("execute-single-tool", agentturn.ExecuteToolInput{
		ToolCall: agentturn.ToolCall{ID: "call-2", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
	})
	out, actErr := h.Dispatch(context.Background(), good)
	require.Nil(t, actErr)
	var result agentturn.ExecuteToolOutput
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, "ok", result.Result.Output)
}

func TestExecuteSingleToolIsIdempotent(t *testing.T) {
	calls := 0
	tools := activityhandlers.NewToolRegistry()
	tools.Register("counter", func(ctx context.Context, sessionID string, tc agentturn.ToolCall) (agentturn.ToolResultData, error) {
		calls++
		return agentturn.ToolResultData{ToolCallID: tc.ID, Output: "ran"}, nil
	})
	h := &activityhandlers.Handlers{Tools: tools}

	task := newTask("execute-single-tool", agentturn.ExecuteToolInput{
		ToolCall: agentturn.ToolCall{ID: "call-1", Name: "counter", Arguments: json.RawMessage(`{}`)},
	})
	_, actErr := h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)
	_, actErr = h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)
	require.Equal(t, 1, calls)
}

func TestUpdateSessionStatus(t *testing.T) {
	sessions := activityhandlers.NewInMemorySessionStore()
	h := &activityhandlers.Handlers{Sessions: sessions}

	task := newTask("update-session-status", agentturn.UpdateSessionStatusInput{SessionID: "s-1", Status: "running"})
	_, actErr := h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)
	require.Equal(t, "running", sessions.Status("s-1"))
}

func TestLoadMessages(t *testing.T) {
	messages := activityhandlers.NewInMemoryMessageStore()
	require.NoError(t, messages.SaveMessage(context.Background(), "s-1", "seed", agentturn.Message{Role: "user", Content: "hi"}))
	h := &activityhandlers.Handlers{Messages: messages}

	task := newTask("load-messages", agentturn.LoadMessagesInput{SessionID: "s-1"})
	out, actErr := h.Dispatch(context.Background(), task)
	require.Nil(t, actErr)
	var result agentturn.LoadMessagesOutput
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Messages, 1)
	require.Equal(t, "hi", result.Messages[0].Content)
}

func TestCallLLMTripsBreakerAfterRepeatedFailures(t *testing.T) {
	llm := llmadapter.NewRegistry()
	adapter := &fakeAdapter{err: errors.New("provider down")}
	llm.Register("fake", adapter)
	store := memstore.New()
	breaker := reliability.NewBreaker(store, reliability.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})
	h := &activityhandlers.Handlers{LLM: llm, Breaker: breaker}

	cfgBlob, err := json.Marshal(activityhandlers.AgentConfig{ProviderType: "fake", ModelID: "model-1"})
	require.NoError(t, err)
	in := agentturn.CallLlmInput{AgentConfig: cfgBlob, Messages: []agentturn.Message{{Role: "user", Content: "hi"}}}
	task := newTask("call-llm", in)

	for i := 0; i < 2; i++ {
		_, actErr := h.Dispatch(context.Background(), task)
		require.NotNil(t, actErr)
		require.True(t, actErr.Retryable)
	}

	state, err := breaker.State(context.Background(), "call-llm:fake")
	require.NoError(t, err)
	require.Equal(t, enginestore.BreakerOpen, state.Status)

	// The breaker is now open: Dispatch must fail fast without calling the
	// adapter again.
	_, actErr := h.Dispatch(context.Background(), task)
	require.NotNil(t, actErr)
	require.True(t, actErr.Retryable)
}
