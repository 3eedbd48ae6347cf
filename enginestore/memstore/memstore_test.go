package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/durable/enginestore"
	"goa.design/durable/workflow"
)

func TestCreateAndGetWorkflow(t *testing.T) {
	s := New()
	ctx := context.Background()
	inst, err := s.CreateWorkflow(ctx, "wf-1", "counter_workflow", []byte(`{"start":0}`), time.Now())
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPending, inst.Status)

	require.NoError(t, s.MarkRunning(ctx, "wf-1", time.Now()))
	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "counter_workflow", got.WorkflowType)
	require.Equal(t, workflow.StatusRunning, got.Status)

	_, err = s.CreateWorkflow(ctx, "wf-1", "counter_workflow", nil, time.Now())
	require.ErrorIs(t, err, enginestore.ErrWorkflowExists)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := New()
	_, err := s.GetWorkflow(context.Background(), "missing")
	require.ErrorIs(t, err, enginestore.ErrWorkflowNotFound)
}

func TestAppendAndLoadEvents(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateWorkflow(ctx, "wf-1", "counter_workflow", nil, time.Now())
	require.NoError(t, err)

	err = s.AppendEvents(ctx, "wf-1", 0, []workflow.Event{{Type: workflow.EventWorkflowStarted}})
	require.NoError(t, err)

	err = s.AppendEvents(ctx, "wf-1", 1, []workflow.Event{{Type: workflow.EventActivityScheduled}})
	require.NoError(t, err)

	events, err := s.LoadEvents(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 0, events[0].Sequence)
	require.Equal(t, 1, events[1].Sequence)
}

func TestConcurrencyConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateWorkflow(ctx, "wf-1", "counter_workflow", nil, time.Now())
	require.NoError(t, err)

	err = s.AppendEvents(ctx, "wf-1", 5, []workflow.Event{{Type: workflow.EventWorkflowStarted}})
	require.True(t, enginestore.IsConcurrencyConflict(err))
}

func TestTaskLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityID: "act-1", ActivityType: "call-llm"},
	}))

	claimed, err := s.ClaimTasks(ctx, "worker-1", nil, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, enginestore.TaskClaimed, claimed[0].Status)
	require.Equal(t, 1, claimed[0].Attempt)

	shouldCancel, err := s.HeartbeatTask(ctx, "task-1", "worker-1", time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, shouldCancel)
	require.NoError(t, s.CompleteTask(ctx, "task-1", "worker-1"))

	err = s.CompleteTask(ctx, "task-1", "worker-1")
	require.ErrorIs(t, err, enginestore.ErrTaskNotFound)
}

func TestTaskRetryThenDLQ(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityType: "call-llm"},
	}))

	for i := 0; i < 2; i++ {
		claimed, err := s.ClaimTasks(ctx, "worker-1", nil, 10, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		moved, err := s.FailTask(ctx, "task-1", "worker-1", "boom", 3, time.Now())
		require.NoError(t, err)
		require.False(t, moved)
	}

	claimed, err := s.ClaimTasks(ctx, "worker-1", nil, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 3, claimed[0].Attempt)

	moved, err := s.FailTask(ctx, "task-1", "worker-1", "final failure", 3, time.Now())
	require.NoError(t, err)
	require.True(t, moved)

	entries, err := s.ListDLQ(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].ErrorHistory, 3)
}

func TestRequestCancelSurfacesThroughHeartbeat(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityID: "act-1", ActivityType: "execute-single-tool"},
	}))
	claimed, err := s.ClaimTasks(ctx, "worker-1", nil, 1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.RequestCancelTask(ctx, "wf-1", "act-1"))

	shouldCancel, err := s.HeartbeatTask(ctx, "task-1", "worker-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, shouldCancel)
}

func TestExpireScheduleToStartDeadLettersUnclaimedTasks(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.EnqueueTask(ctx, enginestore.Task{
		ID: "task-stale",
		Definition: enginestore.TaskDefinition{
			WorkflowID:   "wf-1",
			ActivityType: "call-llm",
			Options:      workflow.ActivityOptions{ScheduleToStartTimeout: time.Minute},
		},
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}))
	// No timeout set: never expires this way.
	require.NoError(t, s.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-fresh",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityType: "call-llm"},
		CreatedAt:  time.Now().Add(-2 * time.Minute),
	}))

	n, err := s.ExpireScheduleToStart(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries, err := s.ListDLQ(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "task-stale", entries[0].ID)

	claimed, err := s.ClaimTasks(ctx, "worker-1", nil, 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "task-fresh", claimed[0].ID)
}

func TestSignalsFIFOAndTerminalRejection(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateWorkflow(ctx, "wf-1", "session_workflow", nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.SendSignal(ctx, "wf-1", workflow.Signal{Name: "new_message", Payload: []byte(`"a"`)}, time.Now()))
	require.NoError(t, s.SendSignal(ctx, "wf-1", workflow.Signal{Name: "new_message", Payload: []byte(`"b"`)}, time.Now()))

	sigs, err := s.PendingSignals(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, []byte(`"a"`), sigs[0].Payload)

	require.NoError(t, s.MarkSignalsProcessed(ctx, "wf-1", 2))
	sigs, err = s.PendingSignals(ctx, "wf-1")
	require.NoError(t, err)
	require.Empty(t, sigs)

	require.NoError(t, s.SetWorkflowResult(ctx, "wf-1", workflow.StatusCompleted, []byte(`{}`), "", time.Now()))
	err = s.SendSignal(ctx, "wf-1", workflow.Signal{Name: "new_message"}, time.Now())
	require.ErrorIs(t, err, enginestore.ErrWorkflowCompleted)

	err = s.AppendEvents(ctx, "wf-1", 0, []workflow.Event{{Type: workflow.EventWorkflowStarted}})
	require.ErrorIs(t, err, enginestore.ErrWorkflowCompleted, "terminal instances are immutable")
}

func TestCircuitBreakerTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	state, err := s.GetCircuitBreaker(ctx, "call-llm")
	require.NoError(t, err)
	require.Equal(t, enginestore.BreakerClosed, state.Status)

	state.Status = enginestore.BreakerOpen
	require.NoError(t, s.UpdateCircuitBreaker(ctx, state))

	got, err := s.GetCircuitBreaker(ctx, "call-llm")
	require.NoError(t, err)
	require.Equal(t, enginestore.BreakerOpen, got.Status)
	require.False(t, got.OpenedAt.IsZero())

	got.Status = enginestore.BreakerClosed
	require.NoError(t, s.UpdateCircuitBreaker(ctx, got))
	got, err = s.GetCircuitBreaker(ctx, "call-llm")
	require.NoError(t, err)
	require.True(t, got.OpenedAt.IsZero())
}
