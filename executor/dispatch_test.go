package executor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/durable/enginestore"
	"goa.design/durable/enginestore/memstore"
	"goa.design/durable/executor"
	"goa.design/durable/taskqueue"
	"goa.design/durable/workflow"
)

// claimOne pulls the single task StartWorkflow enqueued so the test can hand
// it to a workerpool.Handler exactly the way a real pool's pollLoop would.
func claimOne(t *testing.T, store *memstore.Store) enginestore.Task {
	t.Helper()
	tasks, err := store.ClaimTasks(context.Background(), "worker-1", nil, 1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestWrapHandlerAdvancesWorkflowOnSuccess(t *testing.T) {
	exec, store := newTestExecutor(t)
	ctx := context.Background()

	input, _ := json.Marshal(counterInput{Start: 0, Target: 1})
	id, result, err := exec.StartWorkflow(ctx, "counter_workflow", input)
	require.NoError(t, err)
	require.False(t, result.Completed)

	task := claimOne(t, store)
	require.Equal(t, id, task.Definition.WorkflowID)

	handler := func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		out, _ := json.Marshal(map[string]int{"value": 1})
		return out, nil
	}
	wrapped := executor.WrapHandler(exec, handler)

	out, activityErr := wrapped(ctx, task)
	require.Nil(t, activityErr)
	require.NotEmpty(t, out)

	inst, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, inst.Status)
}

func TestWrapHandlerNotifiesExecutorOnFailure(t *testing.T) {
	exec, store := newTestExecutor(t)
	ctx := context.Background()

	input, _ := json.Marshal(counterInput{Start: 0, Target: 1})
	id, _, err := exec.StartWorkflow(ctx, "counter_workflow", input)
	require.NoError(t, err)

	task := claimOne(t, store)

	wantErr := &taskqueue.ActivityError{Message: "boom", Retryable: false}
	handler := func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		return nil, wantErr
	}
	wrapped := executor.WrapHandler(exec, handler)

	out, activityErr := wrapped(ctx, task)
	require.Nil(t, out)
	require.Same(t, wantErr, activityErr)

	inst, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, inst.Status)
}

// newTestExecutor/counterWorkflow/counterInput/counterOutput are defined in
// executor_test.go and reused here to keep the two fixtures consistent.
