package executor

import (
	"context"

	"goa.design/durable/enginestore"
	"goa.design/durable/taskqueue"
	"goa.design/durable/workerpool"
)

// WrapHandler adapts a workerpool.Handler for one activity type so the
// workflow that scheduled it advances as soon as the activity's side effect
// completes: on success the Executor is driven forward with the activity's
// result (appending the completion event and enqueuing whatever actions the
// workflow emits next) before the task queue marks the task done; on
// failure the Executor is still notified so the workflow's own event log
// stays consistent with the task queue's independent retry bookkeeping.
// The bridge is explicit so workerpool stays a pure task runner with no
// executor dependency.
func WrapHandler(e *Executor, handler workerpool.Handler) workerpool.Handler {
	return func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		result, activityErr := handler(ctx, task)
		if activityErr != nil {
			if _, err := e.OnActivityFailed(ctx, task.Definition.WorkflowID, task.Definition.ActivityID, activityErr.Message, activityErr.Retryable); err != nil {
				e.logger.Error(ctx, "executor: advance workflow after activity failure",
					"workflow_id", task.Definition.WorkflowID, "activity_id", task.Definition.ActivityID, "error", err)
			}
			return nil, activityErr
		}

		if _, err := e.OnActivityCompleted(ctx, task.Definition.WorkflowID, task.Definition.ActivityID, result); err != nil {
			return nil, &taskqueue.ActivityError{Message: err.Error(), Retryable: true}
		}
		return result, nil
	}
}
