// Package taskqueue implements a lease-based task queue:
// claim/heartbeat/complete/fail semantics layered over an
// enginestore.Store, combining the store's durable compare-and-swap
// primitives with RetryPolicy-computed backoff and DLQ routing.
package taskqueue

import (
	"context"
	"fmt"
	"time"

	"goa.design/durable/enginestore"
	"goa.design/durable/reliability"
	"goa.design/durable/telemetry"
	"goa.design/durable/workflow"
)

// Config configures a Queue.
type Config struct {
	LeaseDuration time.Duration
	RetryPolicy   reliability.RetryPolicy
}

// DefaultConfig uses a 30s lease and the default retry policy.
func DefaultConfig() Config {
	return Config{LeaseDuration: 30 * time.Second, RetryPolicy: reliability.DefaultRetryPolicy()}
}

// Queue is a thin, typed façade over enginestore.Store's task operations,
// centralizing lease-duration and retry-backoff computation so callers
// (the worker pool, ad-hoc tooling) don't duplicate it.
type Queue struct {
	store   enginestore.Store
	config  Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time
}

// New constructs a Queue. logger/metrics may be nil (no-op substituted).
func New(store enginestore.Store, config Config, logger telemetry.Logger, metrics telemetry.Metrics) *Queue {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Queue{store: store, config: config, logger: logger, metrics: metrics, now: time.Now}
}

// Claim claims up to maxTasks pending tasks matching activityTypes for
// workerID, leasing them for Config.LeaseDuration.
func (q *Queue) Claim(ctx context.Context, workerID string, activityTypes []string, maxTasks int) ([]enginestore.Task, error) {
	tasks, err := q.store.ClaimTasks(ctx, workerID, activityTypes, maxTasks, q.now().Add(q.config.LeaseDuration))
	if err != nil {
		return nil, fmt.Errorf("taskqueue: claim: %w", err)
	}
	q.metrics.IncCounter("taskqueue.claimed", float64(len(tasks)))
	return tasks, nil
}

// Heartbeat extends a claimed task's lease by Config.LeaseDuration.
// shouldCancel reports a pending cooperative-cancellation request: the
// handler must abandon its work and return a cancellation-shaped failure.
// An ErrNotClaimed error means the lease was lost (reclaimed or completed
// elsewhere) and the handler must likewise stop.
func (q *Queue) Heartbeat(ctx context.Context, taskID, workerID string) (shouldCancel bool, err error) {
	return q.store.HeartbeatTask(ctx, taskID, workerID, q.now().Add(q.config.LeaseDuration))
}

// Complete marks a claimed task done.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string) error {
	if err := q.store.CompleteTask(ctx, taskID, workerID); err != nil {
		return fmt.Errorf("taskqueue: complete: %w", err)
	}
	q.metrics.IncCounter("taskqueue.completed", 1)
	return nil
}

// Fail records a failed attempt for task. The attempt budget and backoff
// come from the task's own scheduling options where set, falling back to
// the queue-wide defaults field by field. If the attempt count is below
// the budget the task is requeued with the computed backoff and Fail
// returns movedToDLQ=false: the workflow is never told about this failure.
// Otherwise the task moves to the dead-letter queue and the caller must
// report the final failure to the executor.
func (q *Queue) Fail(ctx context.Context, task enginestore.Task, workerID, errMsg string) (movedToDLQ bool, err error) {
	policy := q.policyFor(task.Definition.Options)
	delay := policy.Delay(task.Attempt)
	movedToDLQ, err = q.store.FailTask(ctx, task.ID, workerID, errMsg, policy.MaxAttempts, q.now().Add(delay))
	if err != nil {
		return false, fmt.Errorf("taskqueue: fail: %w", err)
	}
	if movedToDLQ {
		q.metrics.IncCounter("taskqueue.dead_lettered", 1)
	} else {
		q.metrics.IncCounter("taskqueue.retried", 1)
	}
	return movedToDLQ, nil
}

// policyFor overlays a task's per-activity retry overrides on the queue's
// default policy. A zero-valued field keeps the queue default for that
// field.
func (q *Queue) policyFor(opts workflow.ActivityOptions) reliability.RetryPolicy {
	p := q.config.RetryPolicy
	if opts.MaxAttempts > 0 {
		p.MaxAttempts = opts.MaxAttempts
	}
	if opts.InitialDelay > 0 {
		p.InitialDelay = opts.InitialDelay
	}
	if opts.MaxDelay > 0 {
		p.MaxDelay = opts.MaxDelay
	}
	if opts.Multiplier > 0 {
		p.Multiplier = opts.Multiplier
	}
	if opts.JitterFraction > 0 {
		p.JitterFraction = opts.JitterFraction
	}
	return p
}

// FailNonRetryable moves a task straight to the dead-letter queue without
// consuming a retry attempt, for activity failures the handler itself
// classified as non-retryable.
func (q *Queue) FailNonRetryable(ctx context.Context, taskID, workerID, errMsg string) error {
	if err := q.store.MoveToDLQ(ctx, taskID, workerID, errMsg); err != nil {
		return fmt.Errorf("taskqueue: fail non-retryable: %w", err)
	}
	q.metrics.IncCounter("taskqueue.dead_lettered", 1)
	return nil
}

// Requeue reconstructs a fresh pending task from a dead-letter entry.
func (q *Queue) Requeue(ctx context.Context, dlqID string) (enginestore.Task, error) {
	return q.store.RequeueFromDLQ(ctx, dlqID)
}

// Reclaim returns claimed tasks whose lease has expired before the current
// time (minus a grace period) to pending, so another worker can claim them.
func (q *Queue) Reclaim(ctx context.Context, staleAfter time.Duration) (int, error) {
	return q.store.ReclaimStaleTasks(ctx, q.now().Add(-staleAfter))
}

// ActivityError is the structured activity failure payload.
type ActivityError struct {
	Message   string
	Type      string
	Retryable bool
}

func (e ActivityError) Error() string { return e.Message }
