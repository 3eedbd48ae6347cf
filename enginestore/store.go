package enginestore

import (
	"context"
	"time"

	"goa.design/durable/workflow"
)

// Store is the single system of record for the durable execution engine:
// workflow instances and their event logs, the task queue, the dead-letter
// queue, pending signals, worker registrations, and circuit breaker state.
// memstore.Store implements the contract in process for tests and
// single-node use; mongostore.Store implements it over
// go.mongodb.org/mongo-driver/v2 for durability across processes.
type Store interface {
	// CreateWorkflow persists a brand new workflow instance in
	// workflow.StatusPending with an empty event log. Returns an error if
	// id already exists. The caller transitions it to StatusRunning via
	// MarkRunning once it's established the workflow didn't complete
	// immediately from its own OnStart.
	CreateWorkflow(ctx context.Context, id, workflowType string, input []byte, createdAt time.Time) (WorkflowInstance, error)

	// MarkRunning transitions a workflow instance from StatusPending to
	// StatusRunning. It is a no-op if the instance is already terminal
	// (StartWorkflow may call it after actions already completed the
	// workflow within the same pass in a future revision; today the
	// executor only calls it when it knows the workflow is still
	// Pending).
	MarkRunning(ctx context.Context, id string, at time.Time) error

	// GetWorkflow loads a workflow instance's metadata (not its events).
	// Returns ErrWorkflowNotFound if absent.
	GetWorkflow(ctx context.Context, id string) (WorkflowInstance, error)

	// AppendEvents appends newEvents to the workflow's log, enforcing
	// optimistic concurrency: the call fails with
	// *ConcurrencyConflictError unless expectedSeq equals the current
	// event count. On success the events are assigned dense, monotonic
	// sequence numbers starting at expectedSeq.
	AppendEvents(ctx context.Context, workflowID string, expectedSeq int, newEvents []workflow.Event) error

	// LoadEvents returns the full, ordered event log for a workflow
	// instance.
	LoadEvents(ctx context.Context, workflowID string) ([]workflow.Event, error)

	// SetWorkflowResult marks a workflow instance as terminally completed
	// or failed, recording its result/error. Terminal instances are
	// immutable afterward.
	SetWorkflowResult(ctx context.Context, id string, status workflow.Status, result []byte, errMsg string, updatedAt time.Time) error

	// EnqueueTask inserts a new pending task for a scheduled activity.
	EnqueueTask(ctx context.Context, task Task) error

	// ClaimTasks atomically claims up to maxTasks pending tasks whose
	// ActivityType is in activityTypes (or any type if activityTypes is
	// empty), setting them to TaskClaimed with a lease expiring at
	// leaseExpiry. Used by the worker pool's poll loop.
	ClaimTasks(ctx context.Context, workerID string, activityTypes []string, maxTasks int, leaseExpiry time.Time) ([]Task, error)

	// HeartbeatTask extends a claimed task's lease. Returns ErrNotClaimed
	// if the task is not currently claimed by workerID (the caller must
	// treat its work as abandoned). shouldCancel reports whether
	// cancellation was requested for the task; a well-behaved handler
	// observes it and aborts cooperatively.
	HeartbeatTask(ctx context.Context, taskID, workerID string, newLeaseExpiry time.Time) (shouldCancel bool, err error)

	// RequestCancelTask flags the task addressed by (workflowID,
	// activityID) for cooperative cancellation. The flag is surfaced to
	// the executing worker through its next HeartbeatTask response. A
	// no-op if no live task matches.
	RequestCancelTask(ctx context.Context, workflowID, activityID string) error

	// CompleteTask marks a claimed task as done and removes it from the
	// queue.
	CompleteTask(ctx context.Context, taskID, workerID string) error

	// FailTask records a failed attempt. If attempt < maxAttempts the task
	// is requeued as pending with availableAt reflecting the computed
	// retry backoff; otherwise it is moved to the dead-letter queue
	// carrying its full error history.
	FailTask(ctx context.Context, taskID, workerID string, errMsg string, maxAttempts int, availableAt time.Time) (movedToDLQ bool, err error)

	// ReclaimStaleTasks returns claimed tasks whose lease expired before
	// the given threshold back to TaskPending, so another worker can
	// claim them.
	ReclaimStaleTasks(ctx context.Context, threshold time.Time) (int, error)

	// ExpireScheduleToStart moves any still-pending task whose
	// Definition.Options.ScheduleToStartTimeout has elapsed since its
	// CreatedAt straight to the dead-letter queue. Tasks with a zero
	// ScheduleToStartTimeout never expire this way.
	ExpireScheduleToStart(ctx context.Context, now time.Time) (int, error)

	// MoveToDLQ moves a task directly to the dead-letter queue (used when
	// an activity reports a non-retryable failure).
	MoveToDLQ(ctx context.Context, taskID, workerID string, errMsg string) error

	// RequeueFromDLQ reconstructs a fresh pending task from a DLQ entry
	// with a reset attempt count.
	RequeueFromDLQ(ctx context.Context, dlqID string) (Task, error)

	// ListDLQ returns dead-letter entries, optionally filtered by
	// workflow id.
	ListDLQ(ctx context.Context, workflowID string) ([]DLQEntry, error)

	// SendSignal appends a durable signal to a workflow instance's pending
	// signal queue. Returns ErrWorkflowCompleted if the workflow is
	// already terminal.
	SendSignal(ctx context.Context, workflowID string, sig workflow.Signal, receivedAt time.Time) error

	// PendingSignals returns signals received but not yet processed, in
	// FIFO order.
	PendingSignals(ctx context.Context, workflowID string) ([]Signal, error)

	// MarkSignalsProcessed removes the first n pending signals for a
	// workflow instance (they have since been recorded as
	// SignalReceived events and delivered to the workflow).
	MarkSignalsProcessed(ctx context.Context, workflowID string, n int) error

	// RegisterWorker upserts a worker pool member's registration.
	RegisterWorker(ctx context.Context, w Worker) error

	// DeregisterWorker removes a worker pool member's registration.
	DeregisterWorker(ctx context.Context, workerID string) error

	// Heartbeat updates a worker's load and accepting-work state.
	Heartbeat(ctx context.Context, workerID string, load int, accepting bool, at time.Time) error

	// GetCircuitBreaker loads the persisted breaker state for key,
	// returning the zero-value Closed state if none exists yet.
	GetCircuitBreaker(ctx context.Context, key string) (CircuitBreakerState, error)

	// UpdateCircuitBreaker persists a new breaker state for key; all
	// workers observe the same trip since this is the shared system of
	// record.
	UpdateCircuitBreaker(ctx context.Context, state CircuitBreakerState) error
}
