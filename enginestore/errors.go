package enginestore

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store implementations. Callers discriminate
// with errors.Is/errors.As.
var (
	// ErrWorkflowNotFound is returned when an operation addresses a
	// workflow instance id that does not exist.
	ErrWorkflowNotFound = errors.New("enginestore: workflow not found")

	// ErrWorkflowExists is returned by CreateWorkflow when the id is
	// already taken.
	ErrWorkflowExists = errors.New("enginestore: workflow id already exists")

	// ErrWorkflowCompleted is returned when an operation (e.g. send_signal,
	// append_events) targets a workflow that has already reached a
	// terminal status. Terminal state is immutable.
	ErrWorkflowCompleted = errors.New("enginestore: workflow already completed")

	// ErrTooManyEvents is returned by the executor when a workflow's loaded
	// event log has already reached its configured maximum length.
	ErrTooManyEvents = errors.New("enginestore: workflow event log exceeds maximum length")

	// ErrTaskNotFound is returned when a task id has no matching task.
	ErrTaskNotFound = errors.New("enginestore: task not found")

	// ErrNotClaimed is returned when completing, failing, or
	// heartbeating a task that is not currently claimed by the caller.
	ErrNotClaimed = errors.New("enginestore: task is not claimed")

	// ErrDlqEntryNotFound is returned when requeueing a DLQ entry id that
	// does not exist.
	ErrDlqEntryNotFound = errors.New("enginestore: dead-letter entry not found")

	// ErrWorkerNotFound is returned when heartbeating a worker id that was
	// never registered (or was already deregistered).
	ErrWorkerNotFound = errors.New("enginestore: worker not found")
)

// ConcurrencyConflictError is returned by AppendEvents when ExpectedSeq does
// not match the workflow's current event count. Callers reload the event log and may retry.
type ConcurrencyConflictError struct {
	WorkflowID string
	Expected   int
	Actual     int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("enginestore: concurrency conflict on workflow %s: expected sequence %d, actual %d",
		e.WorkflowID, e.Expected, e.Actual)
}

// IsConcurrencyConflict reports whether err is (or wraps) a
// ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var c *ConcurrencyConflictError
	return errors.As(err, &c)
}
