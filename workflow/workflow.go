// Package workflow defines the polymorphic workflow interface and the
// action/event vocabulary that the executor drives workflows with. A
// Workflow is a pure function from its event history to a list of Actions:
// it must never read the wall clock, generate randomness, perform IO, or
// call an LLM/tool directly. All such non-determinism belongs in activities,
// which the executor schedules on the workflow's behalf.
package workflow

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status is one from which no further
// transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActionKind discriminates the Action union.
type ActionKind string

const (
	ActionScheduleActivity      ActionKind = "schedule_activity"
	ActionStartTimer            ActionKind = "start_timer"
	ActionCompleteWorkflow      ActionKind = "complete_workflow"
	ActionFailWorkflow          ActionKind = "fail_workflow"
	ActionScheduleChildWorkflow ActionKind = "schedule_child_workflow"
	ActionCancelActivity        ActionKind = "cancel_activity"
	ActionNone                  ActionKind = "none"
)

// ActivityOptions configures how a scheduled activity's task is queued,
// prioritized, retried, and time-bounded. The zero value means "use the
// task queue's configured defaults for every field".
type ActivityOptions struct {
	// Priority orders a task relative to other pending tasks when workers
	// claim work: higher priorities are claimed first; ties are broken by
	// earliest visibility (FIFO).
	Priority int

	// MaxAttempts, InitialDelay, MaxDelay, Multiplier, and JitterFraction
	// override the queue's default RetryPolicy for this activity. A
	// zero-valued field keeps the queue default for that field.
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64

	// ScheduleToStartTimeout bounds how long the task may sit pending
	// before a worker claims it; exceeding it moves the task straight to
	// the dead-letter queue. StartToCloseTimeout bounds a single claimed
	// attempt's execution. HeartbeatTimeout is the lease duration a
	// worker must refresh via HeartbeatTask while executing; it overrides
	// the queue's default lease duration for this activity type.
	ScheduleToStartTimeout time.Duration
	StartToCloseTimeout    time.Duration
	HeartbeatTimeout       time.Duration
}

// Action is the union of side effects a Workflow may request in response to
// on_start/on_activity_completed/on_activity_failed/on_timer_fired/on_signal.
// Exactly one of the per-kind fields is populated, matching Kind.
type Action struct {
	Kind ActionKind

	// ScheduleActivity / CancelActivity
	ActivityID   string
	ActivityType string
	Input        json.RawMessage
	Options      ActivityOptions

	// StartTimer
	TimerID  string
	DelaySec int64

	// CompleteWorkflow
	Result json.RawMessage

	// FailWorkflow
	Reason string

	// ScheduleChildWorkflow
	ChildWorkflowID   string
	ChildWorkflowType string
	ChildInput        json.RawMessage
}

// None is the zero-effect action, used when a handler has nothing to do.
func None() Action { return Action{Kind: ActionNone} }

// ScheduleActivity requests that activityType be scheduled with input,
// addressable later by activityID (an identifier the workflow itself
// generates deterministically, e.g. "call-llm-3").
func ScheduleActivity(activityID, activityType string, input json.RawMessage) Action {
	return Action{Kind: ActionScheduleActivity, ActivityID: activityID, ActivityType: activityType, Input: input}
}

// ScheduleActivityWithOptions is ScheduleActivity plus explicit scheduling
// options (priority, retry policy, timeouts) for the resulting task.
func ScheduleActivityWithOptions(activityID, activityType string, input json.RawMessage, opts ActivityOptions) Action {
	return Action{Kind: ActionScheduleActivity, ActivityID: activityID, ActivityType: activityType, Input: input, Options: opts}
}

// StartTimer requests a durable timer firing after delaySec seconds.
func StartTimer(timerID string, delaySec int64) Action {
	return Action{Kind: ActionStartTimer, TimerID: timerID, DelaySec: delaySec}
}

// CompleteWorkflow terminates the workflow successfully with result.
func CompleteWorkflow(result json.RawMessage) Action {
	return Action{Kind: ActionCompleteWorkflow, Result: result}
}

// FailWorkflow terminates the workflow with a terminal, non-retryable error.
func FailWorkflow(reason string) Action {
	return Action{Kind: ActionFailWorkflow, Reason: reason}
}

// ScheduleChildWorkflow starts a child workflow instance.
func ScheduleChildWorkflow(childWorkflowID, childWorkflowType string, input json.RawMessage) Action {
	return Action{Kind: ActionScheduleChildWorkflow, ChildWorkflowID: childWorkflowID, ChildWorkflowType: childWorkflowType, ChildInput: input}
}

// CancelActivity requests cancellation of a previously scheduled activity.
func CancelActivity(activityID string) Action {
	return Action{Kind: ActionCancelActivity, ActivityID: activityID}
}

// Signal is a named, ordered message delivered to a running workflow
// instance out of band (e.g. a new chat message, a shutdown request).
// Signals are FIFO per workflow and are themselves recorded as events so
// replay observes them deterministically.
type Signal struct {
	Name    string
	Payload json.RawMessage
}

// Workflow is the polymorphic state machine the executor drives. Every
// method must be a pure function of its receiver state and arguments: no
// wall-clock reads, no randomness, no IO, no LLM or tool calls. Only
// on_activity_failed is ever invoked for FINAL (non-retryable or
// retries-exhausted) failures; the task queue retries transparently
// without involving the workflow.
type Workflow interface {
	// OnStart is invoked exactly once, immediately after the workflow
	// instance is created, with the typed, already-deserialized input.
	OnStart() ([]Action, error)

	// OnActivityCompleted is invoked when a previously scheduled activity
	// finishes successfully.
	OnActivityCompleted(activityID string, result json.RawMessage) ([]Action, error)

	// OnActivityFailed is invoked only for an activity's FINAL failure
	// (non-retryable, or retry budget exhausted and moved to the DLQ).
	OnActivityFailed(activityID string, errMsg string) ([]Action, error)

	// OnTimerFired is invoked when a previously started durable timer
	// elapses.
	OnTimerFired(timerID string) ([]Action, error)

	// OnSignal is invoked once per signal, in the order the signals were
	// received.
	OnSignal(sig Signal) ([]Action, error)

	// IsCompleted reports whether the workflow has reached a terminal
	// state (completed or failed) from its own internal state, independent
	// of what the executor has persisted.
	IsCompleted() bool

	// Result returns the workflow's output once IsCompleted reports true
	// and the workflow completed successfully.
	Result() json.RawMessage

	// Error returns the workflow's terminal failure reason once
	// IsCompleted reports true and the workflow failed.
	Error() string
}

// Factory constructs a fresh Workflow instance from its raw, serialized
// input. Registered factories must be deterministic: the same input bytes
// always produce an equivalent initial state.
type Factory func(input json.RawMessage) (Workflow, error)
