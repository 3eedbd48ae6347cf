package workflow

import (
	"encoding/json"
	"time"
)

// EventType discriminates the WorkflowEvent union.
type EventType string

const (
	EventWorkflowStarted      EventType = "workflow_started"
	EventActivityScheduled    EventType = "activity_scheduled"
	EventActivityCompleted    EventType = "activity_completed"
	EventActivityFailed       EventType = "activity_failed"
	EventActivityCancelled    EventType = "activity_cancelled"
	EventTimerStarted         EventType = "timer_started"
	EventTimerFired           EventType = "timer_fired"
	EventSignalReceived       EventType = "signal_received"
	EventChildWorkflowStarted EventType = "child_workflow_started"
	EventWorkflowCompleted    EventType = "workflow_completed"
	EventWorkflowFailed       EventType = "workflow_failed"
	EventWorkflowCancelled    EventType = "workflow_cancelled"
)

// Event is a single, immutable, append-only fact in a workflow instance's
// history. Sequence numbers are dense and monotonic starting at 0: the
// store rejects an append whose ExpectedSeq does not match the current
// length of the log.
type Event struct {
	WorkflowID string          `json:"workflow_id" bson:"workflow_id"`
	Sequence   int             `json:"sequence" bson:"sequence"`
	Type       EventType       `json:"type" bson:"type"`
	Timestamp  time.Time       `json:"timestamp" bson:"timestamp"`
	Data       json.RawMessage `json:"data" bson:"data"`
}

// WorkflowStartedData is the payload for EventWorkflowStarted.
type WorkflowStartedData struct {
	WorkflowType string          `json:"workflow_type"`
	Input        json.RawMessage `json:"input"`
	TraceContext string          `json:"trace_context,omitempty"`
}

// ActivityScheduledData is the payload for EventActivityScheduled.
type ActivityScheduledData struct {
	ActivityID   string          `json:"activity_id"`
	ActivityType string          `json:"activity_type"`
	Input        json.RawMessage `json:"input"`
	Options      ActivityOptions `json:"options"`
}

// ActivityCompletedData is the payload for EventActivityCompleted.
type ActivityCompletedData struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result"`
}

// ActivityFailedData is the payload for EventActivityFailed. This event is
// only ever appended for an activity's FINAL failure.
type ActivityFailedData struct {
	ActivityID string `json:"activity_id"`
	Error      string `json:"error"`
}

// ActivityCancelledData is the payload for EventActivityCancelled.
type ActivityCancelledData struct {
	ActivityID string `json:"activity_id"`
}

// TimerStartedData is the payload for EventTimerStarted.
type TimerStartedData struct {
	TimerID  string `json:"timer_id"`
	DelaySec int64  `json:"delay_sec"`
}

// TimerFiredData is the payload for EventTimerFired.
type TimerFiredData struct {
	TimerID string `json:"timer_id"`
}

// SignalReceivedData is the payload for EventSignalReceived.
type SignalReceivedData struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// ChildWorkflowStartedData is the payload for EventChildWorkflowStarted.
type ChildWorkflowStartedData struct {
	ChildWorkflowID   string          `json:"child_workflow_id"`
	ChildWorkflowType string          `json:"child_workflow_type"`
	Input             json.RawMessage `json:"input"`
}

// WorkflowCompletedData is the payload for EventWorkflowCompleted.
type WorkflowCompletedData struct {
	Result json.RawMessage `json:"result"`
}

// WorkflowFailedData is the payload for EventWorkflowFailed.
type WorkflowFailedData struct {
	Error string `json:"error"`
}

// WorkflowCancelledData is the payload for EventWorkflowCancelled.
type WorkflowCancelledData struct {
	Reason string `json:"reason"`
}
