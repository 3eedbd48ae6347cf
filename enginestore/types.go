// Package enginestore defines the Event Store contract:
// the single durable system of record for workflow instances, their event
// logs, the task queue, the dead-letter queue, signals, worker
// registrations, and circuit breaker state. Concrete implementations live
// in subpackages (memstore for tests and single-process use, mongostore for
// production persistence).
package enginestore

import (
	"time"

	"goa.design/durable/workflow"
)

// WorkflowInstance is the durable record of a single workflow execution.
type WorkflowInstance struct {
	ID           string
	WorkflowType string
	Status       workflow.Status
	Input        []byte
	Result       []byte
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskStatus is the lifecycle status of a queued task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskClaimed TaskStatus = "claimed"
	TaskDead    TaskStatus = "dead"
)

// TaskDefinition is the immutable description of work a Task carries.
type TaskDefinition struct {
	WorkflowID   string
	ActivityID   string
	ActivityType string
	Input        []byte
	Options      workflow.ActivityOptions
}

// Task is a durable, leasable unit of activity work.
type Task struct {
	ID         string
	Definition TaskDefinition
	Status     TaskStatus
	// Priority mirrors Definition.Options.Priority, denormalized onto the
	// task itself so the claim algorithm can order on it directly.
	Priority     int
	Attempt      int
	ClaimedBy    string
	ClaimedAt    time.Time
	LeaseExpiry  time.Time
	LastError    string
	ErrorHistory []string
	AvailableAt  time.Time
	CreatedAt    time.Time
	// CancelRequested is set by RequestCancelTask and delivered to the
	// executing worker through its heartbeat responses.
	CancelRequested bool
}

// DLQEntry is a task that exhausted its retry budget, carrying the full
// error history accumulated across attempts.
type DLQEntry struct {
	ID           string
	Definition   TaskDefinition
	Attempts     int
	ErrorHistory []string
	RequeueCount int
	MovedToDlqAt time.Time
}

// Signal is a durable, FIFO-ordered message addressed to a workflow
// instance, pending delivery on the instance's next processing pass.
type Signal struct {
	WorkflowID string
	Name       string
	Payload    []byte
	ReceivedAt time.Time
}

// Worker is a registered worker pool member.
type Worker struct {
	ID            string
	Group         string
	Load          int
	AcceptingWork bool
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// BreakerStatus mirrors the three circuit breaker states.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// CircuitBreakerState is the persisted state for one breaker key (typically
// an activity type), shared across all workers so a trip in one worker is
// observed by every worker.
type CircuitBreakerState struct {
	Key              string
	Status           BreakerStatus
	ConsecutiveFails int
	OpenedAt         time.Time
	UpdatedAt        time.Time
}
