// Package executor implements the workflow executor: it starts workflow
// instances, drives them forward in response to activity completions,
// failures, timers, and signals, and replays their event logs to
// reconstruct in-memory state. Workflows themselves stay pure functions
// from events to actions; every side effect routes through the store.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/enginestore"
	"goa.design/durable/registry"
	"goa.design/durable/telemetry"
	"goa.design/durable/workflow"
)

// Config tunes executor-wide safety limits.
type Config struct {
	// MaxEventsPerWorkflow bounds a single workflow instance's event log
	// length. Unbounded histories are not supported; a workflow that hits
	// the ceiling can no longer be driven forward.
	MaxEventsPerWorkflow int

	// StrictActionValidation cross-checks the action stream against the
	// persisted history: scheduling a duplicate activity id, or delivering
	// a result for an activity that was never scheduled, is flagged as
	// non-determinism and fails the workflow instead of corrupting its log.
	StrictActionValidation bool
}

// DefaultConfig enables strict validation and caps history at 10000 events.
func DefaultConfig() Config {
	return Config{MaxEventsPerWorkflow: 10000, StrictActionValidation: true}
}

// Option customizes a Config.
type Option func(*Config)

// WithMaxEventsPerWorkflow overrides the event log length ceiling.
func WithMaxEventsPerWorkflow(n int) Option {
	return func(c *Config) { c.MaxEventsPerWorkflow = n }
}

// WithStrictActionValidation toggles replay-time action/event consistency
// checking.
func WithStrictActionValidation(enabled bool) Option {
	return func(c *Config) { c.StrictActionValidation = enabled }
}

// ProcessResult summarizes one executor pass over a workflow instance.
type ProcessResult struct {
	Completed        bool
	EventsWritten    int
	TasksEnqueued    int
	SignalsProcessed int
}

func (r *ProcessResult) add(other ProcessResult) {
	r.EventsWritten += other.EventsWritten
	r.TasksEnqueued += other.TasksEnqueued
	r.SignalsProcessed += other.SignalsProcessed
	if other.Completed {
		r.Completed = true
	}
}

// AdvanceNotifier is notified every time the executor persists new state for
// a workflow instance, satisfied by signalbus.Bus. It is a fan-out side
// channel: a nil or failing notifier never affects workflow processing.
type AdvanceNotifier interface {
	Publish(ctx context.Context, workflowID, status string, advancedAt time.Time)
}

// Executor drives Workflow instances against a Store and a Registry.
type Executor struct {
	store    enginestore.Store
	registry *registry.Registry
	config   Config
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer
	notifier AdvanceNotifier
	now      func() time.Time
}

// New constructs an Executor. logger/metrics/tracer may be nil, in which
// case no-op implementations are substituted.
func New(store enginestore.Store, reg *registry.Registry, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, opts ...Option) *Executor {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Executor{store: store, registry: reg, config: cfg, logger: logger, metrics: metrics, tracer: tracer, now: time.Now}
}

// WithAdvanceNotifier attaches a fan-out notifier (typically signalbus.Bus)
// that is published to after every successful StartWorkflow/ProcessWorkflow
// pass.
func (e *Executor) WithAdvanceNotifier(n AdvanceNotifier) *Executor {
	e.notifier = n
	return e
}

// notify best-effort publishes a workflow's current status to the attached
// AdvanceNotifier, if any. Errors loading the instance are swallowed: this
// path is purely advisory.
func (e *Executor) notify(ctx context.Context, workflowID string) {
	if e.notifier == nil {
		return
	}
	inst, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	e.notifier.Publish(ctx, workflowID, string(inst.Status), e.now())
}

// ErrNonDeterminism is returned when StrictActionValidation detects that
// the action stream is inconsistent with the persisted history: a duplicate
// activity id, a result for an activity never scheduled, or an event type
// replay does not recognize.
var ErrNonDeterminism = errors.New("executor: replay-time non-determinism detected")

// replayState tracks which activity ids the persisted history has scheduled
// and finished, so live dispatch can detect duplicates and strays.
type replayState struct {
	scheduled map[string]bool
	finished  map[string]bool
}

func newReplayState() *replayState {
	return &replayState{scheduled: make(map[string]bool), finished: make(map[string]bool)}
}

// StartWorkflow creates a new workflow instance, appends WorkflowStarted,
// invokes Workflow.OnStart, and processes the resulting actions. If the
// workflow completes immediately (OnStart returns a Complete/FailWorkflow
// action) the instance goes straight from Pending to its terminal status
// without ever being marked Running.
func (e *Executor) StartWorkflow(ctx context.Context, workflowType string, input json.RawMessage) (string, ProcessResult, error) {
	id := uuid.Must(uuid.NewV7()).String()

	wf, err := e.registry.New(workflowType, input)
	if err != nil {
		return "", ProcessResult{}, fmt.Errorf("executor: construct workflow: %w", err)
	}

	now := e.now()
	if _, err := e.store.CreateWorkflow(ctx, id, workflowType, input, now); err != nil {
		return "", ProcessResult{}, fmt.Errorf("executor: create workflow: %w", err)
	}

	startedData, err := json.Marshal(workflow.WorkflowStartedData{WorkflowType: workflowType, Input: input})
	if err != nil {
		return "", ProcessResult{}, fmt.Errorf("executor: marshal start event: %w", err)
	}
	if err := e.store.AppendEvents(ctx, id, 0, []workflow.Event{{Type: workflow.EventWorkflowStarted, Data: startedData}}); err != nil {
		return "", ProcessResult{}, fmt.Errorf("executor: append start event: %w", err)
	}

	actions, err := wf.OnStart()
	if err != nil {
		return "", ProcessResult{}, fmt.Errorf("executor: on_start: %w", err)
	}

	result, err := e.processActionsFrom(ctx, id, newReplayState(), 1, actions)
	if err != nil {
		return id, result, err
	}
	if !result.Completed {
		if err := e.store.MarkRunning(ctx, id, e.now()); err != nil {
			return id, result, fmt.Errorf("executor: mark running: %w", err)
		}
	}
	e.metrics.IncCounter("executor.workflow_started", 1, "workflow_type", workflowType)
	e.notify(ctx, id)
	return id, result, nil
}

// replayForDispatch loads and replays a workflow instance's full history
// into a fresh Workflow value, returning the rebuilt workflow, the replay
// bookkeeping, and the current tail sequence.
func (e *Executor) replayForDispatch(ctx context.Context, inst enginestore.WorkflowInstance) (workflow.Workflow, *replayState, int, error) {
	events, err := e.store.LoadEvents(ctx, inst.ID)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(events) >= e.config.MaxEventsPerWorkflow {
		return nil, nil, 0, fmt.Errorf("%w: workflow %s has %d events", enginestore.ErrTooManyEvents, inst.ID, len(events))
	}
	if len(events) == 0 || events[0].Type != workflow.EventWorkflowStarted {
		return nil, nil, 0, fmt.Errorf("executor: workflow %s event log does not begin with workflow_started", inst.ID)
	}

	wf, err := e.registry.New(inst.WorkflowType, inst.Input)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("executor: construct workflow for replay: %w", err)
	}

	rs := newReplayState()
	for _, ev := range events {
		if err := e.replayEvent(wf, ev, rs); err != nil {
			if errors.Is(err, ErrNonDeterminism) {
				return nil, nil, 0, e.failNonDeterministic(ctx, inst.ID, err)
			}
			return nil, nil, 0, fmt.Errorf("executor: replay: %w", err)
		}
	}
	return wf, rs, len(events), nil
}

// ProcessWorkflow replays a workflow instance's full event history into a
// fresh Workflow value, drains any pending signals, and checks for
// completion. It is idempotent: calling it again after no new events or
// signals arrived is a no-op beyond the replay itself.
func (e *Executor) ProcessWorkflow(ctx context.Context, workflowID string) (ProcessResult, error) {
	inst, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return ProcessResult{}, err
	}
	if inst.Status.IsTerminal() {
		return ProcessResult{Completed: true}, nil
	}

	wf, rs, seq, err := e.replayForDispatch(ctx, inst)
	if err != nil {
		return ProcessResult{}, err
	}

	result := ProcessResult{}

	signals, err := e.store.PendingSignals(ctx, workflowID)
	if err != nil {
		return result, err
	}
	for _, sig := range signals {
		data, err := json.Marshal(workflow.SignalReceivedData{Name: sig.Name, Payload: sig.Payload})
		if err != nil {
			return result, fmt.Errorf("executor: marshal signal event: %w", err)
		}
		if err := e.store.AppendEvents(ctx, workflowID, seq, []workflow.Event{{Type: workflow.EventSignalReceived, Data: data}}); err != nil {
			return result, fmt.Errorf("executor: append signal event: %w", err)
		}
		seq++
		result.EventsWritten++

		actions, err := wf.OnSignal(workflow.Signal{Name: sig.Name, Payload: sig.Payload})
		if err != nil {
			return result, fmt.Errorf("executor: on_signal: %w", err)
		}
		actionResult, err := e.processActionsFrom(ctx, workflowID, rs, seq, actions)
		seq += actionResult.EventsWritten
		result.add(actionResult)
		if err != nil {
			return result, err
		}
		if actionResult.Completed {
			break
		}
	}
	if len(signals) > 0 {
		if err := e.store.MarkSignalsProcessed(ctx, workflowID, len(signals)); err != nil {
			return result, err
		}
		result.SignalsProcessed = len(signals)
	}

	if !result.Completed && wf.IsCompleted() {
		if err := e.finalize(ctx, workflowID, wf); err != nil {
			return result, err
		}
		result.Completed = true
	}
	if !result.Completed && inst.Status == workflow.StatusPending {
		// A crash between instance creation and MarkRunning leaves the row
		// Pending with a non-empty log; promote it here.
		if err := e.store.MarkRunning(ctx, workflowID, e.now()); err != nil {
			return result, fmt.Errorf("executor: mark running: %w", err)
		}
	}
	e.notify(ctx, workflowID)
	return result, nil
}

// replayEvent applies a single persisted event to wf without scheduling any
// new work: the actions each handler returns are discarded because the
// events they once produced are already in the log. Informational events
// (ActivityScheduled, TimerStarted, ChildWorkflowStarted,
// WorkflowCompleted/Failed) only update the replay bookkeeping.
// on_activity_failed is only invoked for events already recorded as FINAL
// failures.
func (e *Executor) replayEvent(wf workflow.Workflow, ev workflow.Event, rs *replayState) error {
	switch ev.Type {
	case workflow.EventWorkflowStarted:
		var data workflow.WorkflowStartedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		_, err := wf.OnStart()
		return err
	case workflow.EventActivityScheduled:
		var data workflow.ActivityScheduledData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		rs.scheduled[data.ActivityID] = true
		return nil
	case workflow.EventActivityCompleted:
		var data workflow.ActivityCompletedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		rs.finished[data.ActivityID] = true
		_, err := wf.OnActivityCompleted(data.ActivityID, data.Result)
		return err
	case workflow.EventActivityFailed:
		var data workflow.ActivityFailedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		rs.finished[data.ActivityID] = true
		_, err := wf.OnActivityFailed(data.ActivityID, data.Error)
		return err
	case workflow.EventTimerFired:
		var data workflow.TimerFiredData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		_, err := wf.OnTimerFired(data.TimerID)
		return err
	case workflow.EventSignalReceived:
		var data workflow.SignalReceivedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		_, err := wf.OnSignal(workflow.Signal{Name: data.Name, Payload: data.Payload})
		return err
	case workflow.EventActivityCancelled, workflow.EventTimerStarted,
		workflow.EventChildWorkflowStarted, workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed:
		return nil
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrNonDeterminism, ev.Type)
	}
}

// SendSignal appends a durable signal for later delivery on the workflow's
// next ProcessWorkflow pass. Rejected once the workflow is terminal.
func (e *Executor) SendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	return e.store.SendSignal(ctx, workflowID, workflow.Signal{Name: name, Payload: payload}, e.now())
}

// OnActivityCompleted records an activity's successful result and
// dispatches it to the workflow so it can react immediately: the history is
// replayed, the completion event is appended, and the workflow's resulting
// actions are persisted in the same pass.
func (e *Executor) OnActivityCompleted(ctx context.Context, workflowID, activityID string, result json.RawMessage) (ProcessResult, error) {
	data, err := json.Marshal(workflow.ActivityCompletedData{ActivityID: activityID, Result: result})
	if err != nil {
		return ProcessResult{}, err
	}
	return e.deliver(ctx, workflowID, activityID, workflow.Event{Type: workflow.EventActivityCompleted, Data: data},
		func(wf workflow.Workflow) ([]workflow.Action, error) {
			return wf.OnActivityCompleted(activityID, result)
		})
}

// OnActivityFailed records an activity's FINAL failure (willRetry is false:
// either the failure was non-retryable or the retry budget is exhausted)
// and dispatches it to the workflow. A failure that will still be retried
// by the task queue must NOT be reported here — the workflow never observes
// transient failures.
func (e *Executor) OnActivityFailed(ctx context.Context, workflowID, activityID, errMsg string, willRetry bool) (ProcessResult, error) {
	if willRetry {
		return ProcessResult{}, nil
	}
	data, err := json.Marshal(workflow.ActivityFailedData{ActivityID: activityID, Error: errMsg})
	if err != nil {
		return ProcessResult{}, err
	}
	return e.deliver(ctx, workflowID, activityID, workflow.Event{Type: workflow.EventActivityFailed, Data: data},
		func(wf workflow.Workflow) ([]workflow.Action, error) {
			return wf.OnActivityFailed(activityID, errMsg)
		})
}

// OnTimerFired records a timer's expiry and dispatches it to the workflow.
func (e *Executor) OnTimerFired(ctx context.Context, workflowID, timerID string) (ProcessResult, error) {
	data, err := json.Marshal(workflow.TimerFiredData{TimerID: timerID})
	if err != nil {
		return ProcessResult{}, err
	}
	return e.deliver(ctx, workflowID, "", workflow.Event{Type: workflow.EventTimerFired, Data: data},
		func(wf workflow.Workflow) ([]workflow.Action, error) {
			return wf.OnTimerFired(timerID)
		})
}

// deliver appends one new event to a workflow's log and dispatches it live:
// replay history, validate the delivery against it, append, invoke the
// matching on_* handler, and persist the actions it returns. activityID is
// non-empty only for activity completion/failure deliveries, enabling the
// strict-mode checks; a redelivery of an activity outcome that already
// landed (a reclaimed worker finishing late) is dropped so the first writer
// wins.
func (e *Executor) deliver(ctx context.Context, workflowID, activityID string, ev workflow.Event, dispatch func(workflow.Workflow) ([]workflow.Action, error)) (ProcessResult, error) {
	inst, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return ProcessResult{}, err
	}
	if inst.Status.IsTerminal() {
		return ProcessResult{Completed: true}, nil
	}

	wf, rs, seq, err := e.replayForDispatch(ctx, inst)
	if err != nil {
		return ProcessResult{}, err
	}

	if activityID != "" {
		if rs.finished[activityID] {
			return ProcessResult{}, nil
		}
		if e.config.StrictActionValidation && !rs.scheduled[activityID] {
			return ProcessResult{}, e.failNonDeterministic(ctx, workflowID,
				fmt.Errorf("%w: result delivered for activity %q which was never scheduled", ErrNonDeterminism, activityID))
		}
	}

	if err := e.store.AppendEvents(ctx, workflowID, seq, []workflow.Event{ev}); err != nil {
		return ProcessResult{}, fmt.Errorf("executor: append %s: %w", ev.Type, err)
	}
	seq++
	result := ProcessResult{EventsWritten: 1}

	actions, err := dispatch(wf)
	if err != nil {
		return result, fmt.Errorf("executor: dispatch %s: %w", ev.Type, err)
	}
	actionResult, err := e.processActionsFrom(ctx, workflowID, rs, seq, actions)
	result.add(actionResult)
	if err != nil {
		return result, err
	}

	if !result.Completed && wf.IsCompleted() {
		if err := e.finalize(ctx, workflowID, wf); err != nil {
			return result, err
		}
		result.Completed = true
	}
	e.notify(ctx, workflowID)
	return result, nil
}

// processActionsFrom appends one event per action (in order) starting at
// seq, enqueuing tasks for ScheduleActivity actions and persisting terminal
// status for Complete/FailWorkflow actions. Each append asserts the running
// sequence, so a concurrent writer surfaces as a ConcurrencyConflictError
// the caller retries by reloading and replaying.
func (e *Executor) processActionsFrom(ctx context.Context, workflowID string, rs *replayState, seq int, actions []workflow.Action) (ProcessResult, error) {
	result := ProcessResult{}
	for _, action := range actions {
		if action.Kind == workflow.ActionScheduleActivity && e.config.StrictActionValidation {
			if rs.scheduled[action.ActivityID] {
				return result, e.failNonDeterministic(ctx, workflowID,
					fmt.Errorf("%w: duplicate activity id %q", ErrNonDeterminism, action.ActivityID))
			}
		}

		ev, task, terminal, err := e.actionToEvent(action)
		if err != nil {
			return result, err
		}
		if ev == nil {
			continue
		}
		if err := e.store.AppendEvents(ctx, workflowID, seq, []workflow.Event{*ev}); err != nil {
			return result, fmt.Errorf("executor: append action event: %w", err)
		}
		seq++
		result.EventsWritten++

		if action.Kind == workflow.ActionScheduleActivity {
			rs.scheduled[action.ActivityID] = true
		}

		if task != nil {
			task.Definition.WorkflowID = workflowID
			if err := e.store.EnqueueTask(ctx, *task); err != nil {
				return result, fmt.Errorf("executor: enqueue task: %w", err)
			}
			result.TasksEnqueued++
		}

		if action.Kind == workflow.ActionCancelActivity {
			// Cancellation is cooperative: flag the live task so the
			// executing worker sees should_cancel on its next heartbeat.
			if err := e.store.RequestCancelTask(ctx, workflowID, action.ActivityID); err != nil {
				return result, fmt.Errorf("executor: request cancel: %w", err)
			}
		}

		if terminal != nil {
			if err := e.store.SetWorkflowResult(ctx, workflowID, terminal.status, terminal.result, terminal.errMsg, e.now()); err != nil {
				return result, fmt.Errorf("executor: set workflow result: %w", err)
			}
			result.Completed = true
			return result, nil
		}
	}
	return result, nil
}

type terminalOutcome struct {
	status workflow.Status
	result json.RawMessage
	errMsg string
}

// actionToEvent translates a single Action into the event it implies and,
// for ScheduleActivity, the task to enqueue alongside it.
func (e *Executor) actionToEvent(action workflow.Action) (*workflow.Event, *enginestore.Task, *terminalOutcome, error) {
	switch action.Kind {
	case workflow.ActionNone:
		return nil, nil, nil, nil

	case workflow.ActionScheduleActivity:
		data, err := json.Marshal(workflow.ActivityScheduledData{ActivityID: action.ActivityID, ActivityType: action.ActivityType, Input: action.Input, Options: action.Options})
		if err != nil {
			return nil, nil, nil, err
		}
		task := &enginestore.Task{
			ID: uuid.Must(uuid.NewV7()).String(),
			Definition: enginestore.TaskDefinition{
				ActivityID:   action.ActivityID,
				ActivityType: action.ActivityType,
				Input:        action.Input,
				Options:      action.Options,
			},
			Status:    enginestore.TaskPending,
			CreatedAt: e.now(),
		}
		return &workflow.Event{Type: workflow.EventActivityScheduled, Data: data}, task, nil, nil

	case workflow.ActionStartTimer:
		data, err := json.Marshal(workflow.TimerStartedData{TimerID: action.TimerID, DelaySec: action.DelaySec})
		if err != nil {
			return nil, nil, nil, err
		}
		return &workflow.Event{Type: workflow.EventTimerStarted, Data: data}, nil, nil, nil

	case workflow.ActionCompleteWorkflow:
		data, err := json.Marshal(workflow.WorkflowCompletedData{Result: action.Result})
		if err != nil {
			return nil, nil, nil, err
		}
		return &workflow.Event{Type: workflow.EventWorkflowCompleted, Data: data}, nil,
			&terminalOutcome{status: workflow.StatusCompleted, result: action.Result}, nil

	case workflow.ActionFailWorkflow:
		data, err := json.Marshal(workflow.WorkflowFailedData{Error: action.Reason})
		if err != nil {
			return nil, nil, nil, err
		}
		return &workflow.Event{Type: workflow.EventWorkflowFailed, Data: data}, nil,
			&terminalOutcome{status: workflow.StatusFailed, errMsg: action.Reason}, nil

	case workflow.ActionScheduleChildWorkflow:
		data, err := json.Marshal(workflow.ChildWorkflowStartedData{
			ChildWorkflowID: action.ChildWorkflowID, ChildWorkflowType: action.ChildWorkflowType, Input: action.ChildInput,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return &workflow.Event{Type: workflow.EventChildWorkflowStarted, Data: data}, nil, nil, nil

	case workflow.ActionCancelActivity:
		data, err := json.Marshal(workflow.ActivityCancelledData{ActivityID: action.ActivityID})
		if err != nil {
			return nil, nil, nil, err
		}
		return &workflow.Event{Type: workflow.EventActivityCancelled, Data: data}, nil, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("executor: unknown action kind %q", action.Kind)
	}
}

// failNonDeterministic marks the workflow terminally Failed with the
// non-determinism error so it is never retried, then returns the error.
func (e *Executor) failNonDeterministic(ctx context.Context, workflowID string, cause error) error {
	if err := e.store.SetWorkflowResult(ctx, workflowID, workflow.StatusFailed, nil, cause.Error(), e.now()); err != nil {
		e.logger.Error(ctx, "executor: mark workflow failed after non-determinism",
			"workflow_id", workflowID, "error", err)
	}
	e.metrics.IncCounter("executor.non_determinism_detected", 1, "workflow_id", workflowID)
	return cause
}

// finalize persists a terminal result/error derived directly from the
// Workflow's own IsCompleted/Result/Error (used when a handler doesn't
// itself emit Complete/FailWorkflow but leaves the workflow reporting
// completion, e.g. the session workflow's shutdown path).
func (e *Executor) finalize(ctx context.Context, workflowID string, wf workflow.Workflow) error {
	if errMsg := wf.Error(); errMsg != "" {
		return e.store.SetWorkflowResult(ctx, workflowID, workflow.StatusFailed, nil, errMsg, e.now())
	}
	return e.store.SetWorkflowResult(ctx, workflowID, workflow.StatusCompleted, wf.Result(), "", e.now())
}
