// Package memstore is an in-memory enginestore.Store implementation for
// tests and single-process development. It is not durable across process
// restarts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/durable/enginestore"
	"goa.design/durable/workflow"
)

type workflowState struct {
	instance enginestore.WorkflowInstance
	events   []workflow.Event
	signals  []enginestore.Signal
}

type taskState struct {
	task enginestore.Task
}

// Store is a mutex-protected, map-backed enginestore.Store.
type Store struct {
	mu        sync.Mutex
	workflows map[string]*workflowState
	tasks     map[string]*taskState
	dlq       map[string]*enginestore.DLQEntry
	workers   map[string]*enginestore.Worker
	breakers  map[string]*enginestore.CircuitBreakerState
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*workflowState),
		tasks:     make(map[string]*taskState),
		dlq:       make(map[string]*enginestore.DLQEntry),
		workers:   make(map[string]*enginestore.Worker),
		breakers:  make(map[string]*enginestore.CircuitBreakerState),
	}
}

func (s *Store) CreateWorkflow(ctx context.Context, id, workflowType string, input []byte, createdAt time.Time) (enginestore.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.workflows[id]; dup {
		return enginestore.WorkflowInstance{}, enginestore.ErrWorkflowExists
	}
	inst := enginestore.WorkflowInstance{
		ID:           id,
		WorkflowType: workflowType,
		Status:       workflow.StatusPending,
		Input:        input,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	s.workflows[id] = &workflowState{instance: inst}
	return inst, nil
}

// MarkRunning only advances a still-Pending instance, leaving an instance
// that's already terminal (it completed within its own OnStart) untouched.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[id]
	if !ok {
		return enginestore.ErrWorkflowNotFound
	}
	if ws.instance.Status != workflow.StatusPending {
		return nil
	}
	ws.instance.Status = workflow.StatusRunning
	ws.instance.UpdatedAt = at
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (enginestore.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[id]
	if !ok {
		return enginestore.WorkflowInstance{}, enginestore.ErrWorkflowNotFound
	}
	return ws.instance, nil
}

// AppendEvents rejects the append unless expectedSeq equals the current
// length of the log (optimistic concurrency), and refuses to grow the log
// of an instance that already reached a terminal status.
func (s *Store) AppendEvents(ctx context.Context, workflowID string, expectedSeq int, newEvents []workflow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[workflowID]
	if !ok {
		return enginestore.ErrWorkflowNotFound
	}
	if ws.instance.Status.IsTerminal() {
		return enginestore.ErrWorkflowCompleted
	}
	if len(ws.events) != expectedSeq {
		return &enginestore.ConcurrencyConflictError{WorkflowID: workflowID, Expected: expectedSeq, Actual: len(ws.events)}
	}
	now := time.Now()
	for i := range newEvents {
		newEvents[i].Sequence = expectedSeq + i
		if newEvents[i].Timestamp.IsZero() {
			newEvents[i].Timestamp = now
		}
		newEvents[i].WorkflowID = workflowID
	}
	ws.events = append(ws.events, newEvents...)
	ws.instance.UpdatedAt = now
	return nil
}

func (s *Store) LoadEvents(ctx context.Context, workflowID string) ([]workflow.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[workflowID]
	if !ok {
		return nil, enginestore.ErrWorkflowNotFound
	}
	out := make([]workflow.Event, len(ws.events))
	copy(out, ws.events)
	return out, nil
}

func (s *Store) SetWorkflowResult(ctx context.Context, id string, status workflow.Status, result []byte, errMsg string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[id]
	if !ok {
		return enginestore.ErrWorkflowNotFound
	}
	ws.instance.Status = status
	ws.instance.Result = result
	ws.instance.Error = errMsg
	ws.instance.UpdatedAt = updatedAt
	return nil
}

func (s *Store) EnqueueTask(ctx context.Context, task enginestore.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = enginestore.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Priority = task.Definition.Options.Priority
	s.tasks[task.ID] = &taskState{task: task}
	return nil
}

// ClaimTasks orders eligible pending tasks by (priority DESC, available_at
// ASC), ties broken by task ID for determinism, and claims the first
// maxTasks. Per-task Options.HeartbeatTimeout overrides the caller's
// default leaseExpiry when set.
func (s *Store) ClaimTasks(ctx context.Context, workerID string, activityTypes []string, maxTasks int, leaseExpiry time.Time) ([]enginestore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeSet := make(map[string]bool, len(activityTypes))
	for _, t := range activityTypes {
		typeSet[t] = true
	}

	now := time.Now()
	defaultLease := leaseExpiry.Sub(now)

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ts := s.tasks[id]
		if ts.task.Status != enginestore.TaskPending {
			continue
		}
		if !ts.task.AvailableAt.IsZero() && ts.task.AvailableAt.After(now) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[ts.task.Definition.ActivityType] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.tasks[ids[i]].task, s.tasks[ids[j]].task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		return a.ID < b.ID
	})

	var claimed []enginestore.Task
	for _, id := range ids {
		if len(claimed) >= maxTasks {
			break
		}
		ts := s.tasks[id]
		lease := leaseExpiry
		if ht := ts.task.Definition.Options.HeartbeatTimeout; ht > 0 {
			lease = now.Add(ht)
		} else if defaultLease > 0 {
			lease = now.Add(defaultLease)
		}
		ts.task.Status = enginestore.TaskClaimed
		ts.task.ClaimedBy = workerID
		ts.task.ClaimedAt = now
		ts.task.LeaseExpiry = lease
		ts.task.Attempt++
		claimed = append(claimed, ts.task)
	}
	return claimed, nil
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID, workerID string, newLeaseExpiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return false, enginestore.ErrTaskNotFound
	}
	if ts.task.Status != enginestore.TaskClaimed || ts.task.ClaimedBy != workerID {
		return false, enginestore.ErrNotClaimed
	}
	ts.task.LeaseExpiry = newLeaseExpiry
	return ts.task.CancelRequested, nil
}

// RequestCancelTask flags any live task for (workflowID, activityID) so the
// worker executing it observes the cancellation on its next heartbeat.
func (s *Store) RequestCancelTask(ctx context.Context, workflowID, activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.tasks {
		if ts.task.Definition.WorkflowID == workflowID && ts.task.Definition.ActivityID == activityID {
			ts.task.CancelRequested = true
		}
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return enginestore.ErrTaskNotFound
	}
	if ts.task.Status != enginestore.TaskClaimed || ts.task.ClaimedBy != workerID {
		return enginestore.ErrNotClaimed
	}
	delete(s.tasks, taskID)
	return nil
}

// FailTask appends the error to the task's error history; if attempt <
// maxAttempts the task is requeued as pending at availableAt, otherwise it
// is moved to the DLQ carrying the full error history.
func (s *Store) FailTask(ctx context.Context, taskID, workerID string, errMsg string, maxAttempts int, availableAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return false, enginestore.ErrTaskNotFound
	}
	if ts.task.Status != enginestore.TaskClaimed || ts.task.ClaimedBy != workerID {
		return false, enginestore.ErrNotClaimed
	}
	ts.task.LastError = errMsg
	ts.task.ErrorHistory = append(ts.task.ErrorHistory, errMsg)

	if ts.task.Attempt < maxAttempts {
		ts.task.Status = enginestore.TaskPending
		ts.task.ClaimedBy = ""
		ts.task.AvailableAt = availableAt
		return false, nil
	}

	s.moveToDLQLocked(ts.task)
	delete(s.tasks, taskID)
	return true, nil
}

func (s *Store) MoveToDLQ(ctx context.Context, taskID, workerID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return enginestore.ErrTaskNotFound
	}
	if ts.task.Status != enginestore.TaskClaimed || ts.task.ClaimedBy != workerID {
		return enginestore.ErrNotClaimed
	}
	ts.task.LastError = errMsg
	ts.task.ErrorHistory = append(ts.task.ErrorHistory, errMsg)
	s.moveToDLQLocked(ts.task)
	delete(s.tasks, taskID)
	return nil
}

func (s *Store) moveToDLQLocked(t enginestore.Task) {
	s.dlq[t.ID] = &enginestore.DLQEntry{
		ID:           t.ID,
		Definition:   t.Definition,
		Attempts:     t.Attempt,
		ErrorHistory: append([]string{}, t.ErrorHistory...),
		MovedToDlqAt: time.Now(),
	}
}

func (s *Store) RequeueFromDLQ(ctx context.Context, dlqID string) (enginestore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dlq[dlqID]
	if !ok {
		return enginestore.Task{}, enginestore.ErrDlqEntryNotFound
	}
	newTask := enginestore.Task{
		ID:         uuid.NewString(),
		Definition: entry.Definition,
		Status:     enginestore.TaskPending,
		CreatedAt:  time.Now(),
	}
	s.tasks[newTask.ID] = &taskState{task: newTask}
	entry.RequeueCount++
	delete(s.dlq, dlqID)
	return newTask, nil
}

func (s *Store) ListDLQ(ctx context.Context, workflowID string) ([]enginestore.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []enginestore.DLQEntry
	for _, e := range s.dlq {
		if workflowID != "" && e.Definition.WorkflowID != workflowID {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ReclaimStaleTasks(ctx context.Context, threshold time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ts := range s.tasks {
		if ts.task.Status == enginestore.TaskClaimed && ts.task.LeaseExpiry.Before(threshold) {
			ts.task.Status = enginestore.TaskPending
			ts.task.ClaimedBy = ""
			n++
		}
	}
	return n, nil
}

// ExpireScheduleToStart moves any still-pending task whose
// Options.ScheduleToStartTimeout has elapsed since CreatedAt straight to
// the dead-letter queue: a task nobody claimed in time is treated the same
// as one that exhausted its retry budget.
func (s *Store) ExpireScheduleToStart(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ts := range s.tasks {
		if ts.task.Status != enginestore.TaskPending {
			continue
		}
		timeout := ts.task.Definition.Options.ScheduleToStartTimeout
		if timeout <= 0 {
			continue
		}
		if ts.task.CreatedAt.Add(timeout).After(now) {
			continue
		}
		ts.task.LastError = "schedule-to-start timeout exceeded"
		ts.task.ErrorHistory = append(ts.task.ErrorHistory, ts.task.LastError)
		s.moveToDLQLocked(ts.task)
		delete(s.tasks, id)
		n++
	}
	return n, nil
}

func (s *Store) SendSignal(ctx context.Context, workflowID string, sig workflow.Signal, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[workflowID]
	if !ok {
		return enginestore.ErrWorkflowNotFound
	}
	if ws.instance.Status.IsTerminal() {
		return enginestore.ErrWorkflowCompleted
	}
	ws.signals = append(ws.signals, enginestore.Signal{
		WorkflowID: workflowID,
		Name:       sig.Name,
		Payload:    sig.Payload,
		ReceivedAt: receivedAt,
	})
	return nil
}

func (s *Store) PendingSignals(ctx context.Context, workflowID string) ([]enginestore.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[workflowID]
	if !ok {
		return nil, enginestore.ErrWorkflowNotFound
	}
	out := make([]enginestore.Signal, len(ws.signals))
	copy(out, ws.signals)
	return out, nil
}

func (s *Store) MarkSignalsProcessed(ctx context.Context, workflowID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workflows[workflowID]
	if !ok {
		return enginestore.ErrWorkflowNotFound
	}
	if n >= len(ws.signals) {
		ws.signals = nil
		return nil
	}
	ws.signals = ws.signals[n:]
	return nil
}

func (s *Store) RegisterWorker(ctx context.Context, w enginestore.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := w
	s.workers[w.ID] = &cp
	return nil
}

func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, load int, accepting bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return enginestore.ErrWorkerNotFound
	}
	w.Load = load
	w.AcceptingWork = accepting
	w.LastHeartbeat = at
	return nil
}

func (s *Store) GetCircuitBreaker(ctx context.Context, key string) (enginestore.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return *b, nil
	}
	return enginestore.CircuitBreakerState{Key: key, Status: enginestore.BreakerClosed}, nil
}

// UpdateCircuitBreaker stamps OpenedAt on the transition into Open and
// clears it on the transition to Closed.
func (s *Store) UpdateCircuitBreaker(ctx context.Context, state enginestore.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.breakers[state.Key]
	if state.Status == enginestore.BreakerOpen && (!existed || prev.Status != enginestore.BreakerOpen) {
		state.OpenedAt = time.Now()
	}
	if state.Status == enginestore.BreakerClosed {
		state.OpenedAt = time.Time{}
	}
	state.UpdatedAt = time.Now()
	cp := state
	s.breakers[state.Key] = &cp
	return nil
}
