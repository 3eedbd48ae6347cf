// Package mongostore implements enginestore.Store over
// go.mongodb.org/mongo-driver/v2, the production-durability backend for the
// event store: one collection per logical entity, with compare-and-swap
// updates standing in for the row locks the in-memory store gets from its
// mutex.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/durable/enginestore"
	"goa.design/durable/workflow"
)

// Collection names within the configured database.
const (
	collWorkflows = "workflow_instances"
	collEvents    = "workflow_events"
	collTasks     = "task_queue"
	collDLQ       = "dead_letter_queue"
	collSignals   = "signals"
	collWorkers   = "workers"
	collBreakers  = "circuit_breakers"
)

// Options configures the Mongo-backed Store.
type Options struct {
	// Database is an already-connected mongo-driver database handle.
	Database *mongo.Database
}

// Store implements enginestore.Store backed by MongoDB collections.
type Store struct {
	db *mongo.Database
}

// NewStore constructs a Store from an already-connected database handle.
func NewStore(opts Options) (*Store, error) {
	if opts.Database == nil {
		return nil, errors.New("mongostore: database is required")
	}
	return &Store{db: opts.Database}, nil
}

// Connect dials uri and returns a Store backed by database dbName. Callers
// own the resulting client's lifecycle and should Disconnect it on
// shutdown.
func Connect(ctx context.Context, uri, dbName string) (*Store, *mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	store, err := NewStore(Options{Database: client.Database(dbName)})
	if err != nil {
		return nil, nil, err
	}
	return store, client, nil
}

type workflowDoc struct {
	ID           string    `bson:"_id"`
	WorkflowType string    `bson:"workflow_type"`
	Status       string    `bson:"status"`
	Input        []byte    `bson:"input,omitempty"`
	Result       []byte    `bson:"result,omitempty"`
	Error        string    `bson:"error,omitempty"`
	EventCount   int       `bson:"event_count"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (s *Store) CreateWorkflow(ctx context.Context, id, workflowType string, input []byte, createdAt time.Time) (enginestore.WorkflowInstance, error) {
	doc := workflowDoc{
		ID:           id,
		WorkflowType: workflowType,
		Status:       string(workflow.StatusPending),
		Input:        input,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	if _, err := s.db.Collection(collWorkflows).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return enginestore.WorkflowInstance{}, enginestore.ErrWorkflowExists
		}
		return enginestore.WorkflowInstance{}, fmt.Errorf("mongostore: create workflow: %w", err)
	}
	return docToInstance(doc), nil
}

// MarkRunning transitions a workflow document from pending to running. It
// only matches documents still in StatusPending, so a workflow that
// completed within its own OnStart (never transitioned out of Pending by
// this call) is left untouched.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Collection(collWorkflows).UpdateOne(ctx,
		bson.M{"_id": id, "status": string(workflow.StatusPending)},
		bson.M{"$set": bson.M{"status": string(workflow.StatusRunning), "updated_at": at}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: mark running: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (enginestore.WorkflowInstance, error) {
	var doc workflowDoc
	err := s.db.Collection(collWorkflows).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return enginestore.WorkflowInstance{}, enginestore.ErrWorkflowNotFound
	}
	if err != nil {
		return enginestore.WorkflowInstance{}, fmt.Errorf("mongostore: get workflow: %w", err)
	}
	return docToInstance(doc), nil
}

func docToInstance(doc workflowDoc) enginestore.WorkflowInstance {
	return enginestore.WorkflowInstance{
		ID:           doc.ID,
		WorkflowType: doc.WorkflowType,
		Status:       workflow.Status(doc.Status),
		Input:        doc.Input,
		Result:       doc.Result,
		Error:        doc.Error,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

type eventDoc struct {
	WorkflowID string    `bson:"workflow_id"`
	Sequence   int       `bson:"sequence"`
	Type       string    `bson:"type"`
	Timestamp  time.Time `bson:"timestamp"`
	Data       []byte    `bson:"data"`
}

// AppendEvents performs the optimistic-concurrency check via a conditional
// update on the workflow document's event_count: the update only matches
// (and therefore only succeeds) when event_count still equals expectedSeq
// and the instance has not reached a terminal status.
func (s *Store) AppendEvents(ctx context.Context, workflowID string, expectedSeq int, newEvents []workflow.Event) error {
	res, err := s.db.Collection(collWorkflows).UpdateOne(ctx,
		bson.M{
			"_id":         workflowID,
			"event_count": expectedSeq,
			"status": bson.M{"$nin": []string{
				string(workflow.StatusCompleted), string(workflow.StatusFailed), string(workflow.StatusCancelled),
			}},
		},
		bson.M{"$set": bson.M{"event_count": expectedSeq + len(newEvents), "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: append events cas: %w", err)
	}
	if res.MatchedCount == 0 {
		inst, getErr := s.GetWorkflow(ctx, workflowID)
		if getErr != nil {
			return getErr
		}
		if inst.Status.IsTerminal() {
			return enginestore.ErrWorkflowCompleted
		}
		return &enginestore.ConcurrencyConflictError{WorkflowID: workflowID, Expected: expectedSeq, Actual: s.eventCount(ctx, workflowID)}
	}

	docs := make([]any, len(newEvents))
	now := time.Now()
	for i, e := range newEvents {
		e.Sequence = expectedSeq + i
		e.WorkflowID = workflowID
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		docs[i] = eventDoc{WorkflowID: workflowID, Sequence: e.Sequence, Type: string(e.Type), Timestamp: e.Timestamp, Data: e.Data}
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := s.db.Collection(collEvents).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("mongostore: insert events: %w", err)
	}
	return nil
}

func (s *Store) eventCount(ctx context.Context, workflowID string) int {
	n, err := s.db.Collection(collEvents).CountDocuments(ctx, bson.M{"workflow_id": workflowID})
	if err != nil {
		return 0
	}
	return int(n)
}

func (s *Store) LoadEvents(ctx context.Context, workflowID string) ([]workflow.Event, error) {
	cur, err := s.db.Collection(collEvents).Find(ctx, bson.M{"workflow_id": workflowID}, options.Find().SetSort(bson.M{"sequence": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: load events: %w", err)
	}
	defer cur.Close(ctx)
	var out []workflow.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode event: %w", err)
		}
		out = append(out, workflow.Event{
			WorkflowID: doc.WorkflowID,
			Sequence:   doc.Sequence,
			Type:       workflow.EventType(doc.Type),
			Timestamp:  doc.Timestamp,
			Data:       doc.Data,
		})
	}
	return out, cur.Err()
}

func (s *Store) SetWorkflowResult(ctx context.Context, id string, status workflow.Status, result []byte, errMsg string, updatedAt time.Time) error {
	_, err := s.db.Collection(collWorkflows).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status), "result": result, "error": errMsg, "updated_at": updatedAt}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: set workflow result: %w", err)
	}
	return nil
}

// optionsDoc mirrors workflow.ActivityOptions for storage.
type optionsDoc struct {
	Priority               int           `bson:"priority"`
	MaxAttempts            int           `bson:"max_attempts,omitempty"`
	InitialDelay           time.Duration `bson:"initial_delay,omitempty"`
	MaxDelay               time.Duration `bson:"max_delay,omitempty"`
	Multiplier             float64       `bson:"multiplier,omitempty"`
	JitterFraction         float64       `bson:"jitter_fraction,omitempty"`
	ScheduleToStartTimeout time.Duration `bson:"schedule_to_start_timeout,omitempty"`
	StartToCloseTimeout    time.Duration `bson:"start_to_close_timeout,omitempty"`
	HeartbeatTimeout       time.Duration `bson:"heartbeat_timeout,omitempty"`
}

func toOptionsDoc(o workflow.ActivityOptions) optionsDoc {
	return optionsDoc{
		Priority: o.Priority, MaxAttempts: o.MaxAttempts, InitialDelay: o.InitialDelay, MaxDelay: o.MaxDelay,
		Multiplier: o.Multiplier, JitterFraction: o.JitterFraction, ScheduleToStartTimeout: o.ScheduleToStartTimeout,
		StartToCloseTimeout: o.StartToCloseTimeout, HeartbeatTimeout: o.HeartbeatTimeout,
	}
}

func (o optionsDoc) toActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		Priority: o.Priority, MaxAttempts: o.MaxAttempts, InitialDelay: o.InitialDelay, MaxDelay: o.MaxDelay,
		Multiplier: o.Multiplier, JitterFraction: o.JitterFraction, ScheduleToStartTimeout: o.ScheduleToStartTimeout,
		StartToCloseTimeout: o.StartToCloseTimeout, HeartbeatTimeout: o.HeartbeatTimeout,
	}
}

type taskDoc struct {
	ID           string     `bson:"_id"`
	WorkflowID   string     `bson:"workflow_id"`
	ActivityID   string     `bson:"activity_id"`
	ActivityType string     `bson:"activity_type"`
	Input        []byte     `bson:"input"`
	Options      optionsDoc `bson:"options"`
	Priority     int        `bson:"priority"`
	Status       string     `bson:"status"`
	Attempt      int        `bson:"attempt"`
	ClaimedBy    string     `bson:"claimed_by,omitempty"`
	ClaimedAt    time.Time  `bson:"claimed_at,omitempty"`
	LeaseExpiry  time.Time  `bson:"lease_expiry,omitempty"`
	LastError    string     `bson:"last_error,omitempty"`
	ErrorHistory []string   `bson:"error_history,omitempty"`
	AvailableAt  time.Time  `bson:"available_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	CancelReq    bool       `bson:"cancel_requested,omitempty"`
}

func (s *Store) EnqueueTask(ctx context.Context, task enginestore.Task) error {
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	doc := taskDoc{
		ID:           task.ID,
		WorkflowID:   task.Definition.WorkflowID,
		ActivityID:   task.Definition.ActivityID,
		ActivityType: task.Definition.ActivityType,
		Input:        task.Definition.Input,
		Options:      toOptionsDoc(task.Definition.Options),
		Priority:     task.Definition.Options.Priority,
		Status:       string(enginestore.TaskPending),
		CreatedAt:    createdAt,
	}
	if _, err := s.db.Collection(collTasks).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: enqueue task: %w", err)
	}
	return nil
}

// ClaimTasks performs maxTasks individual FindOneAndUpdate compare-and-swaps
// against pending tasks, so two workers racing on the same task never both
// win the claim (the filter only matches while status is still "pending").
// Candidates are visited ordered by (priority DESC, available_at ASC),
// mirroring the in-memory store's claim algorithm.
func (s *Store) ClaimTasks(ctx context.Context, workerID string, activityTypes []string, maxTasks int, leaseExpiry time.Time) ([]enginestore.Task, error) {
	filter := bson.M{
		"status": string(enginestore.TaskPending),
		"$or": []bson.M{
			{"available_at": bson.M{"$exists": false}},
			{"available_at": bson.M{"$lte": time.Now()}},
		},
	}
	if len(activityTypes) > 0 {
		filter["activity_type"] = bson.M{"$in": activityTypes}
	}
	sortOpt := options.FindOneAndUpdate().SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "available_at", Value: 1}})

	var claimed []enginestore.Task
	for len(claimed) < maxTasks {
		var doc taskDoc
		err := s.db.Collection(collTasks).FindOneAndUpdate(ctx, filter,
			bson.M{"$set": bson.M{
				"status":       string(enginestore.TaskClaimed),
				"claimed_by":   workerID,
				"claimed_at":   time.Now(),
				"lease_expiry": leaseExpiry,
			}, "$inc": bson.M{"attempt": 1}},
			sortOpt,
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("mongostore: claim task: %w", err)
		}
		if ht := doc.Options.HeartbeatTimeout; ht > 0 {
			custom := time.Now().Add(ht)
			if _, err := s.db.Collection(collTasks).UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": bson.M{"lease_expiry": custom}}); err == nil {
				doc.LeaseExpiry = custom
			}
		}
		claimed = append(claimed, taskDocToTask(doc))
	}
	return claimed, nil
}

func taskDocToTask(doc taskDoc) enginestore.Task {
	return enginestore.Task{
		ID: doc.ID,
		Definition: enginestore.TaskDefinition{
			WorkflowID:   doc.WorkflowID,
			ActivityID:   doc.ActivityID,
			ActivityType: doc.ActivityType,
			Input:        doc.Input,
			Options:      doc.Options.toActivityOptions(),
		},
		Priority:        doc.Priority,
		Status:          enginestore.TaskStatus(doc.Status),
		Attempt:         doc.Attempt,
		ClaimedBy:       doc.ClaimedBy,
		ClaimedAt:       doc.ClaimedAt,
		LeaseExpiry:     doc.LeaseExpiry,
		LastError:       doc.LastError,
		ErrorHistory:    doc.ErrorHistory,
		AvailableAt:     doc.AvailableAt,
		CreatedAt:       doc.CreatedAt,
		CancelRequested: doc.CancelReq,
	}
}

func (s *Store) HeartbeatTask(ctx context.Context, taskID, workerID string, newLeaseExpiry time.Time) (bool, error) {
	var doc taskDoc
	err := s.db.Collection(collTasks).FindOneAndUpdate(ctx,
		bson.M{"_id": taskID, "status": string(enginestore.TaskClaimed), "claimed_by": workerID},
		bson.M{"$set": bson.M{"lease_expiry": newLeaseExpiry}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, enginestore.ErrNotClaimed
	}
	if err != nil {
		return false, fmt.Errorf("mongostore: heartbeat task: %w", err)
	}
	return doc.CancelReq, nil
}

// RequestCancelTask flags any live task for (workflowID, activityID) so the
// worker executing it observes the cancellation on its next heartbeat.
func (s *Store) RequestCancelTask(ctx context.Context, workflowID, activityID string) error {
	_, err := s.db.Collection(collTasks).UpdateMany(ctx,
		bson.M{"workflow_id": workflowID, "activity_id": activityID},
		bson.M{"$set": bson.M{"cancel_requested": true}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: request cancel: %w", err)
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string) error {
	res, err := s.db.Collection(collTasks).DeleteOne(ctx, bson.M{"_id": taskID, "status": string(enginestore.TaskClaimed), "claimed_by": workerID})
	if err != nil {
		return fmt.Errorf("mongostore: complete task: %w", err)
	}
	if res.DeletedCount == 0 {
		return enginestore.ErrNotClaimed
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID, workerID string, errMsg string, maxAttempts int, availableAt time.Time) (bool, error) {
	var doc taskDoc
	err := s.db.Collection(collTasks).FindOne(ctx, bson.M{"_id": taskID, "status": string(enginestore.TaskClaimed), "claimed_by": workerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, enginestore.ErrNotClaimed
	}
	if err != nil {
		return false, fmt.Errorf("mongostore: fail task lookup: %w", err)
	}

	if doc.Attempt < maxAttempts {
		_, err := s.db.Collection(collTasks).UpdateOne(ctx, bson.M{"_id": taskID},
			bson.M{"$set": bson.M{"status": string(enginestore.TaskPending), "claimed_by": "", "available_at": availableAt,
				"last_error": errMsg}, "$push": bson.M{"error_history": errMsg}})
		if err != nil {
			return false, fmt.Errorf("mongostore: requeue task: %w", err)
		}
		return false, nil
	}

	doc.LastError = errMsg
	doc.ErrorHistory = append(doc.ErrorHistory, errMsg)
	if err := s.moveToDLQ(ctx, doc); err != nil {
		return false, err
	}
	if _, err := s.db.Collection(collTasks).DeleteOne(ctx, bson.M{"_id": taskID}); err != nil {
		return false, fmt.Errorf("mongostore: delete task after dlq: %w", err)
	}
	return true, nil
}

func (s *Store) MoveToDLQ(ctx context.Context, taskID, workerID string, errMsg string) error {
	var doc taskDoc
	err := s.db.Collection(collTasks).FindOne(ctx, bson.M{"_id": taskID, "status": string(enginestore.TaskClaimed), "claimed_by": workerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return enginestore.ErrNotClaimed
	}
	if err != nil {
		return fmt.Errorf("mongostore: move to dlq lookup: %w", err)
	}
	doc.LastError = errMsg
	doc.ErrorHistory = append(doc.ErrorHistory, errMsg)
	if err := s.moveToDLQ(ctx, doc); err != nil {
		return err
	}
	_, err = s.db.Collection(collTasks).DeleteOne(ctx, bson.M{"_id": taskID})
	return err
}

type dlqDoc struct {
	ID           string     `bson:"_id"`
	WorkflowID   string     `bson:"workflow_id"`
	ActivityID   string     `bson:"activity_id"`
	ActivityType string     `bson:"activity_type"`
	Input        []byte     `bson:"input"`
	Options      optionsDoc `bson:"options"`
	Attempts     int        `bson:"attempts"`
	ErrorHistory []string   `bson:"error_history"`
	RequeueCount int        `bson:"requeue_count"`
	MovedToDlqAt time.Time  `bson:"moved_to_dlq_at"`
}

func (s *Store) moveToDLQ(ctx context.Context, doc taskDoc) error {
	entry := dlqDoc{
		ID:           doc.ID,
		WorkflowID:   doc.WorkflowID,
		ActivityID:   doc.ActivityID,
		ActivityType: doc.ActivityType,
		Input:        doc.Input,
		Options:      doc.Options,
		Attempts:     doc.Attempt,
		ErrorHistory: doc.ErrorHistory,
		MovedToDlqAt: time.Now(),
	}
	if _, err := s.db.Collection(collDLQ).InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("mongostore: insert dlq entry: %w", err)
	}
	return nil
}

func (s *Store) RequeueFromDLQ(ctx context.Context, dlqID string) (enginestore.Task, error) {
	var entry dlqDoc
	err := s.db.Collection(collDLQ).FindOneAndDelete(ctx, bson.M{"_id": dlqID}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return enginestore.Task{}, enginestore.ErrDlqEntryNotFound
	}
	if err != nil {
		return enginestore.Task{}, fmt.Errorf("mongostore: requeue from dlq: %w", err)
	}
	task := enginestore.Task{
		ID: fmt.Sprintf("%s-requeue-%d", entry.ID, entry.RequeueCount+1),
		Definition: enginestore.TaskDefinition{
			WorkflowID:   entry.WorkflowID,
			ActivityID:   entry.ActivityID,
			ActivityType: entry.ActivityType,
			Input:        entry.Input,
			Options:      entry.Options.toActivityOptions(),
		},
		Status:    enginestore.TaskPending,
		CreatedAt: time.Now(),
	}
	if err := s.EnqueueTask(ctx, task); err != nil {
		return enginestore.Task{}, err
	}
	return task, nil
}

func (s *Store) ListDLQ(ctx context.Context, workflowID string) ([]enginestore.DLQEntry, error) {
	filter := bson.M{}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	cur, err := s.db.Collection(collDLQ).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list dlq: %w", err)
	}
	defer cur.Close(ctx)
	var out []enginestore.DLQEntry
	for cur.Next(ctx) {
		var doc dlqDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, enginestore.DLQEntry{
			ID: doc.ID,
			Definition: enginestore.TaskDefinition{
				WorkflowID: doc.WorkflowID, ActivityID: doc.ActivityID, ActivityType: doc.ActivityType, Input: doc.Input,
			},
			Attempts:     doc.Attempts,
			ErrorHistory: doc.ErrorHistory,
			RequeueCount: doc.RequeueCount,
			MovedToDlqAt: doc.MovedToDlqAt,
		})
	}
	return out, cur.Err()
}

func (s *Store) ReclaimStaleTasks(ctx context.Context, threshold time.Time) (int, error) {
	res, err := s.db.Collection(collTasks).UpdateMany(ctx,
		bson.M{"status": string(enginestore.TaskClaimed), "lease_expiry": bson.M{"$lt": threshold}},
		bson.M{"$set": bson.M{"status": string(enginestore.TaskPending), "claimed_by": ""}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongostore: reclaim stale tasks: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// ExpireScheduleToStart moves any still-pending task whose
// Options.ScheduleToStartTimeout has elapsed since CreatedAt straight to the
// dead-letter queue.
func (s *Store) ExpireScheduleToStart(ctx context.Context, now time.Time) (int, error) {
	cur, err := s.db.Collection(collTasks).Find(ctx, bson.M{
		"status":                          string(enginestore.TaskPending),
		"options.schedule_to_start_timeout": bson.M{"$gt": 0},
	})
	if err != nil {
		return 0, fmt.Errorf("mongostore: find schedule-to-start candidates: %w", err)
	}
	defer cur.Close(ctx)
	var expired []taskDoc
	for cur.Next(ctx) {
		var doc taskDoc
		if err := cur.Decode(&doc); err != nil {
			return 0, err
		}
		if doc.CreatedAt.Add(doc.Options.ScheduleToStartTimeout).After(now) {
			continue
		}
		expired = append(expired, doc)
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range expired {
		doc.LastError = "schedule-to-start timeout exceeded"
		doc.ErrorHistory = append(doc.ErrorHistory, doc.LastError)
		if err := s.moveToDLQ(ctx, doc); err != nil {
			return n, err
		}
		if _, err := s.db.Collection(collTasks).DeleteOne(ctx, bson.M{"_id": doc.ID}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type signalDoc struct {
	WorkflowID string    `bson:"workflow_id"`
	Name       string    `bson:"name"`
	Payload    []byte    `bson:"payload"`
	ReceivedAt time.Time `bson:"received_at"`
	Processed  bool      `bson:"processed"`
}

func (s *Store) SendSignal(ctx context.Context, workflowID string, sig workflow.Signal, receivedAt time.Time) error {
	inst, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return enginestore.ErrWorkflowCompleted
	}
	_, err = s.db.Collection(collSignals).InsertOne(ctx, signalDoc{
		WorkflowID: workflowID, Name: sig.Name, Payload: sig.Payload, ReceivedAt: receivedAt,
	})
	if err != nil {
		return fmt.Errorf("mongostore: send signal: %w", err)
	}
	return nil
}

func (s *Store) PendingSignals(ctx context.Context, workflowID string) ([]enginestore.Signal, error) {
	cur, err := s.db.Collection(collSignals).Find(ctx,
		bson.M{"workflow_id": workflowID, "processed": bson.M{"$ne": true}},
		options.Find().SetSort(bson.M{"received_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: pending signals: %w", err)
	}
	defer cur.Close(ctx)
	var out []enginestore.Signal
	for cur.Next(ctx) {
		var doc signalDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, enginestore.Signal{WorkflowID: doc.WorkflowID, Name: doc.Name, Payload: doc.Payload, ReceivedAt: doc.ReceivedAt})
	}
	return out, cur.Err()
}

func (s *Store) MarkSignalsProcessed(ctx context.Context, workflowID string, n int) error {
	cur, err := s.db.Collection(collSignals).Find(ctx,
		bson.M{"workflow_id": workflowID, "processed": bson.M{"$ne": true}},
		options.Find().SetSort(bson.M{"received_at": 1}).SetLimit(int64(n)))
	if err != nil {
		return fmt.Errorf("mongostore: mark signals processed: %w", err)
	}
	defer cur.Close(ctx)
	var ids []bson.ObjectID
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		if id, ok := doc["_id"].(bson.ObjectID); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.db.Collection(collSignals).UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": bson.M{"processed": true}})
	return err
}

type workerDoc struct {
	ID            string    `bson:"_id"`
	Group         string    `bson:"group"`
	Load          int       `bson:"load"`
	AcceptingWork bool      `bson:"accepting_work"`
	LastHeartbeat time.Time `bson:"last_heartbeat"`
	RegisteredAt  time.Time `bson:"registered_at"`
}

func (s *Store) RegisterWorker(ctx context.Context, w enginestore.Worker) error {
	_, err := s.db.Collection(collWorkers).UpdateOne(ctx, bson.M{"_id": w.ID},
		bson.M{"$set": workerDoc{ID: w.ID, Group: w.Group, Load: w.Load, AcceptingWork: w.AcceptingWork,
			LastHeartbeat: w.LastHeartbeat, RegisteredAt: w.RegisteredAt}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: register worker: %w", err)
	}
	return nil
}

func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.db.Collection(collWorkers).DeleteOne(ctx, bson.M{"_id": workerID})
	return err
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, load int, accepting bool, at time.Time) error {
	res, err := s.db.Collection(collWorkers).UpdateOne(ctx, bson.M{"_id": workerID},
		bson.M{"$set": bson.M{"load": load, "accepting_work": accepting, "last_heartbeat": at}})
	if err != nil {
		return fmt.Errorf("mongostore: heartbeat: %w", err)
	}
	if res.MatchedCount == 0 {
		return enginestore.ErrWorkerNotFound
	}
	return nil
}

type breakerDoc struct {
	Key              string    `bson:"_id"`
	Status           string    `bson:"status"`
	ConsecutiveFails int       `bson:"consecutive_fails"`
	OpenedAt         time.Time `bson:"opened_at,omitempty"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func (s *Store) GetCircuitBreaker(ctx context.Context, key string) (enginestore.CircuitBreakerState, error) {
	var doc breakerDoc
	err := s.db.Collection(collBreakers).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return enginestore.CircuitBreakerState{Key: key, Status: enginestore.BreakerClosed}, nil
	}
	if err != nil {
		return enginestore.CircuitBreakerState{}, fmt.Errorf("mongostore: get circuit breaker: %w", err)
	}
	return enginestore.CircuitBreakerState{
		Key: doc.Key, Status: enginestore.BreakerStatus(doc.Status), ConsecutiveFails: doc.ConsecutiveFails,
		OpenedAt: doc.OpenedAt, UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *Store) UpdateCircuitBreaker(ctx context.Context, state enginestore.CircuitBreakerState) error {
	prev, err := s.GetCircuitBreaker(ctx, state.Key)
	if err != nil {
		return err
	}
	if state.Status == enginestore.BreakerOpen && prev.Status != enginestore.BreakerOpen {
		state.OpenedAt = time.Now()
	}
	if state.Status == enginestore.BreakerClosed {
		state.OpenedAt = time.Time{}
	}
	state.UpdatedAt = time.Now()
	_, err = s.db.Collection(collBreakers).UpdateOne(ctx, bson.M{"_id": state.Key},
		bson.M{"$set": breakerDoc{Key: state.Key, Status: string(state.Status), ConsecutiveFails: state.ConsecutiveFails,
			OpenedAt: state.OpenedAt, UpdatedAt: state.UpdatedAt}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: update circuit breaker: %w", err)
	}
	return nil
}
