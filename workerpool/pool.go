// Package workerpool implements a bounded-concurrency activity worker: a
// poll loop that claims tasks up to an available-slot budget, a heartbeat
// loop that reports load back to the event store, and a reclaim loop that
// returns stale-leased tasks to pending. Shutdown drains in-flight work
// before deregistering.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/durable/enginestore"
	"goa.design/durable/reliability"
	"goa.design/durable/taskqueue"
	"goa.design/durable/telemetry"
)

// Status is the worker pool's lifecycle status.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

// Handler executes one activity's work, returning its result or an error.
// Handlers never touch the workflow directly: the pool reports outcomes
// back through the Queue/Executor boundary.
type Handler func(ctx context.Context, task enginestore.Task) (result []byte, activityErr *taskqueue.ActivityError)

// LeaseIndex is an optional fast-path lease tracker, satisfied by
// taskqueue/redisq.Index. The pool marks a task after claiming it and
// releases the mark when execution ends; the result of the mark does not
// change which tasks are claimed or run. The event store remains the
// single source of truth.
type LeaseIndex interface {
	TryMark(ctx context.Context, taskID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, taskID string) error
}

// Config configures a Pool.
type Config struct {
	WorkerID             string
	WorkerGroup          string
	MaxConcurrency       int
	Backpressure         reliability.BackpressurePolicy
	PollInterval         time.Duration
	EmptyPollBackoffMax  time.Duration
	HeartbeatInterval    time.Duration
	StaleReclaimInterval time.Duration
	StaleThreshold       time.Duration
	ShutdownTimeout      time.Duration
}

// DefaultConfig returns reasonable production defaults: max_concurrency=10,
// heartbeat_interval=5s, stale_reclaim_interval=30s, stale_threshold=60s,
// shutdown_timeout=30s.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:             workerID,
		MaxConcurrency:       10,
		Backpressure:         reliability.DefaultBackpressurePolicy(),
		PollInterval:         time.Second,
		EmptyPollBackoffMax:  10 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		StaleReclaimInterval: 30 * time.Second,
		StaleThreshold:       60 * time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Option customizes a Config.
type Option func(*Config)

func WithWorkerGroup(group string) Option { return func(c *Config) { c.WorkerGroup = group } }
func WithMaxConcurrency(n int) Option {
	return func(c *Config) {
		c.MaxConcurrency = n
		c.Backpressure.MaxConcurrency = n
	}
}
func WithHeartbeatInterval(d time.Duration) Option { return func(c *Config) { c.HeartbeatInterval = d } }
func WithShutdownTimeout(d time.Duration) Option   { return func(c *Config) { c.ShutdownTimeout = d } }
func WithStaleThreshold(d time.Duration) Option    { return func(c *Config) { c.StaleThreshold = d } }

// Pool is a bounded-concurrency activity worker driven by three
// independent loops: poll, heartbeat, and reclaim.
type Pool struct {
	store  enginestore.Store
	queue  *taskqueue.Queue
	config Config

	logger  telemetry.Logger
	metrics telemetry.Metrics

	leaseIndex     LeaseIndex
	onFinalFailure FinalFailureFunc

	mu       sync.Mutex
	handlers map[string]Handler
	status   Status
	load     int

	limiter *rate.Limiter

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Pool. logger/metrics may be nil (no-op substituted).
func New(store enginestore.Store, queue *taskqueue.Queue, config Config, logger telemetry.Logger, metrics telemetry.Metrics) *Pool {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Pool{
		store:    store,
		queue:    queue,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
		status:   StatusStarting,
		limiter:  rate.NewLimiter(rate.Every(config.PollInterval), 1),
		sem:      make(chan struct{}, maxInt(config.MaxConcurrency, 1)),
		stopCh:   make(chan struct{}),
	}
}

// WithLeaseIndex attaches an optional fast-path lease tracker (typically a
// taskqueue/redisq.Index) that the pool marks on claim and releases on
// completion or failure.
func (p *Pool) WithLeaseIndex(idx LeaseIndex) *Pool {
	p.leaseIndex = idx
	return p
}

// FinalFailureFunc is called when a retryable failure exhausts its retry
// budget and the task moves to the dead-letter queue, so the workflow that
// scheduled the activity observes exactly one final failure. Wired to
// executor.Executor.OnActivityFailed with willRetry=false.
type FinalFailureFunc func(ctx context.Context, workflowID, activityID, errMsg string) error

// WithFinalFailureFunc attaches the final-failure callback.
func (p *Pool) WithFinalFailureFunc(fn FinalFailureFunc) *Pool {
	p.onFinalFailure = fn
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RegisterHandler associates an activity type with its Handler. Handlers
// must be registered before Start.
func (p *Pool) RegisterHandler(activityType string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.handlers[activityType]; dup {
		return fmt.Errorf("workerpool: handler for %q already registered", activityType)
	}
	p.handlers[activityType] = h
	return nil
}

// Start registers the worker and spawns the poll, heartbeat, and reclaim
// loops. It returns once registration succeeds; the loops run in the
// background until Shutdown is called. Calling Start on an already-running
// pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.status == StatusRunning {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.store.RegisterWorker(ctx, enginestore.Worker{
		ID: p.config.WorkerID, Group: p.config.WorkerGroup, AcceptingWork: true, RegisteredAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("workerpool: register: %w", err)
	}
	p.setStatus(StatusRunning)

	p.wg.Add(3)
	go p.pollLoop(ctx)
	go p.heartbeatLoop(ctx)
	go p.reclaimLoop(ctx)
	return nil
}

func (p *Pool) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Status reports the pool's current lifecycle status.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// activityTypes returns the currently registered activity types, used to
// scope claims to work this pool can actually execute.
func (p *Pool) activityTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

func (p *Pool) handlerFor(activityType string) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[activityType]
	return h, ok
}

// pollLoop claims available work up to the backpressure-computed batch
// size and dispatches each claimed task to a goroutine bounded by the
// pool's semaphore.
func (p *Pool) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	backoff := p.config.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		p.mu.Lock()
		load := p.load
		p.mu.Unlock()
		batch := p.config.Backpressure.ClaimBatchSize(load)
		if batch == 0 {
			p.sleep(backoff)
			continue
		}

		tasks, err := p.queue.Claim(ctx, p.config.WorkerID, p.activityTypes(), batch)
		if err != nil {
			p.logger.Error(ctx, "workerpool: claim failed", "error", err)
			p.sleep(backoff)
			continue
		}
		if len(tasks) == 0 {
			backoff = minDuration(backoff*2, p.config.EmptyPollBackoffMax)
			p.sleep(backoff)
			continue
		}
		backoff = p.config.PollInterval

		for _, task := range tasks {
			handler, ok := p.handlerFor(task.Definition.ActivityType)
			if !ok {
				p.logger.Warn(ctx, "workerpool: no handler registered, letting lease expire for stale reclamation",
					"activity_type", task.Definition.ActivityType)
				continue
			}
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
			p.mu.Lock()
			p.load++
			p.mu.Unlock()
			p.wg.Add(1)
			go p.execute(ctx, task, handler)
		}
	}
}

func (p *Pool) execute(ctx context.Context, task enginestore.Task, handler Handler) {
	defer p.wg.Done()
	defer func() {
		<-p.sem
		p.mu.Lock()
		p.load--
		p.mu.Unlock()
	}()

	if p.leaseIndex != nil {
		if _, err := p.leaseIndex.TryMark(ctx, task.ID, p.config.StaleThreshold); err != nil {
			p.logger.Warn(ctx, "workerpool: lease index mark failed", "error", err)
		}
		defer func() {
			if err := p.leaseIndex.Release(ctx, task.ID); err != nil {
				p.logger.Warn(ctx, "workerpool: lease index release failed", "error", err)
			}
		}()
	}

	_, activityErr := p.invoke(ctx, task, handler)
	if activityErr == nil {
		if err := p.queue.Complete(ctx, task.ID, p.config.WorkerID); err != nil {
			p.logger.Error(ctx, "workerpool: complete failed", "error", err)
		}
		return
	}

	if !activityErr.Retryable {
		if err := p.queue.FailNonRetryable(ctx, task.ID, p.config.WorkerID, activityErr.Message); err != nil {
			p.logger.Error(ctx, "workerpool: fail non-retryable failed", "error", err)
		}
		return
	}
	movedToDLQ, err := p.queue.Fail(ctx, task, p.config.WorkerID, activityErr.Message)
	if err != nil {
		p.logger.Error(ctx, "workerpool: fail failed", "error", err)
		return
	}
	if movedToDLQ && p.onFinalFailure != nil {
		if err := p.onFinalFailure(ctx, task.Definition.WorkflowID, task.Definition.ActivityID, activityErr.Message); err != nil {
			p.logger.Error(ctx, "workerpool: report final failure", "error", err)
		}
	}
}

// invoke calls handler with panic recovery: a panicking Handler must not
// corrupt the pool. The panic is translated into a retryable ActivityError
// so the task fails and is retried or dead-lettered exactly as it would
// for a returned error.
func (p *Pool) invoke(ctx context.Context, task enginestore.Task, handler Handler) (result []byte, activityErr *taskqueue.ActivityError) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, "workerpool: handler panicked", "error", r, "activity_type", task.Definition.ActivityType)
			activityErr = &taskqueue.ActivityError{Message: fmt.Sprintf("handler panic: %v", r), Retryable: true}
		}
	}()
	return handler(ctx, task)
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			load, status := p.load, p.status
			p.mu.Unlock()
			accepting := status == StatusRunning
			if err := p.store.Heartbeat(ctx, p.config.WorkerID, load, accepting, time.Now()); err != nil {
				p.logger.Error(ctx, "workerpool: heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.StaleReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.queue.Reclaim(ctx, p.config.StaleThreshold)
			if err != nil {
				p.logger.Error(ctx, "workerpool: reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				p.metrics.IncCounter("workerpool.reclaimed", float64(n))
			}
			expired, err := p.store.ExpireScheduleToStart(ctx, time.Now())
			if err != nil {
				p.logger.Error(ctx, "workerpool: expire schedule-to-start failed", "error", err)
				continue
			}
			if expired > 0 {
				p.metrics.IncCounter("workerpool.schedule_to_start_expired", float64(expired))
			}
		}
	}
}

// ErrShutdownTimeout is returned by Shutdown if in-flight work does not
// drain within Config.ShutdownTimeout.
var ErrShutdownTimeout = fmt.Errorf("workerpool: shutdown timed out waiting for in-flight tasks")

// Shutdown stops claiming new work, waits for in-flight tasks to drain (up
// to ShutdownTimeout), then deregisters the worker. Exceeding the timeout
// still transitions the pool to Stopped and deregisters it; the abandoned
// in-flight tasks are left for stale-lease reclamation rather than the
// pool pretending it's still Draining.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.setStatus(StatusDraining)
	p.stopOnce.Do(func() { close(p.stopCh) })

	deadline := time.Now().Add(p.config.ShutdownTimeout)
	timedOut := false
	for {
		p.mu.Lock()
		load := p.load
		p.mu.Unlock()
		if load == 0 {
			break
		}
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !timedOut {
		p.wg.Wait()
	}
	deregisterErr := p.store.DeregisterWorker(ctx, p.config.WorkerID)
	p.setStatus(StatusStopped)
	if timedOut {
		return ErrShutdownTimeout
	}
	if deregisterErr != nil {
		return fmt.Errorf("workerpool: deregister: %w", deregisterErr)
	}
	return nil
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
