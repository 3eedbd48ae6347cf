package workerpool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/durable/enginestore"
	"goa.design/durable/enginestore/memstore"
	"goa.design/durable/taskqueue"
	"goa.design/durable/workerpool"
)

func TestPoolClaimsAndCompletesTasks(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityType: "echo"},
	}))

	queue := taskqueue.New(store, taskqueue.DefaultConfig(), nil, nil)
	cfg := workerpool.DefaultConfig("worker-1")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.StaleReclaimInterval = time.Hour

	pool := workerpool.New(store, queue, cfg, nil, nil)

	var completed atomic.Bool
	require.NoError(t, pool.RegisterHandler("echo", func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		completed.Store(true)
		return []byte(`{}`), nil
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, pool.Start(runCtx))

	require.Eventually(t, completed.Load, time.Second, 5*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	cancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
}

type fakeLeaseIndex struct {
	marked   atomic.Int32
	released atomic.Int32
}

func (f *fakeLeaseIndex) TryMark(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	f.marked.Add(1)
	return true, nil
}

func (f *fakeLeaseIndex) Release(ctx context.Context, taskID string) error {
	f.released.Add(1)
	return nil
}

func TestPoolMarksAndReleasesLeaseIndex(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityType: "echo"},
	}))

	queue := taskqueue.New(store, taskqueue.DefaultConfig(), nil, nil)
	cfg := workerpool.DefaultConfig("worker-1")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.StaleReclaimInterval = time.Hour

	pool := workerpool.New(store, queue, cfg, nil, nil)
	idx := &fakeLeaseIndex{}
	pool.WithLeaseIndex(idx)

	var completed atomic.Bool
	require.NoError(t, pool.RegisterHandler("echo", func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		completed.Store(true)
		return []byte(`{}`), nil
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, pool.Start(runCtx))

	require.Eventually(t, completed.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return idx.released.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), idx.marked.Load())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	cancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
}

// TestPoolShutdownTimeoutStillStopsAndDeregisters verifies that a
// shutdown exceeding ShutdownTimeout still transitions the pool to Stopped
// and deregisters it, even though it reports ErrShutdownTimeout to the
// caller.
func TestPoolShutdownTimeoutStillStopsAndDeregisters(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityType: "slow"},
	}))

	queue := taskqueue.New(store, taskqueue.DefaultConfig(), nil, nil)
	cfg := workerpool.DefaultConfig("worker-1")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.StaleReclaimInterval = time.Hour
	cfg.ShutdownTimeout = 50 * time.Millisecond

	pool := workerpool.New(store, queue, cfg, nil, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.RegisterHandler("slow", func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		close(started)
		<-release
		return []byte(`{}`), nil
	}))
	defer close(release)

	require.NoError(t, pool.Start(ctx))
	<-started

	err := pool.Shutdown(context.Background())
	require.ErrorIs(t, err, workerpool.ErrShutdownTimeout)
	require.Equal(t, workerpool.StatusStopped, pool.Status())

	require.Error(t, store.Heartbeat(ctx, "worker-1", 0, false, time.Now()), "worker must be deregistered after a timed-out shutdown")
}

// TestPoolReportsFinalFailureAfterRetriesExhaust pins the retry-then-DLQ
// contract: a handler that fails retryably until the retry budget runs out
// produces exactly one DLQ entry with attempt == max attempts, and the
// final-failure callback fires exactly once.
func TestPoolReportsFinalFailureAfterRetriesExhaust(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityID: "act-1", ActivityType: "doomed"},
	}))

	qcfg := taskqueue.DefaultConfig()
	qcfg.RetryPolicy.MaxAttempts = 2
	qcfg.RetryPolicy.InitialDelay = 0
	qcfg.RetryPolicy.JitterFraction = 0
	queue := taskqueue.New(store, qcfg, nil, nil)

	cfg := workerpool.DefaultConfig("worker-1")
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.StaleReclaimInterval = time.Hour
	pool := workerpool.New(store, queue, cfg, nil, nil)

	var finalFailures atomic.Int32
	pool.WithFinalFailureFunc(func(ctx context.Context, workflowID, activityID, errMsg string) error {
		require.Equal(t, "wf-1", workflowID)
		require.Equal(t, "act-1", activityID)
		finalFailures.Add(1)
		return nil
	})

	require.NoError(t, pool.RegisterHandler("doomed", func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		return nil, &taskqueue.ActivityError{Message: "always fails", Retryable: true}
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, pool.Start(runCtx))

	require.Eventually(t, func() bool { return finalFailures.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	entries, err := store.ListDLQ(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].Attempts)
	require.Len(t, entries[0].ErrorHistory, 2)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	cancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
	require.Equal(t, int32(1), finalFailures.Load())
}

func TestPoolRetriesOnRetryableFailure(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.EnqueueTask(ctx, enginestore.Task{
		ID:         "task-1",
		Definition: enginestore.TaskDefinition{WorkflowID: "wf-1", ActivityType: "flaky"},
	}))

	queue := taskqueue.New(store, taskqueue.DefaultConfig(), nil, nil)
	cfg := workerpool.DefaultConfig("worker-1")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.StaleReclaimInterval = time.Hour
	pool := workerpool.New(store, queue, cfg, nil, nil)

	var attempts atomic.Int32
	require.NoError(t, pool.RegisterHandler("flaky", func(ctx context.Context, task enginestore.Task) ([]byte, *taskqueue.ActivityError) {
		attempts.Add(1)
		return nil, &taskqueue.ActivityError{Message: "transient", Retryable: true}
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, pool.Start(runCtx))

	require.Eventually(t, func() bool { return attempts.Load() >= 1 }, time.Second, 5*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	cancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
}
