// Package redisq provides a Redis-backed lease index: the worker pool
// marks a task in it when it starts executing a claimed task and clears
// the mark when the task finishes. Claims themselves always go to the
// event store, which remains the single source of truth: this is a
// fast-path hint, not a second store.
package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index is a thin wrapper around a Redis client used to mark tasks as
// "likely leased" with a TTL matching the lease duration.
type Index struct {
	client *redis.Client
	prefix string
}

// New constructs an Index over an already-connected client.
func New(client *redis.Client, keyPrefix string) *Index {
	if keyPrefix == "" {
		keyPrefix = "durable:lease:"
	}
	return &Index{client: client, prefix: keyPrefix}
}

// TryMark attempts to atomically mark taskID as leased for ttl. It returns
// false without error if a mark for taskID already exists.
func (idx *Index) TryMark(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	ok, err := idx.client.SetNX(ctx, idx.key(taskID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisq: mark: %w", err)
	}
	return ok, nil
}

// Release clears a lease mark early, e.g. after a task completes well
// before its lease would otherwise expire.
func (idx *Index) Release(ctx context.Context, taskID string) error {
	if err := idx.client.Del(ctx, idx.key(taskID)).Err(); err != nil {
		return fmt.Errorf("redisq: release: %w", err)
	}
	return nil
}

func (idx *Index) key(taskID string) string {
	return idx.prefix + taskID
}
