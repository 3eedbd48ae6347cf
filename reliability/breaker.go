package reliability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"goa.design/durable/enginestore"
)

// BreakerConfig configures the per-key circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from Closed to Open.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays Open before allowing a
	// single trial request through as HalfOpen.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again
// after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second}
}

// Breaker wraps github.com/sony/gobreaker/v2 per activity-type key and
// persists every state transition through the Event Store's
// circuit_breakers table so every worker process observes the same trip,
// not just the worker that caused it.
type Breaker struct {
	store  enginestore.Store
	config BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewBreaker constructs a Breaker backed by store.
func NewBreaker(store enginestore.Store, config BreakerConfig) *Breaker {
	return &Breaker{store: store, config: config, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

// ErrBreakerOpen is returned by Execute when the breaker for key is
// currently open and rejecting calls.
var ErrBreakerOpen = errors.New("reliability: circuit breaker open")

func (b *Breaker) breakerFor(key string) *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     b.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// State changes outlive any single request, so persistence is
			// not tied to a caller's context.
			b.persist(context.Background(), name, to)
		},
	})
	b.breakers[key] = cb
	return cb
}

// Execute runs fn guarded by the breaker for key, returning ErrBreakerOpen
// without calling fn if the breaker is currently tripped.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	cb := b.breakerFor(key)
	result, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBreakerOpen
	}
	return result, err
}

func (b *Breaker) persist(ctx context.Context, key string, to gobreaker.State) {
	status := enginestore.BreakerClosed
	switch to {
	case gobreaker.StateOpen:
		status = enginestore.BreakerOpen
	case gobreaker.StateHalfOpen:
		status = enginestore.BreakerHalfOpen
	}
	_ = b.store.UpdateCircuitBreaker(ctx, enginestore.CircuitBreakerState{Key: key, Status: status})
}

// State returns the persisted breaker state for key, as the rest of the
// system (other workers, the control plane) observes it.
func (b *Breaker) State(ctx context.Context, key string) (enginestore.CircuitBreakerState, error) {
	return b.store.GetCircuitBreaker(ctx, key)
}
