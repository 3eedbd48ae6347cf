// Package signalbus publishes a lightweight "a workflow advanced" notice to
// a Pulse stream whenever the executor processes events for a workflow
// instance, so an out-of-core HTTP SSE layer can push updates to watchers
// instead of polling enginestore.Store. It is a fan-out side channel, not a
// second source of truth: enginestore remains authoritative, and a bus
// outage never blocks workflow processing.
package signalbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/durable/telemetry"
)

// Event is the payload published for each workflow advancement.
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	AdvancedAt time.Time `json:"advanced_at"`
}

// Options configures a Bus.
type Options struct {
	// Redis is the connection backing the Pulse stream. Required.
	Redis *redis.Client
	// StreamName is the Pulse stream all advancement events publish to.
	// Defaults to "durable:workflow-advanced".
	StreamName string
	// StreamMaxLen bounds the number of entries kept in the stream. Zero
	// uses Pulse defaults.
	StreamMaxLen int
	// PublishTimeout bounds each Add call. Zero means no timeout.
	PublishTimeout time.Duration
}

const defaultStreamName = "durable:workflow-advanced"

// stream is the subset of *streaming.Stream a Bus depends on, narrowed so
// tests can substitute a fake.
type stream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// Bus publishes workflow-advancement notices to a Pulse stream.
type Bus struct {
	stream  stream
	timeout time.Duration
	logger  telemetry.Logger
}

// New constructs a Bus backed by a freshly opened Pulse stream. Returns an
// error if opts.Redis is nil or stream creation fails.
func New(opts Options, logger telemetry.Logger) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("signalbus: redis client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = defaultStreamName
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	var streamOptions []streamopts.Stream
	if opts.StreamMaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
	}
	str, err := streaming.NewStream(name, opts.Redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("signalbus: open stream %q: %w", name, err)
	}
	return &Bus{stream: pulseStream{s: str}, timeout: opts.PublishTimeout, logger: logger}, nil
}

// pulseStream narrows *streaming.Stream to the one Add operation the Bus
// needs.
type pulseStream struct {
	s *streaming.Stream
}

func (p pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return p.s.Add(ctx, event, payload)
}

// newWithStream builds a Bus over an already-constructed stream, for tests.
func newWithStream(s stream, logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{stream: s, logger: logger}
}

// Publish announces that workflowID advanced to status. Failures are logged
// and swallowed: a publish failure must never fail the workflow processing
// pass that triggered it.
func (b *Bus) Publish(ctx context.Context, workflowID, status string, advancedAt time.Time) {
	payload, err := json.Marshal(Event{WorkflowID: workflowID, Status: status, AdvancedAt: advancedAt})
	if err != nil {
		b.logger.Error(ctx, "signalbus: marshal event", "workflow_id", workflowID, "error", err)
		return
	}

	pubCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if _, err := b.stream.Add(pubCtx, "workflow-advanced", payload); err != nil {
		b.logger.Error(ctx, "signalbus: publish event", "workflow_id", workflowID, "error", err)
	}
}
