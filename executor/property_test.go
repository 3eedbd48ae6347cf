package executor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/durable/enginestore/memstore"
	"goa.design/durable/executor"
	"goa.design/durable/registry"
)

// TestSequenceDensityProperty verifies sequence density (for every
// workflow, every sequence number in [0, N) has exactly one event) across
// a range of counter-workflow run lengths.
func TestSequenceDensityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("workflow event sequence numbers are dense and start at 0", prop.ForAll(
		func(steps int) bool {
			store := memstore.New()
			reg := registry.New()
			if err := reg.Register("counter_workflow", newCounterWorkflow); err != nil {
				return false
			}
			exec := executor.New(store, reg, nil, nil, nil)
			ctx := context.Background()

			input, err := json.Marshal(counterInput{Start: 0, Target: steps})
			if err != nil {
				return false
			}
			id, _, err := exec.StartWorkflow(ctx, "counter_workflow", input)
			if err != nil {
				return false
			}
			for i := 1; i <= steps; i++ {
				actResult, _ := json.Marshal(map[string]int{"value": i})
				if _, err := exec.OnActivityCompleted(ctx, id, activityID(i), actResult); err != nil {
					return false
				}
			}

			events, err := store.LoadEvents(ctx, id)
			if err != nil {
				return false
			}
			for i, ev := range events {
				if ev.Sequence != i {
					return false
				}
			}
			return len(events) > 0
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

// TestReplayDeterminismProperty verifies replay determinism: re-running
// ProcessWorkflow against an already-terminal workflow, for any prior run
// length, produces no new events and the same completed result.
func TestReplayDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("replay with no new external events is idempotent", prop.ForAll(
		func(steps int) bool {
			store := memstore.New()
			reg := registry.New()
			if err := reg.Register("counter_workflow", newCounterWorkflow); err != nil {
				return false
			}
			exec := executor.New(store, reg, nil, nil, nil)
			ctx := context.Background()

			input, _ := json.Marshal(counterInput{Start: 0, Target: steps})
			id, _, err := exec.StartWorkflow(ctx, "counter_workflow", input)
			if err != nil {
				return false
			}
			for i := 1; i <= steps; i++ {
				actResult, _ := json.Marshal(map[string]int{"value": i})
				if _, err := exec.OnActivityCompleted(ctx, id, activityID(i), actResult); err != nil {
					return false
				}
			}

			before, err := store.LoadEvents(ctx, id)
			if err != nil {
				return false
			}
			result, err := exec.ProcessWorkflow(ctx, id)
			if err != nil || !result.Completed {
				return false
			}
			after, err := store.LoadEvents(ctx, id)
			if err != nil {
				return false
			}
			if len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i].Sequence != after[i].Sequence || before[i].Type != after[i].Type {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
