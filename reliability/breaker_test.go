package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/durable/enginestore"
	"goa.design/durable/enginestore/memstore"
)

func TestBreakerTripsAndPersistsState(t *testing.T) {
	store := memstore.New()
	b := NewBreaker(store, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, err := b.Execute(ctx, "call-llm", func(context.Context) (any, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	_, err := b.Execute(ctx, "call-llm", func(context.Context) (any, error) { return "ok", nil })
	require.ErrorIs(t, err, ErrBreakerOpen)

	state, err := store.GetCircuitBreaker(ctx, "call-llm")
	require.NoError(t, err)
	require.Equal(t, enginestore.BreakerOpen, state.Status)
}
