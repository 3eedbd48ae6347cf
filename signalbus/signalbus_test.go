package signalbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	events [][]byte
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	f.events = append(f.events, payload)
	return "1-0", nil
}

func TestPublishEncodesEvent(t *testing.T) {
	fs := &fakeStream{}
	bus := newWithStream(fs, nil)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(context.Background(), "wf-1", "running", now)

	require.Len(t, fs.events, 1)
	var evt Event
	require.NoError(t, json.Unmarshal(fs.events[0], &evt))
	require.Equal(t, "wf-1", evt.WorkflowID)
	require.Equal(t, "running", evt.Status)
	require.True(t, now.Equal(evt.AdvancedAt))
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{}, nil)
	require.Error(t, err)
}
