package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsCompletionEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "scrape-completions", map[string]any{
		"job_id": "job-1",
		"status": "done",
	})
	require.NoError(t, err)
	require.Equal(t, "event-1", id1)

	id2, err := pub.Publish(context.Background(), "scrape-completions", map[string]any{
		"job_id": "job-2",
		"status": "done",
	})
	require.NoError(t, err)
	require.Equal(t, "event-2", id2)

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "scrape-completions", events[0].Topic)
	payload, ok := events[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "job-1", payload["job_id"])

	last, ok := pub.Last()
	require.True(t, ok)
	require.Equal(t, "event-2", last.ID)

	// Events returns a snapshot, not the backing slice.
	events[0].Topic = "modified"
	require.Equal(t, "scrape-completions", pub.Events()[0].Topic)
}

func TestLastOnEmptyPublisher(t *testing.T) {
	t.Parallel()

	_, ok := New().Last()
	require.False(t, ok)
}
