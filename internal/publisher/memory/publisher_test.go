package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prerender/internal/render"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "render.completed", render.CompletionEvent{JobID: "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "render.completed", render.CompletionEvent{JobID: "b"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "b", msgs[1].Payload.(render.CompletionEvent).JobID)

	msgs[0].EventType = "modified"
	require.Equal(t, "render.completed", pub.Messages()[0].EventType)
}
