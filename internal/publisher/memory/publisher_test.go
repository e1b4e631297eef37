package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "audit.events", map[string]string{"status": "completed"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = pub.Publish(context.Background(), "audit.events", map[string]string{"status": "failed"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	messages := pub.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "audit.events", messages[0].Topic)
}
