package rpcclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient_CommandWrappersRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Steer(ctx, "keep going"))
	require.NoError(t, c.Abort(ctx))
	require.NoError(t, c.AbortAndPrompt(ctx, "restart with this"))
	require.NoError(t, c.FollowUp(ctx, "one more thing"))
	require.NoError(t, c.SetThinkingLevel(ctx, "high"))

	_, err := c.GetState(ctx)
	require.NoError(t, err)
	_, err = c.GetMessages(ctx)
	require.NoError(t, err)
	_, err = c.GetLastAssistantText(ctx)
	require.NoError(t, err)
	_, err = c.GetSessionID(ctx)
	require.NoError(t, err)
}
