package rpcclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoScript is a tiny shell program that plays the role of an agent CLI in
// --mode rpc: for every stdin line it echoes a successful response, then on
// seeing "advance" it also emits an agent_end event.
const echoScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  echo "{\"type\":\"response\",\"id\":$id,\"success\":true,\"data\":{\"session_id\":\"sess-1\"}}"
  if echo "$line" | grep -q advance; then
    echo "{\"type\":\"agent_end\"}"
  fi
done
echo "bye" >&2
`

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(Config{
		Command:     "sh",
		Args:        []string{"-c", echoScript},
		SendTimeout: 2 * time.Second,
	}, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.ForceKill() })
	return c
}

func TestClient_StartTwiceFails(t *testing.T) {
	c := newTestClient(t)
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestClient_SendReceivesResponseAndLearnsSessionID(t *testing.T) {
	c := newTestClient(t)
	data, err := c.Send(context.Background(), map[string]any{"type": "prompt", "text": "hi"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "sess-1")

	// session id observation happens asynchronously off the stdout reader
	require.Eventually(t, func() bool { return c.SessionID() == "sess-1" }, time.Second, 10*time.Millisecond)
}

func TestClient_WaitForAgentEndResolves(t *testing.T) {
	c := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitForAgentEnd(context.Background(), 2*time.Second)
		done <- err
	}()

	_, err := c.Send(context.Background(), map[string]any{"type": "advance_lifecycle"})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForAgentEnd did not resolve")
	}
}

func TestClient_SuppressNextAgentEndSkipsOneEvent(t *testing.T) {
	c := newTestClient(t)
	c.SuppressNextAgentEnd()

	firstWait := make(chan error, 1)
	go func() {
		_, err := c.WaitForAgentEnd(context.Background(), 500*time.Millisecond)
		firstWait <- err
	}()

	_, err := c.Send(context.Background(), map[string]any{"type": "advance_lifecycle"})
	require.NoError(t, err)

	// the suppressed agent_end must not resolve the waiter
	select {
	case err := <-firstWait:
		assert.Error(t, err)
	case <-time.After(700 * time.Millisecond):
		t.Fatal("expected suppressed wait to time out")
	}
}

func TestClient_StopIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.Stop(2*time.Second))
	require.NoError(t, c.Stop(2*time.Second))
}

func TestClient_SendBeforeStartFails(t *testing.T) {
	c := New(Config{Command: "sh", Args: []string{"-c", "cat"}}, nil)
	_, err := c.Send(context.Background(), map[string]any{"type": "prompt"})
	assert.ErrorIs(t, err, ErrNotStarted)
}
