package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(id string) *Client {
	return NewClient(id, nil, ClientOptions{}, zap.NewNop())
}

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop())
	go hub.Run()
	t.Cleanup(hub.Close)
	return hub
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.RegisterClient(c)
	require.Eventually(t, func() bool {
		_, ok := hub.GetClient(c.ID)
		return ok
	}, time.Second, time.Millisecond)
}

func TestSendMessageNeverBlocks(t *testing.T) {
	c := newTestClient("c1")

	for i := 0; i < cap(c.Send); i++ {
		c.SendMessage(Message{Type: MessageTypeHeartbeatAck})
	}
	assert.Equal(t, cap(c.Send), len(c.Send))

	done := make(chan struct{})
	go func() {
		// Buffer is full; this send must drop, not block.
		c.SendMessage(Message{Type: MessageTypeHeartbeatAck})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendMessage blocked on a full buffer")
	}
	assert.Equal(t, cap(c.Send), len(c.Send))
}

func TestSendEventAndError(t *testing.T) {
	c := newTestClient("c1")

	c.SendEvent(MessageTypeUserJoin, map[string]string{"userId": "alice"})
	msg := <-c.Send
	assert.Equal(t, MessageTypeUserJoin, msg.Type)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "alice", payload["userId"])

	c.SendError(409, "target already has an active session")
	msg = <-c.Send
	assert.Equal(t, MessageTypeError, msg.Type)

	var errMsg ErrorMessage
	require.NoError(t, json.Unmarshal(msg.Data, &errMsg))
	assert.Equal(t, 409, errMsg.Code)
	assert.Equal(t, "target already has an active session", errMsg.Message)
	assert.Positive(t, errMsg.Timestamp, "error replies carry their own timestamp")
}

func TestTouchAndSilentFor(t *testing.T) {
	c := newTestClient("c1")

	c.Touch()
	assert.Less(t, c.SilentFor(time.Now()), time.Second)
	assert.Greater(t, c.SilentFor(time.Now().Add(time.Minute)), 30*time.Second)
}

func TestHubRegistration(t *testing.T) {
	hub := newRunningHub(t)

	c1 := newTestClient("c1")
	c1.SetIdentity("alice", "Alice", "123456")
	registerAndWait(t, hub, c1)

	c2 := newTestClient("c2")
	c2.SetIdentity("bob", "Bob", "123456")
	registerAndWait(t, hub, c2)

	c3 := newTestClient("c3")
	c3.SetIdentity("carol", "Carol", "654321")
	registerAndWait(t, hub, c3)

	assert.Equal(t, 3, hub.Count())

	got, ok := hub.GetClientByUserID("bob")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID)
	_, ok = hub.GetClientByUserID("ghost")
	assert.False(t, ok)

	assert.Len(t, hub.GetClientsByRoom("123456"), 2)
	assert.Empty(t, hub.GetClientsByRoom("000000"))
	assert.Len(t, hub.Clients(), 3)
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := newRunningHub(t)

	c := newTestClient("c1")
	registerAndWait(t, hub, c)

	hub.UnregisterClient(c)
	require.Eventually(t, func() bool {
		_, ok := hub.GetClient(c.ID)
		return !ok
	}, time.Second, time.Millisecond)

	_, open := <-c.Send
	assert.False(t, open, "unregistering must close the send channel")

	// Sends after close are silently dropped.
	c.SendMessage(Message{Type: MessageTypeHeartbeatAck})

	// A second unregister of the same client is harmless.
	hub.UnregisterClient(c)
}

func TestDisconnectClientsByUserID(t *testing.T) {
	hub := newRunningHub(t)

	stale := newTestClient("old")
	stale.SetIdentity("alice", "Alice", "123456")
	registerAndWait(t, hub, stale)

	fresh := newTestClient("new")
	fresh.SetIdentity("alice", "Alice", "123456")
	registerAndWait(t, hub, fresh)

	hub.DisconnectClientsByUserID("alice", "new")

	require.Eventually(t, func() bool {
		_, ok := hub.GetClient("old")
		return !ok
	}, time.Second, time.Millisecond)

	got, ok := hub.GetClientByUserID("alice")
	require.True(t, ok)
	assert.Equal(t, "new", got.ID)
}

func TestIdentityConcurrentWithLookups(t *testing.T) {
	hub := newRunningHub(t)

	c := newTestClient("c1")
	c.SetIdentity("alice", "Alice", "111111")
	registerAndWait(t, hub, c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				c.SetIdentity("alice", "Alice", "111111")
			} else {
				c.SetIdentity("alice", "Alice", "222222")
			}
		}
	}()

	// Lookups race the identity writes above; the race detector verifies
	// the accessors synchronize them.
	for i := 0; i < 1000; i++ {
		hub.GetClientByUserID("alice")
		hub.GetClientsByRoom("111111")
		_ = c.RoomID()
	}
	<-done

	got, ok := hub.GetClientByUserID("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID)
}
