package feed

import (
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/util"
)

func init() {
	util.SetOutput(io.Discard)
}

var fixed = time.Date(2024, 1, 1, 12, 0, 0, 0, protocol.JST)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(func() time.Time { return fixed })
	addr, err := h.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, "ws://" + addr.String() + Path
}

func subscribe(t *testing.T, h *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Subscribers() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestPublish(t *testing.T) {
	h, url := startHub(t)
	a := subscribe(t, h, url, 1)
	b := subscribe(t, h, url, 2)

	h.Publish(true, protocol.MustNew(protocol.CodeQuakeInfo, 4, "sig", "exp", "head", "body"))

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, 551, ev.Code)
		assert.Equal(t, uint32(4), ev.Hop)
		assert.True(t, ev.Verified)
		assert.Equal(t, []string{"sig", "exp", "head", "body"}, ev.Data)
		assert.True(t, fixed.Equal(ev.ReceivedAt))
	}
}

func TestSubscriberLeaves(t *testing.T) {
	h, url := startHub(t)
	conn := subscribe(t, h, url, 1)

	conn.Close()
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing with nobody listening is a no-op.
	h.Publish(false, protocol.MustNew(protocol.CodeUserQuake, 1, "a", "b", "c"))
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := NewHub(nil)
	s := &subscriber{send: make(chan []byte, 1)}
	h.subs[s] = struct{}{}

	h.Publish(false, protocol.MustNew(protocol.CodeUserQuake, 1, "a", "b", "c"))
	assert.Equal(t, 1, h.Subscribers())

	h.Publish(false, protocol.MustNew(protocol.CodeUserQuake, 1, "d", "e", "f"))
	assert.Equal(t, 0, h.Subscribers())

	<-s.send
	_, open := <-s.send
	assert.False(t, open, "queue closed once dropped")
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	h, url := startHub(t)
	conn := subscribe(t, h, url, 1)

	require.NoError(t, h.Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
