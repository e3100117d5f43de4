package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-geochat/internal/store"
	"github.com/npezzotti/go-geochat/internal/testutil"
	"github.com/npezzotti/go-geochat/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireFrame struct {
	Id        int             `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func newWsServer(t *testing.T, cs *ChatServer) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, cs, zerolog.Nop())
		if !cs.Register(c) {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) (wireFrame, []string) {
	t.Helper()

	var seen []string
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f wireFrame
		require.NoError(t, conn.ReadJSON(&f))
		seen = append(seen, f.Event)
		if f.Event == event {
			return f, seen
		}
	}
}

func TestClient_JoinAndChat(t *testing.T) {
	mem := store.NewMemory(store.Options{})
	cs := newTestChatServer(t, func(c *testServerConfig) { c.store = mem })
	go cs.Run()
	t.Cleanup(func() { shutdown(t, cs) })

	url := newWsServer(t, cs)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(joinFrame(t, 1, "plaza", "alice", "Alice")))
	ack, seen := readUntil(t, conn, EventAck)
	assert.Equal(t, []string{EventChatHistory, EventPresenceUpdate, EventAck}, seen)
	assert.Equal(t, 1, ack.Id)
	assert.False(t, ack.Timestamp.IsZero())

	var resp Response
	require.NoError(t, json.Unmarshal(ack.Data, &resp))
	assert.True(t, resp.Ok)
	assert.Equal(t, "plaza", resp.RoomId)

	require.NoError(t, conn.WriteJSON(chatFrame(t, 2, "hello")))
	msg, _ := readUntil(t, conn, EventChatNew)
	assert.Contains(t, string(msg.Data), `"text":"hello"`)
	ack, _ = readUntil(t, conn, EventAck)
	assert.Equal(t, 2, ack.Id)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errFrame, _ := readUntil(t, conn, EventError)
	require.NoError(t, json.Unmarshal(errFrame.Data, &resp))
	assert.Equal(t, http.StatusBadRequest, resp.ResponseCode)

	require.Eventually(t, func() bool { return len(cs.getClients()) == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()

	assert.Eventually(t, func() bool {
		return len(cs.getClients()) == 0 && !mem.HasRoom("plaza") && cs.getRoom("plaza") == nil
	}, 2*time.Second, 10*time.Millisecond, "expected disconnect to remove presence and the socket group")
}

func TestClient_FrameThrottle(t *testing.T) {
	cs := newTestChatServer(t, func(c *testServerConfig) {
		c.opts.FrameRate = 0.01
		c.opts.FrameBurst = 1
	})
	go cs.Run()
	t.Cleanup(func() { shutdown(t, cs) })

	conn := dial(t, newWsServer(t, cs))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":""}`)))
	f, _ := readUntil(t, conn, EventError)
	var resp Response
	require.NoError(t, json.Unmarshal(f.Data, &resp))
	assert.Equal(t, http.StatusBadRequest, resp.ResponseCode)

	require.NoError(t, conn.WriteJSON(chatFrame(t, 2, "hi")))
	f, _ = readUntil(t, conn, EventError)
	require.NoError(t, json.Unmarshal(f.Data, &resp))
	assert.Equal(t, http.StatusTooManyRequests, resp.ResponseCode)
}

func TestClient_ShutdownClosesSockets(t *testing.T) {
	cs := newTestChatServer(t)
	go cs.Run()

	conn := dial(t, newWsServer(t, cs))
	require.Eventually(t, func() bool { return len(cs.getClients()) == 1 }, time.Second, 5*time.Millisecond)

	shutdown(t, cs)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected a going away close, got %v", err)
}

// slowStore delays removals to stand in for a remote store round trip.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s *slowStore) RemoveUser(ctx context.Context, room, userId string) ([]types.Presence, error) {
	time.Sleep(s.delay)
	return s.Store.RemoveUser(ctx, room, userId)
}

func TestClient_ShutdownWaitsForDisconnect(t *testing.T) {
	mem := store.NewMemory(store.Options{})
	cs := newTestChatServer(t, func(c *testServerConfig) {
		c.store = &slowStore{Store: mem, delay: 50 * time.Millisecond}
	})
	watcher := &fakeSubscriber{}
	cs.subscribe("plaza", watcher)
	go cs.Run()

	conn := dial(t, newWsServer(t, cs))
	require.NoError(t, conn.WriteJSON(joinFrame(t, 1, "plaza", "alice", "Alice")))
	readUntil(t, conn, EventAck)
	require.True(t, mem.HasRoom("plaza"))

	shutdown(t, cs)

	assert.False(t, mem.HasRoom("plaza"), "expected presence to be removed before shutdown returns")

	var removed bool
	for _, b := range watcher.batches()["plaza"] {
		for _, p := range b.Patches {
			if p.UserId == "alice" && p.Type == types.PatchRemove {
				removed = true
			}
		}
	}
	assert.True(t, removed, "expected the remove patch to be flushed on shutdown")
}

func TestClient_QueueMessage(t *testing.T) {
	cs := newTestChatServer(t)
	c := NewClient(nil, cs, testutil.TestLogger(t))

	for i := 0; i < cap(c.send); i++ {
		require.True(t, c.queueMessage(Event(EventChatNew, i)))
	}
	assert.False(t, c.queueMessage(Event(EventChatNew, "overflow")), "expected a full queue to drop the frame")

	c.stopClient()
	assert.NotPanics(t, c.stopClient)
}
