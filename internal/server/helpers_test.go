package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-geochat/internal/auth"
	"github.com/npezzotti/go-geochat/internal/batcher"
	"github.com/npezzotti/go-geochat/internal/geo"
	"github.com/npezzotti/go-geochat/internal/ratelimit"
	"github.com/npezzotti/go-geochat/internal/store"
	"github.com/npezzotti/go-geochat/internal/testutil"
	"github.com/npezzotti/go-geochat/internal/types"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

type fakeSubscriber struct {
	mu   sync.Mutex
	msgs []*ServerMessage
	full bool
}

func (f *fakeSubscriber) queueMessage(msg *ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeSubscriber) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		events = append(events, m.Event)
	}
	return events
}

func (f *fakeSubscriber) take(event string) []*ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ServerMessage
	for _, m := range f.msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSubscriber) last(t *testing.T, event string) *ServerMessage {
	t.Helper()
	msgs := f.take(event)
	require.NotEmpty(t, msgs, "expected a %q frame", event)
	return msgs[len(msgs)-1]
}

func (f *fakeSubscriber) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

// batches returns every presence batch received, keyed by room.
func (f *fakeSubscriber) batches() map[string][]types.PresenceBatch {
	out := map[string][]types.PresenceBatch{}
	for _, m := range f.take(EventPresenceBatch) {
		b := m.Data.(types.PresenceBatch)
		out[b.RoomId] = append(out[b.RoomId], b)
	}
	return out
}

func ackOf(t *testing.T, msg *ServerMessage) Response {
	t.Helper()
	require.Equal(t, EventAck, msg.Event)
	resp, ok := msg.Data.(Response)
	require.True(t, ok, "expected ack data to be a Response")
	return resp
}

type testServerConfig struct {
	opts      Options
	storeOpts store.Options
	store     store.Store
	deps      func(*Deps)
}

func newTestChatServer(t *testing.T, mutate ...func(*testServerConfig)) *ChatServer {
	t.Helper()

	cfg := &testServerConfig{opts: DefaultOptions()}
	cfg.opts.FlushInterval = batcher.MaxInterval
	cfg.opts.FrameRate = 0
	for _, m := range mutate {
		m(cfg)
	}
	if cfg.store == nil {
		cfg.store = store.NewMemory(cfg.storeOpts)
	}

	deps := Deps{
		Store:     cfg.store,
		Limiter:   ratelimit.NewLocal(),
		Validator: auth.NewJWTValidator(testKey),
		Resolver:  geo.NewResolver(8),
	}
	if cfg.deps != nil {
		cfg.deps(&deps)
	}

	cs, err := NewChatServer(testutil.TestLogger(t), deps, cfg.opts)
	require.NoError(t, err)
	t.Cleanup(cs.batcher.Stop)

	return cs
}

func shutdown(t *testing.T, cs *ChatServer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))
}

func newTestSession(t *testing.T, cs *ChatServer, connId string) (*Session, *fakeSubscriber) {
	t.Helper()
	sub := &fakeSubscriber{}
	return newSession(sub, connId, cs, testutil.TestLogger(t)), sub
}

func credential(t *testing.T, userId string) string {
	t.Helper()
	c, err := auth.Sign(testKey, auth.Identity{UserId: userId, SessionId: "s-" + userId}, time.Hour)
	require.NoError(t, err)
	return c
}

func frame(t *testing.T, id int, event string, data any) *ClientMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &ClientMessage{Id: id, Event: event, Data: raw}
}

func joinFrame(t *testing.T, id int, room, userId, name string) *ClientMessage {
	t.Helper()
	return frame(t, id, EventJoin, JoinRequest{
		RoomId:     room,
		UserId:     userId,
		Name:       name,
		Credential: credential(t, userId),
	})
}

func locationFrame(t *testing.T, lat, lng float64) *ClientMessage {
	t.Helper()
	return frame(t, 0, EventLocationUpdate, LocationUpdate{Lat: &lat, Lng: &lng})
}

func chatFrame(t *testing.T, id int, text string) *ClientMessage {
	t.Helper()
	return frame(t, id, EventChatMessage, ChatRequest{Text: text})
}

// join runs a successful join and clears the frames it produced.
func join(t *testing.T, s *Session, sub *fakeSubscriber, room, userId string) {
	t.Helper()
	s.handle(joinFrame(t, 1, room, userId, "user "+userId))
	require.True(t, ackOf(t, sub.last(t, EventAck)).Ok, "expected join of %s to succeed", userId)
	sub.reset()
}
