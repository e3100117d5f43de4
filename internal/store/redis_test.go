package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-geochat/internal/testutil"
	"github.com/npezzotti/go-geochat/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publication struct {
	event   string
	room    string
	payload any
}

type recordingPublisher struct {
	mu   sync.Mutex
	pubs []publication
}

func (p *recordingPublisher) Publish(_ context.Context, event, room string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, publication{event: event, room: room, payload: payload})
	return nil
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]string, 0, len(p.pubs))
	for _, pub := range p.pubs {
		events = append(events, pub.event)
	}
	return events
}

func newRedisStore(t *testing.T, opts Options) (*Redis, *redis.Client, *recordingPublisher) {
	t.Helper()

	client, prefix := testutil.RedisClient(t)
	opts.KeyPrefix = prefix
	pub := &recordingPublisher{}

	return NewRedis(client, pub, opts, testutil.TestLogger(t)), client, pub
}

func TestRedis_PresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	s, client, pub := newRedisStore(t, Options{StateTTL: time.Hour})
	now := time.Now().UTC()

	list, err := s.UpsertUser(ctx, "global", presence("a", now))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, userIds(list))

	list, err = s.UpsertUser(ctx, "global", presence("b", now.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, userIds(list))

	ttl, err := client.TTL(ctx, s.presenceKey("global")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "expected presence key to carry the state TTL")

	loc := types.Location{Lat: 10, Lng: 20, UpdatedAt: now.Add(2 * time.Second)}
	list, ok, err := s.UpdateLocation(ctx, "global", "b", loc)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, list, 2)
	require.NotNil(t, list[1].Location)
	assert.Equal(t, 20.0, list[1].Location.Lng)

	_, ok, err = s.UpdateLocation(ctx, "global", "nobody", loc)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err = s.RemoveUser(ctx, "global", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, userIds(list))

	list, err = s.RemoveUser(ctx, "global", "b")
	require.NoError(t, err)
	assert.Empty(t, list)

	n, err := client.Exists(ctx, s.presenceKey("global")).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "expected empty presence set to be deleted")

	_, ok, err = s.UpdateLocation(ctx, "global", "b", loc)
	require.NoError(t, err)
	assert.False(t, ok, "expected removed user not to be resurrected")

	assert.Equal(t, []string{
		EventPresenceUpdate, EventPresenceUpdate, EventPresenceUpdate, EventPresenceUpdate,
	}, pub.events())
	assert.Equal(t, "redis", s.Mode())
}

func TestRedis_UpsertDropsStaleWrite(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newRedisStore(t, Options{})
	base := time.Now().UTC()

	renamed := presence("a", base)
	renamed.Name = "renamed"
	renamed.UpdatedAt = base.Add(time.Minute)
	_, err := s.UpsertUser(ctx, "global", renamed)
	require.NoError(t, err)

	stale := presence("a", base)
	stale.Name = "stale"
	list, err := s.UpsertUser(ctx, "global", stale)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name, "expected older write to lose")

	newer := presence("a", base)
	newer.Name = "newer"
	newer.UpdatedAt = base.Add(2 * time.Minute)
	list, err = s.UpsertUser(ctx, "global", newer)
	require.NoError(t, err)
	assert.Equal(t, "newer", list[0].Name)
	assert.Equal(t, "redis", s.Mode())
}

func TestRedis_History(t *testing.T) {
	ctx := context.Background()
	s, client, pub := newRedisStore(t, Options{HistoryLimit: 2, Retention: time.Minute})

	_, err := s.UpsertUser(ctx, "r", presence("a", time.Now()))
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		_, err := s.AppendMessage(ctx, "r", types.Message{Id: id, RoomId: "r", UserId: "a", Text: "msg " + id})
		require.NoError(t, err)
	}

	msgs, err := s.GetMessages(ctx, "r")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].Id)
	assert.Equal(t, "3", msgs[1].Id)

	_, err = s.RemoveUser(ctx, "r", "a")
	require.NoError(t, err)

	msgs, err = s.GetMessages(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "expected history to outlive presence")

	ttl, err := client.PTTL(ctx, s.messagesKey("r")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	assert.Contains(t, pub.events(), EventChatNew)
}

func TestRedis_HistoryDeletedWithoutRetention(t *testing.T) {
	ctx := context.Background()
	s, client, _ := newRedisStore(t, Options{})

	_, err := s.UpsertUser(ctx, "r", presence("a", time.Now()))
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "r", types.Message{Id: "1"})
	require.NoError(t, err)
	_, err = s.RemoveUser(ctx, "r", "a")
	require.NoError(t, err)

	n, err := client.Exists(ctx, s.messagesKey("r")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedis_SkipsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	s, client, _ := newRedisStore(t, Options{})

	require.NoError(t, client.RPush(ctx, s.messagesKey("r"), "{broken").Err())
	data, err := json.Marshal(types.Message{Id: "ok"})
	require.NoError(t, err)
	require.NoError(t, client.RPush(ctx, s.messagesKey("r"), data).Err())

	msgs, err := s.GetMessages(ctx, "r")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Id)

	require.NoError(t, client.HSet(ctx, s.presenceKey("r"), "bad", "{broken").Err())
	_, ok, err := s.UpdateLocation(ctx, "r", "bad", types.Location{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_FallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	pub := &recordingPublisher{}
	s := NewRedis(client, pub, Options{}, testutil.TestLogger(t))
	assert.Equal(t, "redis", s.Mode())

	list, err := s.UpsertUser(ctx, "r", presence("a", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, userIds(list))
	assert.Equal(t, "memory", s.Mode())

	_, err = s.AppendMessage(ctx, "r", types.Message{Id: "1"})
	require.NoError(t, err)

	msgs, err := s.GetMessages(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	assert.Empty(t, pub.events(), "expected no publications while degraded")
}
