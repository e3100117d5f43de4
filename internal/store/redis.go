package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/npezzotti/go-geochat/internal/fanout"
	"github.com/npezzotti/go-geochat/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setIfPresentScript replaces a presence field only if it still exists, so a
// location update racing a removal cannot resurrect the user.
var setIfPresentScript = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
		redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
		return 1
	end
	return 0
`)

// removeScript deletes a presence field and reclaims the room once the
// presence set is empty. ARGV[2] is the history retention in ms; 0 deletes
// the history immediately.
var removeScript = redis.NewScript(`
	redis.call('HDEL', KEYS[1], ARGV[1])
	local remaining = redis.call('HLEN', KEYS[1])
	if remaining == 0 then
		redis.call('DEL', KEYS[1])
		local retention = tonumber(ARGV[2])
		if retention > 0 then
			redis.call('PEXPIRE', KEYS[2], retention)
		else
			redis.call('DEL', KEYS[2])
		end
	end
	return remaining
`)

const maxUpsertRetries = 5

// Redis keeps room state in a Redis instance shared by all server instances
// and publishes presence and chat changes through the fanout publisher. If
// Redis becomes unreachable it falls back to an in-memory store for the
// rest of the process lifetime.
type Redis struct {
	client   redis.UniversalClient
	pub      fanout.Publisher
	opts     Options
	log      zerolog.Logger
	fallback *Memory
	degraded atomic.Bool
}

func NewRedis(client redis.UniversalClient, pub fanout.Publisher, opts Options, logger zerolog.Logger) *Redis {
	return &Redis{
		client:   client,
		pub:      pub,
		opts:     opts,
		log:      logger,
		fallback: NewMemory(opts),
	}
}

func (s *Redis) Mode() string {
	if s.degraded.Load() {
		return s.fallback.Mode()
	}
	return "redis"
}

// Sweep expires rooms held by the in-process fallback. Redis expires its own
// keys.
func (s *Redis) Sweep() int {
	return s.fallback.Sweep()
}

func (s *Redis) presenceKey(room string) string {
	return s.opts.KeyPrefix + "room:" + room + ":presence"
}

func (s *Redis) messagesKey(room string) string {
	return s.opts.KeyPrefix + "room:" + room + ":messages"
}

func (s *Redis) degrade(op string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Error().Err(err).Str("op", op).Msg("room store lost redis, falling back to memory")
	}
}

func (s *Redis) publish(ctx context.Context, event, room string, payload any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, event, room, payload); err != nil {
		s.log.Warn().Err(err).Str("event", event).Str("room", room).Msg("fanout publish failed")
	}
}

func (s *Redis) UpsertUser(ctx context.Context, room string, p types.Presence) ([]types.Presence, error) {
	if s.degraded.Load() {
		return s.fallback.UpsertUser(ctx, room, p)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal presence: %w", err)
	}

	list, err := s.upsertUser(ctx, room, p, data)
	if err != nil {
		s.degrade("upsert_user", err)
		return s.fallback.UpsertUser(ctx, room, p)
	}

	s.publish(ctx, EventPresenceUpdate, room, types.PresenceList{RoomId: room, Users: list})
	return list, nil
}

// upsertUser writes the presence unless the stored one has a later UpdatedAt.
// The comparison runs under WATCH so a concurrent write from another
// instance retries the transaction.
func (s *Redis) upsertUser(ctx context.Context, room string, p types.Presence, data []byte) ([]types.Presence, error) {
	pKey, mKey := s.presenceKey(room), s.messagesKey(room)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, pKey, p.UserId).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var existing types.Presence
			if json.Unmarshal(raw, &existing) == nil && p.UpdatedAt.Before(existing.UpdatedAt) {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, pKey, p.UserId, data)
			if s.opts.StateTTL > 0 {
				pipe.Expire(ctx, pKey, s.opts.StateTTL)
				pipe.Expire(ctx, mKey, s.opts.StateTTL)
			} else {
				pipe.Persist(ctx, mKey)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxUpsertRetries; i++ {
		if err = s.client.Watch(ctx, txf, pKey); !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case errors.Is(err, redis.TxFailedErr):
		s.log.Warn().Str("room", room).Str("user_id", p.UserId).Msg("presence upsert lost to concurrent writers")
	case err != nil:
		return nil, fmt.Errorf("hset presence: %w", err)
	}

	return s.presenceList(ctx, room)
}

func (s *Redis) UpdateLocation(ctx context.Context, room, userId string, loc types.Location) ([]types.Presence, bool, error) {
	if s.degraded.Load() {
		return s.fallback.UpdateLocation(ctx, room, userId, loc)
	}

	list, ok, err := s.updateLocation(ctx, room, userId, loc)
	if err != nil {
		s.degrade("update_location", err)
		return s.fallback.UpdateLocation(ctx, room, userId, loc)
	}

	return list, ok, nil
}

func (s *Redis) updateLocation(ctx context.Context, room, userId string, loc types.Location) ([]types.Presence, bool, error) {
	key := s.presenceKey(room)

	raw, err := s.client.HGet(ctx, key, userId).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hget presence: %w", err)
	}

	var p types.Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn().Err(err).Str("room", room).Str("user_id", userId).Msg("discarding unreadable presence")
		return nil, false, nil
	}

	p.Location = &loc
	p.UpdatedAt = loc.UpdatedAt
	data, err := json.Marshal(p)
	if err != nil {
		return nil, false, nil
	}

	set, err := setIfPresentScript.Run(ctx, s.client, []string{key}, userId, data).Int()
	if err != nil {
		return nil, false, fmt.Errorf("set presence: %w", err)
	}
	if set == 0 {
		return nil, false, nil
	}

	list, err := s.presenceList(ctx, room)
	if err != nil {
		return nil, false, err
	}

	return list, true, nil
}

func (s *Redis) RemoveUser(ctx context.Context, room, userId string) ([]types.Presence, error) {
	if s.degraded.Load() {
		return s.fallback.RemoveUser(ctx, room, userId)
	}

	list, err := s.removeUser(ctx, room, userId)
	if err != nil {
		s.degrade("remove_user", err)
		return s.fallback.RemoveUser(ctx, room, userId)
	}

	s.publish(ctx, EventPresenceUpdate, room, types.PresenceList{RoomId: room, Users: list})
	return list, nil
}

func (s *Redis) removeUser(ctx context.Context, room, userId string) ([]types.Presence, error) {
	keys := []string{s.presenceKey(room), s.messagesKey(room)}

	remaining, err := removeScript.Run(ctx, s.client, keys, userId, s.opts.Retention.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("remove presence: %w", err)
	}
	if remaining == 0 {
		return []types.Presence{}, nil
	}

	return s.presenceList(ctx, room)
}

func (s *Redis) presenceList(ctx context.Context, room string) ([]types.Presence, error) {
	fields, err := s.client.HGetAll(ctx, s.presenceKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall presence: %w", err)
	}

	list := make([]types.Presence, 0, len(fields))
	for userId, raw := range fields {
		var p types.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.log.Warn().Err(err).Str("room", room).Str("user_id", userId).Msg("discarding unreadable presence")
			continue
		}
		list = append(list, p)
	}

	return sortPresence(list), nil
}

func (s *Redis) AppendMessage(ctx context.Context, room string, m types.Message) (types.Message, error) {
	if s.degraded.Load() {
		return s.fallback.AppendMessage(ctx, room, m)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return types.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	key := s.messagesKey(room)
	limit := int64(s.opts.historyLimit())

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -limit, -1)
		if s.opts.StateTTL > 0 {
			pipe.Expire(ctx, key, s.opts.StateTTL)
		}
		return nil
	})
	if err != nil {
		s.degrade("append_message", err)
		return s.fallback.AppendMessage(ctx, room, m)
	}

	s.publish(ctx, EventChatNew, room, m)
	return m, nil
}

func (s *Redis) GetMessages(ctx context.Context, room string) ([]types.Message, error) {
	if s.degraded.Load() {
		return s.fallback.GetMessages(ctx, room)
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(room), 0, -1).Result()
	if err != nil {
		s.degrade("get_messages", err)
		return s.fallback.GetMessages(ctx, room)
	}

	msgs := make([]types.Message, 0, len(raw))
	for _, r := range raw {
		var m types.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}

	return msgs, nil
}
