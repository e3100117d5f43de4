// Package store keeps the presence set and the bounded message history of
// each room, either in process memory or in Redis shared by all instances.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/npezzotti/go-geochat/internal/types"
)

const (
	EventPresenceUpdate = "presence:update"
	EventChatNew        = "chat:new"

	DefaultHistoryLimit = 50
)

type Store interface {
	// UpsertUser inserts or replaces the presence for p.UserId and returns
	// the room's presence list.
	UpsertUser(ctx context.Context, room string, p types.Presence) ([]types.Presence, error)
	// UpdateLocation changes only the location of a present user. It
	// returns false when the user is not in the room.
	UpdateLocation(ctx context.Context, room, userId string, loc types.Location) ([]types.Presence, bool, error)
	// RemoveUser is idempotent. When the room empties its storage is
	// reclaimed.
	RemoveUser(ctx context.Context, room, userId string) ([]types.Presence, error)
	// AppendMessage appends to the room history, evicting the oldest
	// messages beyond capacity.
	AppendMessage(ctx context.Context, room string, m types.Message) (types.Message, error)
	// GetMessages returns the history in chronological order.
	GetMessages(ctx context.Context, room string) ([]types.Message, error)
	Mode() string
}

type Options struct {
	HistoryLimit int
	// Retention is how long the history of an empty room is kept. Zero
	// deletes it together with the presence set.
	Retention time.Duration
	// StateTTL bounds the lifetime of presence data that is no longer
	// written, e.g. after an instance crash. Redis only.
	StateTTL time.Duration
	KeyPrefix string
}

func (o Options) historyLimit() int {
	if o.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return o.HistoryLimit
}

func sortPresence(list []types.Presence) []types.Presence {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ConnectedAt.Before(list[j].ConnectedAt)
		}
		return list[i].UserId < list[j].UserId
	})
	return list
}
