package store

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-geochat/internal/types"
)

type room struct {
	mu       sync.Mutex
	presence map[string]types.Presence
	messages []types.Message
	// expireAt is set while the room has no presence but still holds
	// history.
	expireAt time.Time
	deleted  bool
}

func (r *room) expired(now time.Time) bool {
	return len(r.presence) == 0 && !r.expireAt.IsZero() && !now.Before(r.expireAt)
}

func (r *room) presenceList() []types.Presence {
	list := make([]types.Presence, 0, len(r.presence))
	for _, p := range r.presence {
		list = append(list, p)
	}
	return sortPresence(list)
}

// Memory is the single-instance store. Each room has its own lock so
// handlers for different rooms never contend.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*room
	opts  Options
	now   func() time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		rooms: make(map[string]*room),
		opts:  opts,
		now:   time.Now,
	}
}

func (m *Memory) Mode() string {
	return "memory"
}

// acquire returns the locked room, or nil when it does not exist and create
// is false. Lock order is room before store.
func (m *Memory) acquire(id string, create bool) *room {
	for {
		m.mu.RLock()
		r, ok := m.rooms[id]
		m.mu.RUnlock()

		if !ok {
			if !create {
				return nil
			}
			m.mu.Lock()
			r, ok = m.rooms[id]
			if !ok {
				r = &room{presence: make(map[string]types.Presence)}
				m.rooms[id] = r
			}
			m.mu.Unlock()
		}

		r.mu.Lock()
		if r.deleted {
			r.mu.Unlock()
			continue
		}
		if r.expired(m.now()) {
			m.drop(id, r)
			r.mu.Unlock()
			continue
		}

		return r
	}
}

// drop must be called with r.mu held.
func (m *Memory) drop(id string, r *room) {
	r.deleted = true
	m.mu.Lock()
	if m.rooms[id] == r {
		delete(m.rooms, id)
	}
	m.mu.Unlock()
}

func (m *Memory) UpsertUser(_ context.Context, id string, p types.Presence) ([]types.Presence, error) {
	r := m.acquire(id, true)
	defer r.mu.Unlock()

	if existing, ok := r.presence[p.UserId]; ok && p.UpdatedAt.Before(existing.UpdatedAt) {
		return r.presenceList(), nil
	}

	r.presence[p.UserId] = p
	r.expireAt = time.Time{}

	return r.presenceList(), nil
}

func (m *Memory) UpdateLocation(_ context.Context, id, userId string, loc types.Location) ([]types.Presence, bool, error) {
	r := m.acquire(id, false)
	if r == nil {
		return nil, false, nil
	}
	defer r.mu.Unlock()

	p, ok := r.presence[userId]
	if !ok {
		return nil, false, nil
	}

	p.Location = &loc
	p.UpdatedAt = loc.UpdatedAt
	r.presence[userId] = p

	return r.presenceList(), true, nil
}

func (m *Memory) RemoveUser(_ context.Context, id, userId string) ([]types.Presence, error) {
	r := m.acquire(id, false)
	if r == nil {
		return []types.Presence{}, nil
	}
	defer r.mu.Unlock()

	delete(r.presence, userId)
	if len(r.presence) > 0 {
		return r.presenceList(), nil
	}

	if len(r.messages) == 0 || m.opts.Retention <= 0 {
		m.drop(id, r)
	} else {
		r.expireAt = m.now().Add(m.opts.Retention)
	}

	return []types.Presence{}, nil
}

func (m *Memory) AppendMessage(_ context.Context, id string, msg types.Message) (types.Message, error) {
	r := m.acquire(id, true)
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	if limit := m.opts.historyLimit(); len(r.messages) > limit {
		r.messages = append([]types.Message(nil), r.messages[len(r.messages)-limit:]...)
	}

	if len(r.presence) == 0 && r.expireAt.IsZero() {
		r.expireAt = m.now().Add(m.opts.Retention)
	}

	return msg, nil
}

func (m *Memory) GetMessages(_ context.Context, id string) ([]types.Message, error) {
	r := m.acquire(id, false)
	if r == nil {
		return []types.Message{}, nil
	}
	defer r.mu.Unlock()

	return append([]types.Message{}, r.messages...), nil
}

// Sweep removes rooms whose retention has elapsed and returns how many were
// removed.
func (m *Memory) Sweep() int {
	m.mu.RLock()
	candidates := make(map[string]*room, len(m.rooms))
	for id, r := range m.rooms {
		candidates[id] = r
	}
	m.mu.RUnlock()

	now := m.now()
	removed := 0
	for id, r := range candidates {
		r.mu.Lock()
		if !r.deleted && r.expired(now) {
			m.drop(id, r)
			removed++
		}
		r.mu.Unlock()
	}

	return removed
}

// HasRoom reports whether any state is held for the room.
func (m *Memory) HasRoom(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[id]
	return ok
}
