// Package batcher coalesces presence patches per room and delivers them as a
// single presence:batch event on a timer, so the broadcast rate of a room is
// bounded by the flush interval instead of the update rate of its members.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-geochat/internal/fanout"
	"github.com/npezzotti/go-geochat/internal/types"
	"github.com/rs/zerolog"
)

const (
	EventPresenceBatch = "presence:batch"

	MinInterval     = 80 * time.Millisecond
	MaxInterval     = 1000 * time.Millisecond
	DefaultInterval = 200 * time.Millisecond
)

// Emitter delivers a batch to the sockets connected to this instance.
type Emitter interface {
	EmitBatch(room string, batch types.PresenceBatch)
}

type EmitterFunc func(room string, batch types.PresenceBatch)

func (f EmitterFunc) EmitBatch(room string, batch types.PresenceBatch) {
	f(room, batch)
}

type pending struct {
	patches map[string]types.Patch
	order   []string
	timer   *time.Timer
}

type Batcher struct {
	mu       sync.Mutex
	rooms    map[string]*pending
	interval time.Duration
	emitter  Emitter
	pub      fanout.Publisher
	timeout  time.Duration
	log      zerolog.Logger
	stopped  bool
	now      func() time.Time
}

// ClampInterval bounds a flush interval to [MinInterval, MaxInterval].
func ClampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultInterval
	}
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

func New(interval time.Duration, emitter Emitter, pub fanout.Publisher, logger zerolog.Logger) *Batcher {
	return &Batcher{
		rooms:    make(map[string]*pending),
		interval: ClampInterval(interval),
		emitter:  emitter,
		pub:      pub,
		timeout:  2 * time.Second,
		log:      logger,
		now:      time.Now,
	}
}

func (b *Batcher) Interval() time.Duration {
	return b.interval
}

// Enqueue replaces any pending patch for the same user in the room. The
// first patch of a quiet room arms the flush timer.
func (b *Batcher) Enqueue(room string, patch types.Patch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	p, ok := b.rooms[room]
	if !ok {
		p = &pending{patches: make(map[string]types.Patch)}
		b.rooms[room] = p
	}

	if _, exists := p.patches[patch.UserId]; !exists {
		p.order = append(p.order, patch.UserId)
	}
	p.patches[patch.UserId] = patch

	if p.timer == nil {
		p.timer = time.AfterFunc(b.interval, func() { b.Flush(room) })
	}
}

// Pending returns the number of patches waiting for the room's next flush.
func (b *Batcher) Pending(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.rooms[room]; ok {
		return len(p.patches)
	}
	return 0
}

// Timers returns the number of rooms with an armed flush timer.
func (b *Batcher) Timers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, p := range b.rooms {
		if p.timer != nil {
			n++
		}
	}
	return n
}

func (b *Batcher) take(room string) []types.Patch {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.rooms[room]
	if !ok {
		return nil
	}
	delete(b.rooms, room)

	if p.timer != nil {
		p.timer.Stop()
	}

	patches := make([]types.Patch, 0, len(p.order))
	for _, userId := range p.order {
		patches = append(patches, p.patches[userId])
	}
	return patches
}

// Flush delivers the room's pending patches now. It is a no-op when nothing
// is pending.
func (b *Batcher) Flush(room string) {
	patches := b.take(room)
	if len(patches) == 0 {
		return
	}

	batch := types.PresenceBatch{
		RoomId:  room,
		Patches: patches,
		At:      b.now(),
	}

	if b.emitter != nil {
		b.emitter.EmitBatch(room, batch)
	}

	if b.pub == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.pub.Publish(ctx, EventPresenceBatch, room, batch); err != nil {
		b.log.Warn().Err(err).Str("room", room).Msg("failed to publish presence batch")
	}
}

// Stop cancels all timers and flushes whatever is pending. Enqueue is a
// no-op afterwards.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	rooms := make([]string, 0, len(b.rooms))
	for room := range b.rooms {
		rooms = append(rooms, room)
	}
	b.mu.Unlock()

	for _, room := range rooms {
		b.Flush(room)
	}
}
