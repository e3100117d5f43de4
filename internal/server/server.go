package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-geochat/internal/auth"
	"github.com/npezzotti/go-geochat/internal/batcher"
	"github.com/npezzotti/go-geochat/internal/fanout"
	"github.com/npezzotti/go-geochat/internal/geo"
	"github.com/npezzotti/go-geochat/internal/ratelimit"
	"github.com/npezzotti/go-geochat/internal/stats"
	"github.com/npezzotti/go-geochat/internal/store"
	"github.com/npezzotti/go-geochat/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const defaultSweepInterval = time.Minute

type Options struct {
	JoinLimit     ratelimit.Rule
	LocationLimit ratelimit.Rule
	ChatLimit     ratelimit.Rule

	MessageMaxLength   int
	FlushInterval      time.Duration
	FullSyncOnLocation bool

	// FrameRate and FrameBurst throttle inbound frames per connection.
	// A zero FrameRate disables the throttle.
	FrameRate  float64
	FrameBurst int

	// OpTimeout bounds each store, limiter and broker call.
	OpTimeout     time.Duration
	SweepInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		JoinLimit:        ratelimit.Rule{Limit: 12, WindowSeconds: 60},
		LocationLimit:    ratelimit.Rule{Limit: 30, WindowSeconds: 10},
		ChatLimit:        ratelimit.Rule{Limit: 8, WindowSeconds: 10},
		MessageMaxLength: 500,
		FlushInterval:    batcher.DefaultInterval,
		FrameRate:        20,
		FrameBurst:       40,
		OpTimeout:        5 * time.Second,
		SweepInterval:    defaultSweepInterval,
	}
}

type Deps struct {
	Store     store.Store
	Limiter   ratelimit.Limiter
	Broker    fanout.Broker
	Validator auth.Validator
	Resolver  geo.Resolver
	Stats     stats.StatsProvider
}

// sweeper is implemented by stores that hold expiring state in process.
type sweeper interface {
	Sweep() int
}

type ChatServer struct {
	log       zerolog.Logger
	store     store.Store
	limiter   ratelimit.Limiter
	broker    fanout.Broker
	validator auth.Validator
	resolver  geo.Resolver
	stats     stats.StatsProvider
	batcher   *batcher.Batcher
	opts      Options
	newId     func() (string, error)

	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	clientsWg      sync.WaitGroup
	closing        bool
	rooms          map[string]*Room
	roomsLock      sync.RWMutex
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	done           chan struct{}
}

func NewChatServer(logger zerolog.Logger, deps Deps, opts Options) (*ChatServer, error) {
	if deps.Broker == nil {
		deps.Broker = fanout.NewDisabled()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory(store.Options{})
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewLocal()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.MessageMaxLength <= 0 {
		opts.MessageMaxLength = 500
	}

	cs := &ChatServer{
		log:            logger,
		store:          deps.Store,
		limiter:        deps.Limiter,
		broker:         deps.Broker,
		validator:      deps.Validator,
		resolver:       deps.Resolver,
		stats:          deps.Stats,
		opts:           opts,
		newId:          shortid.Generate,
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client, 64),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	cs.batcher = batcher.New(opts.FlushInterval, batcher.EmitterFunc(cs.emitBatch), cs.broker, logger)

	if cs.stats != nil {
		for _, name := range []string{stats.ActiveConnections, stats.TotalConnections, stats.ActiveRooms, stats.RateLimited, stats.RemoteEvents} {
			cs.stats.RegisterMetric(name)
		}
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	interval := cs.opts.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case client := <-cs.RegisterChan:
			cs.log.Debug().Str("conn_id", client.id).Msg("adding connection")
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Debug().Str("conn_id", client.id).Msg("removing connection")
			cs.removeClient(client)
		case <-ticker.C:
			if s, ok := cs.store.(sweeper); ok {
				if n := s.Sweep(); n > 0 {
					cs.log.Debug().Int("rooms", n).Msg("swept expired rooms")
				}
			}
		case <-cs.stop:
			cs.log.Info().Msg("flushing pending presence batches")
			cs.batcher.Stop()
			close(cs.done)
			return
		}
	}
}

// Register hands c to the run loop. It returns false once the server has
// shut down.
func (cs *ChatServer) Register(c *Client) bool {
	select {
	case cs.RegisterChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

// addClient tracks c until its read loop deregisters it. Clients arriving
// after Shutdown has begun are stopped instead.
func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if cs.closing {
		c.stopClient()
		return
	}
	cs.clients[c] = struct{}{}
	cs.clientsWg.Add(1)
	cs.incr(stats.ActiveConnections)
	cs.incr(stats.TotalConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.decr(stats.ActiveConnections)
		cs.clientsWg.Done()
	}
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// subscribe adds s to the local socket group of room, creating it on first
// use.
func (cs *ChatServer) subscribe(room string, s subscriber) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	r, ok := cs.rooms[room]
	if !ok {
		r = newRoom(room)
		cs.rooms[room] = r
		cs.incr(stats.ActiveRooms)
	}
	r.addClient(s)
}

// unsubscribe removes s from the room and drops the group once empty.
func (cs *ChatServer) unsubscribe(room string, s subscriber) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	r, ok := cs.rooms[room]
	if !ok {
		return
	}
	if r.removeClient(s) == 0 {
		delete(cs.rooms, room)
		cs.decr(stats.ActiveRooms)
	}
}

func (cs *ChatServer) getRoom(room string) *Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()
	return cs.rooms[room]
}

// broadcastLocal delivers an event to the sockets of this instance only.
func (cs *ChatServer) broadcastLocal(room, event string, payload any, skip subscriber) int {
	r := cs.getRoom(room)
	if r == nil {
		return 0
	}
	return r.broadcast(Event(event, payload), skip)
}

func (cs *ChatServer) emitBatch(room string, batch types.PresenceBatch) {
	cs.broadcastLocal(room, EventPresenceBatch, batch, nil)
}

// DeliverRemote re-emits an event published by another instance to the
// local sockets of its room.
func (cs *ChatServer) DeliverRemote(env fanout.Envelope) {
	if env.Room == "" || env.Event == "" {
		return
	}

	cs.incr(stats.RemoteEvents)
	cs.broadcastLocal(env.Room, env.Event, json.RawMessage(env.Payload), nil)
}

func (cs *ChatServer) publish(event, room string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), cs.opts.OpTimeout)
	defer cancel()

	if err := cs.broker.Publish(ctx, event, room, payload); err != nil {
		cs.log.Warn().Err(err).Str("event", event).Str("room", room).Msg("fanout publish failed")
	}
}

// Mode reports the active strategies, e.g. for health checks.
func (cs *ChatServer) Mode() map[string]any {
	return map[string]any{
		"store":      cs.store.Mode(),
		"ratelimit":  cs.limiter.Mode(),
		"fanout":     cs.broker.Enabled(),
		"instanceId": cs.broker.InstanceId(),
	}
}

// FlushInterval is the effective presence batch interval after clamping.
func (cs *ChatServer) FlushInterval() time.Duration {
	return cs.batcher.Interval()
}

func (cs *ChatServer) incr(name string) {
	if cs.stats != nil {
		cs.stats.Incr(name)
	}
}

func (cs *ChatServer) decr(name string) {
	if cs.stats != nil {
		cs.stats.Decr(name)
	}
}

func (cs *ChatServer) record(event string, d time.Duration, ok bool) {
	if cs.stats != nil {
		cs.stats.Record(event, d, ok)
	}
}

// Shutdown closes every connection and waits, bounded by ctx, for their
// disconnects to finish before flushing pending presence batches and
// stopping the run loop. The run loop is stopped even if ctx expires first.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	cs.clientsLock.Lock()
	cs.closing = true
	cs.clientsLock.Unlock()

	for _, c := range cs.getClients() {
		c.stopClient()
	}

	drained := make(chan struct{})
	go func() {
		cs.clientsWg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for connections to close: %w", ctx.Err())
		cs.log.Warn().Int("connections", len(cs.getClients())).Msg("shutdown deadline reached before all connections closed")
	}

	close(cs.stop)
	<-cs.done

	return err
}
