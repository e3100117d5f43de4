package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-geochat/internal/geo"
	"github.com/npezzotti/go-geochat/internal/stats"
	"github.com/npezzotti/go-geochat/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultRoomId   = "global"
	DefaultName     = "Guest"
	maxRoomIdLength = 64
	maxNameLength   = 40
)

// errPresenceGone means the store no longer holds the user, e.g. after the
// presence key expired. The update is dropped.
var errPresenceGone = errors.New("presence not found")

type sessionState int

const (
	stateUnjoined sessionState = iota
	stateJoined
	stateDisconnected
)

func (s sessionState) String() string {
	switch s {
	case stateJoined:
		return "joined"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unjoined"
	}
}

// Session is the per-connection state machine. Transitions are serialized
// by mu; handlers of different connections run concurrently.
type Session struct {
	mu     sync.Mutex
	client subscriber
	connId string
	cs     *ChatServer
	log    zerolog.Logger

	state    sessionState
	roomId   string
	areaRoom string
	userId   string
	name     string

	disconnectOnce sync.Once
}

func newSession(client subscriber, connId string, cs *ChatServer, logger zerolog.Logger) *Session {
	return &Session{
		client: client,
		connId: connId,
		cs:     cs,
		log:    logger,
	}
}

type handlerFunc func(ctx context.Context, msg *ClientMessage) (Response, error)

func (s *Session) handle(msg *ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateDisconnected {
		return
	}

	switch msg.Event {
	case EventJoin:
		s.run(msg, ErrJoinFailed, s.join)
	case EventLocationUpdate:
		s.run(msg, nil, s.updateLocation)
	case EventChatMessage:
		s.run(msg, ErrMessageFailed, s.chat)
	default:
		s.client.queueMessage(ErrInvalidMessageFormat(msg.Id))
	}
}

// run executes a handler, converts its outcome into an ack when failure is
// non-nil and records it. A panic is reported as failure.
func (s *Session) run(msg *ClientMessage, failure error, h handlerFunc) {
	start := time.Now()
	ok := false

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("event", msg.Event).Interface("panic", r).Msg("session handler panicked")
			if failure != nil {
				s.client.queueMessage(ErrResponse(msg.Id, sessionError(failure, nil)))
			}
		}
		s.cs.record(msg.Event, time.Since(start), ok)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cs.opts.OpTimeout)
	defer cancel()

	resp, err := h(ctx, msg)
	if err != nil {
		s.logFailure(msg.Event, err)
		if failure != nil {
			var se *SessionError
			if !errors.As(err, &se) {
				err = sessionError(failure, err)
			}
			s.client.queueMessage(ErrResponse(msg.Id, err))
		}
		return
	}

	ok = true
	if failure != nil {
		s.client.queueMessage(NoErrOK(msg.Id, resp))
	}
}

func (s *Session) logFailure(event string, err error) {
	var se *SessionError
	switch {
	case errors.As(err, &se) && (se.Code() < 500):
		s.log.Debug().Err(err).Str("event", event).Str("user_id", s.userId).Msg("session event rejected")
	case errors.Is(err, errPresenceGone):
		s.log.Debug().Err(err).Str("event", event).Str("user_id", s.userId).Msg("dropping update")
	default:
		s.log.Error().Err(err).Str("event", event).Str("user_id", s.userId).Msg("session event failed")
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *Session) join(ctx context.Context, msg *ClientMessage) (Response, error) {
	var req JoinRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return Response{}, sessionError(ErrInvalidMessage, err)
	}

	if res := s.cs.opts.JoinLimit.Consume(ctx, s.cs.limiter, "join:"+s.connId); !res.Allowed {
		s.cs.incr(stats.RateLimited)
		return Response{}, rateLimited(res.RetryAfterSeconds)
	}

	if s.cs.validator == nil {
		return Response{}, sessionError(ErrAuthRequired, errors.New("no credential validator configured"))
	}
	id, err := s.cs.validator.Validate(ctx, req.Credential)
	if err != nil {
		return Response{}, sessionError(ErrAuthRequired, err)
	}
	if req.UserId != "" && req.UserId != id.UserId {
		return Response{}, sessionError(ErrAuthRequired, fmt.Errorf("user id %q does not match credential", req.UserId))
	}

	roomId := normalizeRoomId(req.RoomId)
	if geo.IsAreaRoom(roomId) {
		return Response{}, sessionError(ErrInvalidMessage, fmt.Errorf("cannot join area room %q", roomId))
	}
	name := truncate(strings.TrimSpace(req.Name), maxNameLength)
	if name == "" {
		name = DefaultName
	}

	if s.state == stateJoined {
		if s.roomId == roomId && s.userId == id.UserId {
			s.leaveArea()
		} else if err := s.leave(ctx); err != nil {
			s.log.Warn().Err(err).Str("room", s.roomId).Msg("failed to leave previous room")
		}
	}

	now := Now()
	p := types.Presence{
		UserId:      id.UserId,
		Name:        name,
		Identity:    req.Identity,
		ConnectedAt: now,
		UpdatedAt:   now,
	}

	member := s.state == stateJoined && s.roomId == roomId
	s.cs.subscribe(roomId, s.client)
	joined := false
	defer func() {
		if !joined && !member {
			s.cs.unsubscribe(roomId, s.client)
		}
	}()

	list, err := s.cs.store.UpsertUser(ctx, roomId, p)
	if err != nil {
		return Response{}, sessionError(ErrJoinFailed, err)
	}

	joined = true
	s.state = stateJoined
	s.roomId = roomId
	s.userId = id.UserId
	s.name = name

	s.cs.batcher.Enqueue(roomId, types.UpsertPatch(p, now))

	history, err := s.cs.store.GetMessages(ctx, roomId)
	if err != nil {
		s.log.Warn().Err(err).Str("room", roomId).Msg("failed to load history")
		history = []types.Message{}
	}

	s.client.queueMessage(Event(EventChatHistory, ChatHistory{RoomId: roomId, Messages: history}))
	s.client.queueMessage(Event(EventPresenceUpdate, types.PresenceList{RoomId: roomId, Users: []types.Presence{}}))
	s.cs.broadcastLocal(roomId, EventPresenceUpdate, types.PresenceList{RoomId: roomId, Users: list}, s.client)

	s.log.Info().Str("room", roomId).Str("user_id", id.UserId).Msg("joined room")
	return Response{RoomId: roomId, UserId: id.UserId}, nil
}

func (s *Session) updateLocation(ctx context.Context, msg *ClientMessage) (Response, error) {
	if s.state != stateJoined {
		return Response{}, sessionError(ErrNotJoined, nil)
	}

	var req LocationUpdate
	if err := decodeData(msg.Data, &req); err != nil {
		return Response{}, sessionError(ErrInvalidMessage, err)
	}
	if req.Lat == nil || req.Lng == nil || !finite(*req.Lat) || !finite(*req.Lng) {
		return Response{}, sessionError(ErrInvalidMessage, errors.New("coordinates must be numbers"))
	}

	if res := s.cs.opts.LocationLimit.Consume(ctx, s.cs.limiter, "location:"+s.userId); !res.Allowed {
		s.cs.incr(stats.RateLimited)
		return Response{}, rateLimited(res.RetryAfterSeconds)
	}

	loc := types.Location{Lat: *req.Lat, Lng: *req.Lng, UpdatedAt: Now()}
	list, ok, err := s.cs.store.UpdateLocation(ctx, s.roomId, s.userId, loc)
	if err != nil {
		return Response{}, fmt.Errorf("update location: %w", err)
	}
	if !ok {
		return Response{}, errPresenceGone
	}

	p, found := findPresence(list, s.userId)
	if !found {
		return Response{}, errPresenceGone
	}

	area, _ := s.cs.resolver.ResolveAreaRoom(s.roomId, loc.Lat, loc.Lng)
	previous := s.scope()
	next := s.roomId
	if area != "" {
		next = area
	}

	if next != previous {
		if s.areaRoom != "" {
			s.cs.unsubscribe(s.areaRoom, s.client)
		}
		if area != "" {
			s.cs.subscribe(area, s.client)
		}
		s.areaRoom = area
		s.cs.batcher.Enqueue(previous, types.RemovePatch(s.userId, loc.UpdatedAt))
	}
	s.cs.batcher.Enqueue(next, types.UpsertPatch(p, loc.UpdatedAt))

	if s.cs.opts.FullSyncOnLocation {
		update := types.PresenceList{RoomId: s.roomId, Users: list}
		s.cs.broadcastLocal(s.roomId, EventPresenceUpdate, update, nil)
		s.cs.publish(EventPresenceUpdate, s.roomId, update)
	}

	return Response{}, nil
}

func (s *Session) chat(ctx context.Context, msg *ClientMessage) (Response, error) {
	if s.state != stateJoined {
		return Response{}, sessionError(ErrNotJoined, nil)
	}

	var req ChatRequest
	if err := decodeData(msg.Data, &req); err != nil {
		return Response{}, sessionError(ErrInvalidMessage, err)
	}
	text := truncate(strings.TrimSpace(req.Text), s.cs.opts.MessageMaxLength)
	if text == "" {
		return Response{}, sessionError(ErrInvalidMessage, errors.New("empty message"))
	}

	if res := s.cs.opts.ChatLimit.Consume(ctx, s.cs.limiter, "chat:"+s.userId); !res.Allowed {
		s.cs.incr(stats.RateLimited)
		return Response{}, rateLimited(res.RetryAfterSeconds)
	}

	id, err := s.cs.newId()
	if err != nil {
		return Response{}, sessionError(ErrMessageFailed, fmt.Errorf("generate message id: %w", err))
	}

	m, err := s.cs.store.AppendMessage(ctx, s.roomId, types.Message{
		Id:        id,
		RoomId:    s.roomId,
		UserId:    s.userId,
		Name:      s.name,
		Text:      text,
		CreatedAt: Now(),
	})
	if err != nil {
		return Response{}, sessionError(ErrMessageFailed, err)
	}

	s.cs.broadcastLocal(s.roomId, EventChatNew, m, nil)
	return Response{MessageId: m.Id}, nil
}

// disconnect is the terminal transition. It runs at most once.
func (s *Session) disconnect() {
	s.disconnectOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		start := time.Now()
		ok := false
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("disconnect panicked")
			}
			s.state = stateDisconnected
			s.cs.record(EventDisconnect, time.Since(start), ok)
		}()

		if s.state == stateJoined {
			ctx, cancel := context.WithTimeout(context.Background(), s.cs.opts.OpTimeout)
			defer cancel()
			if err := s.leave(ctx); err != nil {
				s.log.Error().Err(err).Str("room", s.roomId).Msg("failed to remove presence")
				return
			}
		}
		ok = true
	})
}

// leave removes the user from its room and drops every subscription of the
// connection. The remove patch goes to the last active scope.
func (s *Session) leave(ctx context.Context) error {
	roomId, userId := s.roomId, s.userId

	list, err := s.cs.store.RemoveUser(ctx, roomId, userId)
	if err == nil {
		s.cs.broadcastLocal(roomId, EventPresenceUpdate, types.PresenceList{RoomId: roomId, Users: list}, s.client)
	}

	s.cs.batcher.Enqueue(s.scope(), types.RemovePatch(userId, Now()))
	if s.areaRoom != "" {
		s.cs.unsubscribe(s.areaRoom, s.client)
	}
	s.cs.unsubscribe(roomId, s.client)

	s.state = stateUnjoined
	s.roomId, s.areaRoom, s.userId, s.name = "", "", "", ""

	return err
}

// leaveArea drops the geo sub-room while staying in the base room.
func (s *Session) leaveArea() {
	if s.areaRoom == "" {
		return
	}
	s.cs.batcher.Enqueue(s.areaRoom, types.RemovePatch(s.userId, Now()))
	s.cs.unsubscribe(s.areaRoom, s.client)
	s.areaRoom = ""
}

// scope is the room that receives this user's presence patches.
func (s *Session) scope() string {
	if s.areaRoom != "" {
		return s.areaRoom
	}
	return s.roomId
}

func findPresence(list []types.Presence, userId string) (types.Presence, bool) {
	for _, p := range list {
		if p.UserId == userId {
			return p, true
		}
	}
	return types.Presence{}, false
}

func normalizeRoomId(id string) string {
	id = truncate(strings.TrimSpace(id), maxRoomIdLength)
	if id == "" {
		return DefaultRoomId
	}
	return id
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
