package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-geochat/internal/types"
)

const (
	EventJoin           = "room:join"
	EventLocationUpdate = "location:update"
	EventChatMessage    = "chat:message"
	EventDisconnect     = "disconnect"

	EventAck            = "ack"
	EventError          = "error"
	EventChatHistory    = "chat:history"
	EventChatNew        = "chat:new"
	EventPresenceUpdate = "presence:update"
	EventPresenceBatch  = "presence:batch"
)

// ClientMessage is a frame received from a socket.
type ClientMessage struct {
	Id    int             `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is a frame written to a socket.
type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the payload of an ack frame.
type Response struct {
	Ok            bool   `json:"ok"`
	ResponseCode  int    `json:"responseCode"`
	Error         string `json:"error,omitempty"`
	RetryAfterSec int    `json:"retryAfterSec,omitempty"`
	RoomId        string `json:"roomId,omitempty"`
	UserId        string `json:"userId,omitempty"`
	MessageId     string `json:"id,omitempty"`
}

type JoinRequest struct {
	RoomId     string          `json:"roomId"`
	UserId     string          `json:"userId"`
	Name       string          `json:"name"`
	Credential string          `json:"credential"`
	Identity   json.RawMessage `json:"identity,omitempty"`
}

// LocationUpdate uses pointers so missing coordinates can be told apart
// from zero.
type LocationUpdate struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

type ChatHistory struct {
	RoomId   string          `json:"roomId"`
	Messages []types.Message `json:"messages"`
}

func Event(event string, data any) *ServerMessage {
	return &ServerMessage{
		Event:     event,
		Data:      data,
		Timestamp: Now(),
	}
}

func NoErrOK(id int, resp Response) *ServerMessage {
	resp.Ok = true
	resp.ResponseCode = http.StatusOK
	return &ServerMessage{
		Id:        id,
		Event:     EventAck,
		Data:      resp,
		Timestamp: Now(),
	}
}

func ErrInternalError(id int) *ServerMessage {
	return errorMessage(id, EventAck, http.StatusInternalServerError, "internal server error", 0)
}

func ErrInvalidMessageFormat(id int) *ServerMessage {
	msg := errorMessage(0, EventError, http.StatusBadRequest, "invalid message format", 0)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrTooManyFrames() *ServerMessage {
	return errorMessage(0, EventError, http.StatusTooManyRequests, "too many messages", 0)
}

func errorMessage(id int, event string, code int, text string, retryAfter int) *ServerMessage {
	return &ServerMessage{
		Id:    id,
		Event: event,
		Data: Response{
			ResponseCode:  code,
			Error:         text,
			RetryAfterSec: retryAfter,
		},
		Timestamp: Now(),
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
