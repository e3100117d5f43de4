package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoErrOK(t *testing.T) {
	msg := NoErrOK(3, Response{RoomId: "r"})

	assert.Equal(t, 3, msg.Id)
	assert.Equal(t, EventAck, msg.Event)
	resp := msg.Data.(Response)
	assert.True(t, resp.Ok)
	assert.Equal(t, http.StatusOK, resp.ResponseCode)
	assert.Equal(t, "r", resp.RoomId)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestErrResponse(t *testing.T) {
	tcases := []struct {
		name       string
		err        error
		code       int
		text       string
		retryAfter int
	}{
		{"auth", sessionError(ErrAuthRequired, fmt.Errorf("bad signature")), http.StatusUnauthorized, "authentication required", 0},
		{"rate limited", rateLimited(4), http.StatusTooManyRequests, "rate limited", 4},
		{"not joined", sessionError(ErrNotJoined, nil), http.StatusConflict, "not joined", 0},
		{"invalid", sessionError(ErrInvalidMessage, nil), http.StatusBadRequest, "invalid message", 0},
		{"join failed", sessionError(ErrJoinFailed, fmt.Errorf("redis down")), http.StatusInternalServerError, "join failed", 0},
		{"wrapped", fmt.Errorf("handler: %w", sessionError(ErrNotJoined, nil)), http.StatusConflict, "not joined", 0},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal server error", 0},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ErrResponse(9, tc.err)

			assert.Equal(t, 9, msg.Id)
			assert.Equal(t, EventAck, msg.Event)
			resp := msg.Data.(Response)
			assert.False(t, resp.Ok)
			assert.Equal(t, tc.code, resp.ResponseCode)
			assert.Equal(t, tc.text, resp.Error)
			assert.Equal(t, tc.retryAfter, resp.RetryAfterSec)
		})
	}
}

func TestSessionError(t *testing.T) {
	err := sessionError(ErrJoinFailed, fmt.Errorf("timeout"))

	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.Equal(t, "join failed: timeout", err.Error())
	assert.Equal(t, "not joined", sessionError(ErrNotJoined, nil).Error())
}

func TestErrInvalidMessageFormat(t *testing.T) {
	msg := ErrInvalidMessageFormat(0)
	assert.Equal(t, EventError, msg.Event)
	assert.Zero(t, msg.Id)
	assert.Equal(t, http.StatusBadRequest, msg.Data.(Response).ResponseCode)

	assert.Equal(t, 5, ErrInvalidMessageFormat(5).Id)
	assert.Equal(t, http.StatusTooManyRequests, ErrTooManyFrames().Data.(Response).ResponseCode)
}

func TestSerializeMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tcases := []struct {
		name     string
		msg      *ServerMessage
		expected string
	}{
		{
			name:     "event",
			msg:      &ServerMessage{Event: EventChatNew, Data: map[string]string{"text": "hi"}, Timestamp: ts},
			expected: `{"event":"chat:new","data":{"text":"hi"},"timestamp":"2024-05-01T12:00:00Z"}`,
		},
		{
			name:     "ack",
			msg:      &ServerMessage{Id: 2, Event: EventAck, Data: Response{Ok: true, ResponseCode: 200, RoomId: "r"}, Timestamp: ts},
			expected: `{"id":2,"event":"ack","data":{"ok":true,"responseCode":200,"roomId":"r"},"timestamp":"2024-05-01T12:00:00Z"}`,
		},
		{
			name:     "raw payload",
			msg:      &ServerMessage{Event: EventPresenceUpdate, Data: json.RawMessage(`{"roomId":"r","users":[]}`), Timestamp: ts},
			expected: `{"event":"presence:update","data":{"roomId":"r","users":[]},"timestamp":"2024-05-01T12:00:00Z"}`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := serializeMessage(tc.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tc.expected, string(b))
		})
	}
}

func TestClientMessage_Unmarshal(t *testing.T) {
	var msg ClientMessage
	err := json.Unmarshal([]byte(`{"id":4,"event":"chat:message","data":{"text":"hi"}}`), &msg)
	require.NoError(t, err)

	assert.Equal(t, 4, msg.Id)
	assert.Equal(t, EventChatMessage, msg.Event)

	var req ChatRequest
	require.NoError(t, decodeData(msg.Data, &req))
	assert.Equal(t, "hi", req.Text)

	var empty ChatRequest
	assert.NoError(t, decodeData(nil, &empty))
	assert.NoError(t, decodeData(json.RawMessage("null"), &empty))
}
