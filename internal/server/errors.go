package server

import (
	"errors"
	"net/http"
)

var (
	ErrAuthRequired   = errors.New("authentication required")
	ErrRateLimited    = errors.New("rate limited")
	ErrJoinFailed     = errors.New("join failed")
	ErrMessageFailed  = errors.New("message failed")
	ErrNotJoined      = errors.New("not joined")
	ErrInvalidMessage = errors.New("invalid message")
)

// SessionError is a failure that is reported to the client. Err is one of
// the sentinel errors above; Cause is logged but never sent.
type SessionError struct {
	Err        error
	Cause      error
	RetryAfter int
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return e.Err.Error() + ": " + e.Cause.Error()
	}
	return e.Err.Error()
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Code() int {
	switch {
	case errors.Is(e.Err, ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(e.Err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(e.Err, ErrNotJoined):
		return http.StatusConflict
	case errors.Is(e.Err, ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func sessionError(err, cause error) *SessionError {
	return &SessionError{Err: err, Cause: cause}
}

func rateLimited(retryAfter int) *SessionError {
	return &SessionError{Err: ErrRateLimited, RetryAfter: retryAfter}
}

// ErrResponse converts a handler error into an ack frame. Errors that are
// not a SessionError are reported as a generic internal error.
func ErrResponse(id int, err error) *ServerMessage {
	var se *SessionError
	if !errors.As(err, &se) {
		return ErrInternalError(id)
	}

	return errorMessage(id, EventAck, se.Code(), se.Err.Error(), se.RetryAfter)
}
