// Package fanout broadcasts room events between server instances. Every
// instance publishes its own room mutations to a shared channel and re-emits
// the events of the other instances to its locally connected sockets.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrBrokerUnavailable is returned by Connect when any broker connection
// cannot be established. Callers run in single-instance mode afterwards.
var ErrBrokerUnavailable = errors.New("broker unavailable")

const DefaultChannel = "geochat:events"

// Envelope is the wire format shared by all instances.
type Envelope struct {
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// DeliverFunc receives envelopes published by other instances.
type DeliverFunc func(env Envelope)

type Publisher interface {
	Publish(ctx context.Context, event, room string, payload any) error
}

type Broker interface {
	Publisher
	Start(ctx context.Context, deliver DeliverFunc) error
	Enabled() bool
	InstanceId() string
	Close() error
}

func NewInstanceId() string {
	return uuid.NewString()
}

func encode(origin, event, room string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	data, err := json.Marshal(Envelope{
		Origin:  origin,
		Event:   event,
		Room:    room,
		Payload: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return data, nil
}

// decode parses an envelope and reports whether it should be delivered.
// Envelopes published by this instance are dropped so an instance never
// re-delivers its own publication.
func decode(data []byte, self string) (Envelope, bool, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, false, fmt.Errorf("unmarshal envelope: %w", err)
	}

	if env.Origin == self {
		return env, false, nil
	}

	return env, true, nil
}

// Disabled is the single-instance broker. Publishing is a no-op and nothing
// is ever delivered.
type Disabled struct {
	id string
}

func NewDisabled() *Disabled {
	return &Disabled{id: NewInstanceId()}
}

func (d *Disabled) Start(context.Context, DeliverFunc) error { return nil }

func (d *Disabled) Publish(context.Context, string, string, any) error { return nil }

func (d *Disabled) Enabled() bool { return false }

func (d *Disabled) InstanceId() string { return d.id }

func (d *Disabled) Close() error { return nil }
