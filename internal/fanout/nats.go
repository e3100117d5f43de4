package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS fans out over a NATS subject. A single NATS connection carries both
// publish and subscribe traffic.
type NATS struct {
	nc      *nats.Conn
	subject string
	id      string
	log     zerolog.Logger
	sub     *nats.Subscription
}

func ConnectNATS(url, subject, id string, timeout time.Duration, logger zerolog.Logger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("geochat-"+id),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connection: %v", ErrBrokerUnavailable, err)
	}

	return NewNATS(nc, subject, id, logger), nil
}

func NewNATS(nc *nats.Conn, subject, id string, logger zerolog.Logger) *NATS {
	if subject == "" {
		subject = DefaultChannel
	}
	return &NATS{
		nc:      nc,
		subject: subject,
		id:      id,
		log:     logger,
	}
}

func (b *NATS) Start(_ context.Context, deliver DeliverFunc) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		env, ok, err := decode(msg.Data, b.id)
		if err != nil {
			b.log.Warn().Err(err).Msg("dropping malformed fanout message")
			return
		}
		if ok {
			deliver(env)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", b.subject, err)
	}

	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	b.sub = sub
	b.log.Info().Str("subject", b.subject).Msg("subscribed to fanout subject")
	return nil
}

func (b *NATS) Publish(_ context.Context, event, room string, payload any) error {
	data, err := encode(b.id, event, room, payload)
	if err != nil {
		return err
	}

	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}

	return nil
}

func (b *NATS) Enabled() bool { return true }

func (b *NATS) InstanceId() string { return b.id }

func (b *NATS) Close() error {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	return b.nc.Drain()
}
