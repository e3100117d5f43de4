package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTimeout = 3 * time.Second

type Options struct {
	RedisURL string
	NATSURL  string
	// Driver selects the pub/sub transport: "redis" (default) or "nats".
	// Room state always lives in Redis.
	Driver  string
	Channel string
	Timeout time.Duration
}

// Connect makes a single attempt to reach the broker. It opens the state,
// publish and subscribe connections, pings each of them and, for the redis
// driver, subscribes to the fanout channel. If any step fails, everything is
// closed and ErrBrokerUnavailable is returned. There is no retry loop.
func Connect(ctx context.Context, opts Options, logger zerolog.Logger) (Broker, *redis.Client, error) {
	if opts.RedisURL == "" {
		return nil, nil, fmt.Errorf("%w: no redis url configured", ErrBrokerUnavailable)
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse redis url: %v", ErrBrokerUnavailable, err)
	}

	state := redis.NewClient(redisOpts)
	if err := ping(ctx, state, opts.Timeout); err != nil {
		state.Close()
		return nil, nil, fmt.Errorf("%w: state connection: %v", ErrBrokerUnavailable, err)
	}

	id := NewInstanceId()
	log := logger.With().Str("instance_id", id).Logger()

	switch opts.Driver {
	case "", "redis":
		pub := redis.NewClient(redisOpts)
		sub := redis.NewClient(redisOpts)
		for name, c := range map[string]*redis.Client{"publish": pub, "subscribe": sub} {
			if err := ping(ctx, c, opts.Timeout); err != nil {
				state.Close()
				pub.Close()
				sub.Close()
				return nil, nil, fmt.Errorf("%w: %s connection: %v", ErrBrokerUnavailable, name, err)
			}
		}
		b := newRedis(pub, sub, opts.Channel, id, log)
		if _, err := b.subscribe(ctx, opts.Timeout); err != nil {
			state.Close()
			b.Close()
			return nil, nil, fmt.Errorf("%w: subscribe connection: %v", ErrBrokerUnavailable, err)
		}
		return b, state, nil
	case "nats":
		b, err := ConnectNATS(opts.NATSURL, opts.Channel, id, opts.Timeout, log)
		if err != nil {
			state.Close()
			return nil, nil, err
		}
		return b, state, nil
	default:
		state.Close()
		return nil, nil, fmt.Errorf("%w: unknown fanout driver %q", ErrBrokerUnavailable, opts.Driver)
	}
}

func ping(ctx context.Context, c *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Ping(ctx).Err()
}

// Redis fans out over a Redis pub/sub channel using dedicated publish and
// subscribe connections.
type Redis struct {
	pub     *redis.Client
	sub     *redis.Client
	channel string
	id      string
	log     zerolog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	started bool
	done    chan struct{}
}

func newRedis(pub, sub *redis.Client, channel, id string, logger zerolog.Logger) *Redis {
	return &Redis{
		pub:     pub,
		sub:     sub,
		channel: channel,
		id:      id,
		log:     logger,
		done:    make(chan struct{}),
	}
}

// subscribe opens the channel subscription and waits for the server to
// confirm it.
func (b *Redis) subscribe(ctx context.Context, timeout time.Duration) (*redis.PubSub, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ps := b.sub.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	return ps, nil
}

// Start delivers remote envelopes to deliver. The subscription made by
// Connect is reused; otherwise Start subscribes itself.
func (b *Redis) Start(ctx context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	ps := b.pubsub
	b.mu.Unlock()

	if ps == nil {
		var err error
		if ps, err = b.subscribe(ctx, defaultTimeout); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	b.log.Info().Str("channel", b.channel).Msg("subscribed to fanout channel")

	go func() {
		defer close(b.done)
		for msg := range ps.Channel() {
			env, ok, err := decode([]byte(msg.Payload), b.id)
			if err != nil {
				b.log.Warn().Err(err).Msg("dropping malformed fanout message")
				continue
			}
			if ok {
				deliver(env)
			}
		}
	}()

	return nil
}

func (b *Redis) Publish(ctx context.Context, event, room string, payload any) error {
	data, err := encode(b.id, event, room, payload)
	if err != nil {
		return err
	}

	if err := b.pub.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}

	return nil
}

func (b *Redis) Enabled() bool { return true }

func (b *Redis) InstanceId() string { return b.id }

func (b *Redis) Close() error {
	var errs []error

	b.mu.Lock()
	ps, started := b.pubsub, b.started
	b.mu.Unlock()

	if ps != nil {
		errs = append(errs, ps.Close())
		if started {
			<-b.done
		}
	}
	errs = append(errs, b.pub.Close(), b.sub.Close())

	return errors.Join(errs...)
}
