package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fixedWindowScript increments the counter and starts the window on the
// first hit. A key left without a TTL is repaired so it cannot block forever.
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	local window_ms = tonumber(ARGV[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], window_ms)
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], window_ms)
		ttl = window_ms
	end
	return {count, ttl}
`)

// Redis shares counters between instances. Enforcement is best effort:
// concurrent increments may briefly overshoot the limit. When Redis fails
// the limiter switches to its local counters for the rest of the process.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	log      zerolog.Logger
	fallback *Local
	degraded atomic.Bool
}

func NewRedis(client redis.UniversalClient, prefix string, logger zerolog.Logger) *Redis {
	return &Redis{
		client:   client,
		prefix:   prefix + "ratelimit:",
		log:      logger,
		fallback: NewLocal(),
	}
}

func (l *Redis) Mode() string {
	if l.degraded.Load() {
		return l.fallback.Mode()
	}
	return "redis"
}

func (l *Redis) Consume(ctx context.Context, key string, limit, windowSeconds int) Result {
	if invalid(limit, windowSeconds) {
		return allowAll()
	}

	if l.degraded.Load() {
		return l.fallback.Consume(ctx, key, limit, windowSeconds)
	}

	count, ttl, err := l.incr(ctx, key, time.Duration(windowSeconds)*time.Second)
	if err != nil {
		if l.degraded.CompareAndSwap(false, true) {
			l.log.Error().Err(err).Msg("rate limiter lost redis, using local counters")
		}
		return l.fallback.Consume(ctx, key, limit, windowSeconds)
	}

	if int(count) > limit {
		return Result{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: retryAfter(ttl),
		}
	}

	return Result{Allowed: true, Remaining: limit - int(count)}
}

func (l *Redis) incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("run fixed window script: %w", err)
	}

	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script response length: %d", len(res))
	}

	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
