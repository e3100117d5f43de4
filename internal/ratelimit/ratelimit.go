// Package ratelimit provides fixed-window admission control keyed by an
// arbitrary string, backed either by process-local counters or by Redis.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of a single Consume call.
type Result struct {
	Allowed           bool `json:"allowed"`
	Remaining         int  `json:"remaining"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
}

type Limiter interface {
	// Consume counts one event against key. The first event in a window
	// starts the window; once more than limit events are counted the
	// result is denied until the window resets.
	Consume(ctx context.Context, key string, limit, windowSeconds int) Result
	Mode() string
}

// Rule is a configured threshold for one action.
type Rule struct {
	Limit         int
	WindowSeconds int
}

func (r Rule) Consume(ctx context.Context, l Limiter, key string) Result {
	return l.Consume(ctx, key, r.Limit, r.WindowSeconds)
}

// invalid reports whether the thresholds are unusable. Misconfigured limits
// admit everything rather than block legitimate traffic.
func invalid(limit, windowSeconds int) bool {
	return limit < 1 || windowSeconds < 1
}

func allowAll() Result {
	return Result{Allowed: true, Remaining: -1}
}

func retryAfter(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
