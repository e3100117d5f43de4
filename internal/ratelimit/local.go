package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

type window struct {
	count   int
	resetAt time.Time
}

// Local enforces limits per process. With several instances behind a load
// balancer each instance counts independently.
type Local struct {
	mu      sync.Mutex
	windows map[string]*window
	calls   int
	now     func() time.Time
}

func NewLocal() *Local {
	return &Local{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (l *Local) Mode() string {
	return "local"
}

func (l *Local) Consume(_ context.Context, key string, limit, windowSeconds int) Result {
	if invalid(limit, windowSeconds) {
		return allowAll()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(time.Duration(windowSeconds) * time.Second)}
		l.windows[key] = w
	}
	w.count++

	if w.count > limit {
		return Result{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: retryAfter(w.resetAt.Sub(now)),
		}
	}

	return Result{Allowed: true, Remaining: limit - w.count}
}

// sweep drops expired windows so idle keys do not accumulate.
func (l *Local) sweep(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// Len returns the number of tracked windows.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
