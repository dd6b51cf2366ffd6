package source

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so the limiter can be driven by tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// RateLimiter spaces request starts by at least minDelay and honours
// server-directed cooldowns set through Defer.
type RateLimiter struct {
	minDelay time.Duration
	clock    Clock

	mu          sync.Mutex
	lastStart   time.Time
	nextAllowed time.Time
}

// NewRateLimiter returns a limiter. A nil clock means SystemClock.
func NewRateLimiter(minDelay time.Duration, clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock
	}
	return &RateLimiter{minDelay: minDelay, clock: clock}
}

// Wait blocks until the next request may start and records that start.
func (l *RateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	target := l.nextAllowed
	if !l.lastStart.IsZero() {
		if spaced := l.lastStart.Add(l.minDelay); spaced.After(target) {
			target = spaced
		}
	}
	if d := target.Sub(now); d > 0 {
		if err := l.clock.Sleep(ctx, d); err != nil {
			return err
		}
		now = l.clock.Now()
	}
	l.lastStart = now
	return nil
}

// Defer moves the next allowed start to until. It never moves it backwards.
func (l *RateLimiter) Defer(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.nextAllowed) {
		l.nextAllowed = until
	}
}

// NextAllowed returns the earliest time the next request may start.
func (l *RateLimiter) NextAllowed() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.nextAllowed
	if !l.lastStart.IsZero() {
		if spaced := l.lastStart.Add(l.minDelay); spaced.After(next) {
			next = spaced
		}
	}
	return next
}
