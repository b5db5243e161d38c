package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter bounds acquisitions to maxRequests per trailing window using a
// log of acquisition timestamps.
type Limiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		stamps:      make([]time.Time, 0, maxRequests),
	}
}

// Acquire blocks until a slot is free in the window and records it.
// The only error is ctx.Err() when the caller gives up while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records an acquisition when the window has room, otherwise it
// reports how long until the oldest stamp leaves the window.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.stamps) < l.maxRequests {
		l.stamps = append(l.stamps, now)
		return 0, true
	}

	wait := l.window - now.Sub(l.stamps[0])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}

// Pending reports how many acquisitions are still inside the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}
