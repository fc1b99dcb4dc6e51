// Package ratelimit provides sliding-window rate limiters shared by every
// caller that talks to the exchange REST API. Unlike a token bucket, the
// sliding window guarantees that no more than maxCalls acquisitions complete
// inside any rolling window, which is how Bybit accounts requests.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is the blocking variant: Acquire parks the calling goroutine until
// a slot frees up. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	calls    []time.Time
	maxCalls int
	window   time.Duration
	now      func() time.Time
	sleep    func(time.Duration)
}

// NewLimiter creates a limiter admitting at most maxCalls per window.
func NewLimiter(maxCalls int, window time.Duration) *Limiter {
	if maxCalls <= 0 {
		maxCalls = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Acquire blocks until the call is admitted. Waiters are served in rough
// arrival order; no waiter sleeps longer than one full window past the point
// the window was exhausted.
func (l *Limiter) Acquire() {
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)
		if len(l.calls) < l.maxCalls {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return
		}
		wait := l.calls[0].Add(l.window).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		l.sleep(wait)
	}
}

// TryAcquire admits the call only if a slot is free right now.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.evict(now)
	if len(l.calls) >= l.maxCalls {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// evict drops timestamps older than the window. Caller holds the lock.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// AsyncLimiter is the cooperative variant: waiting is expressed through the
// context-aware Acquire so workers yield instead of blocking. The timestamp
// window is guarded by a single mutex; the wait itself happens outside the
// critical section.
type AsyncLimiter struct {
	mu       sync.Mutex
	calls    []time.Time
	maxCalls int
	window   time.Duration
	now      func() time.Time
}

// NewAsyncLimiter creates a cooperative limiter admitting at most maxCalls
// per window.
func NewAsyncLimiter(maxCalls int, window time.Duration) *AsyncLimiter {
	if maxCalls <= 0 {
		maxCalls = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &AsyncLimiter{maxCalls: maxCalls, window: window, now: time.Now}
}

// Acquire suspends until the call is admitted or ctx is cancelled. The
// returned error is ctx.Err() on cancellation, nil on admission.
func (l *AsyncLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.evictLocked(now)
		if len(l.calls) < l.maxCalls {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.calls[0].Add(l.window).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
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

// InFlight returns the number of admissions still inside the window, for the
// runtime report.
func (l *AsyncLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return len(l.calls)
}

func (l *AsyncLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
