package throttle

import (
	"context"
	"sync"
	"time"
)

// Limiter gates outbound provider calls. It combines a bounded permit pool
// with a minimum spacing between call starts, measured from the previous
// call's start time. A permit taken by Acquire is returned by Release, but
// never before the spacing window of the call it covered has elapsed, so a
// burst can never squeeze more starts into a window than the pool allows.
//
// One Limiter instance is shared by every analysis run; its counters are
// the only mutable state shared across runs.
type Limiter struct {
	permits chan struct{}
	spacing time.Duration

	mu        sync.Mutex
	lastStart time.Time
}

// NewLimiter creates a limiter with the given permit count and minimum
// inter-request spacing. maxPermits < 1 is treated as 1.
func NewLimiter(maxPermits int, spacing time.Duration) *Limiter {
	if maxPermits < 1 {
		maxPermits = 1
	}
	l := &Limiter{
		permits: make(chan struct{}, maxPermits),
		spacing: spacing,
	}
	for i := 0; i < maxPermits; i++ {
		l.permits <- struct{}{}
	}
	return l
}

// Acquire blocks until a permit is free and the spacing interval since the
// last call start has elapsed, or until ctx is cancelled. On success the
// caller owns one permit and must call Release on every exit path. On error
// the permit has already been returned and Release must not be called.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.permits:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		l.mu.Lock()
		wait := l.spacing - time.Since(l.lastStart)
		if wait <= 0 {
			l.lastStart = time.Now()
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Another holder may have started in the meantime; recheck.
		case <-ctx.Done():
			timer.Stop()
			l.permits <- struct{}{}
			return ctx.Err()
		}
	}
}

// Release returns the permit. If the spacing window of the covered call has
// not yet elapsed, the return is scheduled for when it does; the permit is
// guaranteed to come back even if the caller is long gone.
func (l *Limiter) Release() {
	l.mu.Lock()
	remaining := l.spacing - time.Since(l.lastStart)
	l.mu.Unlock()

	if remaining <= 0 {
		l.permits <- struct{}{}
		return
	}
	time.AfterFunc(remaining, func() {
		l.permits <- struct{}{}
	})
}

// Available reports how many permits are currently free.
func (l *Limiter) Available() int {
	return len(l.permits)
}
