// Package pacer spaces remote calls by a fixed delay and expands that spacing
// exponentially while the remote signals overload. One governor exists per
// run; callers are serialized by construction so there is never more than one
// waiter.
package pacer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Governor paces work so successive Acquire calls are spaced by at least the
// configured delay, and no work is released before the backoff deadline set
// by RecordThrottled.
type Governor struct {
	limiter *rate.Limiter
	base    time.Duration
	cap     time.Duration

	mu       sync.Mutex
	backoff  time.Duration
	deadline time.Time

	now func() time.Time
}

// New builds a governor. delay >= 0 is validated by config, not here; a zero
// delay means backoff semantics alone govern pacing.
func New(delay, backoffBase, backoffCap time.Duration) *Governor {
	lim := rate.Inf
	if delay > 0 {
		lim = rate.Every(delay)
	}
	return &Governor{
		limiter: rate.NewLimiter(lim, 1),
		base:    backoffBase,
		cap:     backoffCap,
		now:     time.Now,
	}
}

// Acquire blocks until both the normal spacing and any backoff deadline have
// passed. It returns ctx.Err() when the run is cancelled; the caller must
// then abandon its unit of work.
func (g *Governor) Acquire(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	deadline := g.deadline
	g.mu.Unlock()
	if wait := deadline.Sub(g.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// RecordSuccess resets the backoff state after a successful remote call.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	g.backoff = 0
	g.deadline = time.Time{}
	g.mu.Unlock()
}

// RecordThrottled doubles the backoff (bounded by the cap, floored at the
// base) and arms the deadline. It returns the new backoff so the caller can
// announce it on the progress stream.
func (g *Governor) RecordThrottled() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.backoff * 2
	if next < g.base {
		next = g.base
	}
	if next > g.cap {
		next = g.cap
	}
	g.backoff = next
	g.deadline = g.now().Add(next)
	return next
}

// RecordFailure notes a non-throttling error. Normal spacing continues; the
// backoff window is not extended.
func (g *Governor) RecordFailure() {}

// CurrentBackoff returns the active backoff, zero when the remote is healthy.
func (g *Governor) CurrentBackoff() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backoff
}
