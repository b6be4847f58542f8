// Package ratelimit spaces outbound completion calls process-wide.
//
// A single [Limiter] is shared by every conversation and by the
// proactive scheduler, so the persona never hits the completion
// endpoint more often than once per interval no matter how many
// contacts are active.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// MinInterval is the default spacing between completion calls.
const MinInterval = 2 * time.Second

// Limiter releases callers at most once per interval. Waiters are
// served in the order they called Acquire: each call reserves the next
// free slot before sleeping.
type Limiter struct {
	interval time.Duration
	lim      *rate.Limiter
}

// New creates a Limiter. A non-positive interval uses MinInterval.
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = MinInterval
	}
	return &Limiter{
		interval: interval,
		lim:      rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Interval returns the configured spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until at least one interval has passed since the
// previous Acquire returned. It only fails when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
