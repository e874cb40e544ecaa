// Package ratelimit throttles and retries outbound calls to quote sources.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds the request rate of one provider. It is shared by every
// goroutine fetching through that provider; rate.Limiter serialises slot
// reservation internally while the requests themselves run in parallel.
type Limiter struct {
	name string
	lim  *rate.Limiter
}

// NewLimiter allows at most requests calls in any window of length per.
// Slots are spaced evenly (burst 1), so a window never holds more than requests calls.
func NewLimiter(name string, requests int, per time.Duration) *Limiter {
	if requests <= 0 || per <= 0 {
		return &Limiter{name: name, lim: rate.NewLimiter(rate.Inf, 1)}
	}
	interval := per / time.Duration(requests)
	if interval*time.Duration(requests) < per {
		interval++
	}
	return &Limiter{name: name, lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Unlimited returns a limiter that never waits.
func Unlimited(name string) *Limiter {
	return NewLimiter(name, 0, 0)
}

// Name returns the provider the limiter belongs to.
func (l *Limiter) Name() string { return l.name }

// Wait blocks until a slot is free or ctx is done. Requests are never dropped.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", l.name, err)
	}
	return nil
}

// reserveAt books a slot as of now and returns when it may be used.
func (l *Limiter) reserveAt(now time.Time) time.Time {
	r := l.lim.ReserveN(now, 1)
	return now.Add(r.DelayFrom(now))
}
