// Package throttle spaces out outbound network calls.
package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttler enforces a minimum interval between successive Acquire calls.
// It is safe for concurrent use.
type Throttler struct {
	limiter *rate.Limiter
}

// New creates a Throttler. A zero interval never blocks.
func New(interval time.Duration) *Throttler {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttler{limiter: rate.NewLimiter(limit, 1)}
}

// Acquire blocks until the caller may issue the next call.
func (t *Throttler) Acquire(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
