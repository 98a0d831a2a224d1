// Package ratelimit bounds how often the default EngineFactory is allowed
// to spawn a new secondary engine process.
//
// Adapted from the teacher's api/middleware/ratelimit.go, which
// token-bucket limited inbound HTTP requests per API key with
// golang.org/x/time/rate; here there is a single identity (this process's
// own spawn path) rather than one bucket per caller.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter wraps a token bucket around engine-process spawns.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter allowing rps sustained spawns per second with the
// given burst.
func New(rps float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a spawn token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	return nil
}

// Allow reports whether a spawn may proceed immediately, consuming a
// token if so. The default EngineFactory's spawn arm uses Wait, not
// Allow.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
