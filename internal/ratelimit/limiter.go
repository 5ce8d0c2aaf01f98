package ratelimit

import "context"

// RateLimiter guards calls into a provider (or any other keyed resource).
// Exhaustion is not an error: TryAcquire reports false and Acquire keeps polling
// until tokens are available or ctx ends.
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, n int) (bool, error)
	Acquire(ctx context.Context, key string, n int) error
}
