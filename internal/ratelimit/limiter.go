package ratelimit

import "context"

// RateLimiter caps how many messages may leave per key within a window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
