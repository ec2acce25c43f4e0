package ratelimit

import "context"

// Store is the rate-limit state backend, keyed by caller identity (the
// client IP for admin endpoints). Implementations are in-memory for single
// instances or Redis for clusters.
type Store interface {
	// Allow consumes one token for key, creating the bucket on first use.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// Close releases resources.
	Close() error
}
