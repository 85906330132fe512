package store

import (
	"context"
	"time"
)

// Tier is an accelerated read tier in front of the file tier. Tiers are
// best-effort: a tier failure never fails the cache operation, it only
// falls through to the file tier.
type Tier interface {
	// Get returns the payload for the key, reporting whether it was
	// present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Put stores the payload with the given time-to-live. A zero ttl
	// uses the tier's default.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration)

	// Delete removes the key.
	Delete(ctx context.Context, key string)

	// Purge removes every key written by this process's cache.
	Purge(ctx context.Context)
}
