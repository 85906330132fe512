package store

import (
	"context"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryTier is an in-process accelerated tier backed by an expiring
// LRU. Suited to single-process deployments; multi-process deployments
// should prefer the Redis tier so invalidation reaches every worker.
type MemoryTier struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryTier creates a memory tier holding at most maxEntries
// payloads, each evicted after ttl.
func NewMemoryTier(maxEntries int, ttl time.Duration) *MemoryTier {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryTier{
		lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
	}
}

func (t *MemoryTier) Get(_ context.Context, key string) ([]byte, bool) {
	return t.lru.Get(key)
}

func (t *MemoryTier) Put(_ context.Context, key string, data []byte, _ time.Duration) {
	// The LRU applies a single tier-wide ttl; per-entry ttl is ignored
	t.lru.Add(key, data)
}

func (t *MemoryTier) Delete(_ context.Context, key string) {
	t.lru.Remove(key)
}

func (t *MemoryTier) Purge(_ context.Context) {
	t.lru.Purge()
}

// Len reports the number of resident payloads.
func (t *MemoryTier) Len() int {
	return t.lru.Len()
}
