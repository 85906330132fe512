package server

import (
	"context"
	"time"

	"github.com/pagecached/pagecached/pkg/cache"
)

type contextKey int

const overridesKey contextKey = iota

// Overrides carries per-request cache directives set by upstream
// handlers or middleware. They take precedence over policy rules.
type Overrides struct {
	// Disable skips both cache lookup and write-back.
	Disable bool

	// Force caches the response even when no policy rule matches.
	Force bool

	// Boost writes the entry to the accelerated tier.
	Boost bool

	// Expire overrides the store expiry for this entry.
	Expire time.Duration
}

// WithOverrides attaches per-request cache directives to the context.
func WithOverrides(ctx context.Context, ov Overrides) context.Context {
	return context.WithValue(ctx, overridesKey, ov)
}

// OverridesFrom returns the request's cache directives, zero when unset.
func OverridesFrom(ctx context.Context) Overrides {
	ov, _ := ctx.Value(overridesKey).(Overrides)
	return ov
}

// Defer schedules a task to run after the response has been flushed to
// the client. Outside a cache-handled request the task runs immediately.
func Defer(ctx context.Context, task func() error) error {
	return cache.Defer(ctx, task)
}
