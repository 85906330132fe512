package cache

import (
	"context"
	"sync"
)

type contextKey int

const deferredKey contextKey = iota

// Deferred collects work registered during a request and run after the
// response has been flushed to the client.
type Deferred struct {
	mu    sync.Mutex
	tasks []func() error
}

func (d *Deferred) add(task func() error) {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
}

// Drain returns the registered tasks in registration order and empties
// the list.
func (d *Deferred) Drain() []func() error {
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	return tasks
}

// WithDeferred attaches a fresh task list to the context. The owner of
// the request drains and runs it after flushing the response.
func WithDeferred(ctx context.Context) (context.Context, *Deferred) {
	d := &Deferred{}
	return context.WithValue(ctx, deferredKey, d), d
}

// DeferredFrom returns the context's task list, nil when absent.
func DeferredFrom(ctx context.Context) *Deferred {
	d, _ := ctx.Value(deferredKey).(*Deferred)
	return d
}

// Defer schedules a task on the context's list. Outside a request scope
// the task runs immediately.
func Defer(ctx context.Context, task func() error) error {
	if task == nil {
		return nil
	}
	if d := DeferredFrom(ctx); d != nil {
		d.add(task)
		return nil
	}
	return task()
}
