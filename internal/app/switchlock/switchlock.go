// Package switchlock serializes stop/start transitions of the ingest session.
package switchlock

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock admits one transition at a time; waiters are served in arrival order.
type Lock struct {
	sem *semaphore.Weighted
}

func New() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Do runs fn once every previously queued transition has finished.
// A caller whose ctx ends while still queued gets ctx.Err() and fn never runs.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
