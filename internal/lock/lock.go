// Package lock provides the cross-instance mutual exclusion used to run each
// periodic job at most once per period across the cluster.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrSkipped is returned by WithLock when another holder owns the lock.
var ErrSkipped = errors.New("lock: held elsewhere, run skipped")

// Locker is a named lease with expiry. Acquire reports whether this caller
// won the lease; Release gives it back early and is best-effort.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// WithLock acquires name, runs fn and always releases, even if fn panics.
// It returns fn's result, or ErrSkipped when the lease was not won.
func WithLock[T any](ctx context.Context, l Locker, name string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrSkipped
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), name); err != nil {
			slog.Warn("lock release failed", "component", "lock", "name", name, "err", err)
		}
	}()

	return fn(ctx)
}
