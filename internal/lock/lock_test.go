package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLock()

	ok, err := l.Acquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire within ttl must lose")

	ok, _ = l.Acquire(ctx, "other", time.Minute)
	assert.True(t, ok, "different names do not contend")

	require.NoError(t, l.Release(ctx, "scan"))
	ok, _ = l.Acquire(ctx, "scan", time.Minute)
	assert.True(t, ok, "acquire after release must win")
}

func TestMemoryLock_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLock()
	l.now = func() time.Time { return now }

	ok, _ := l.Acquire(ctx, "scan", 5*time.Minute)
	require.True(t, ok)

	now = now.Add(4 * time.Minute)
	ok, _ = l.Acquire(ctx, "scan", 5*time.Minute)
	assert.False(t, ok)

	// A crashed holder never releases; the lease heals on expiry.
	now = now.Add(time.Minute)
	ok, _ = l.Acquire(ctx, "scan", 5*time.Minute)
	assert.True(t, ok)
}

func TestWithLock_RunsAndReleases(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLock()

	got, err := WithLock(ctx, l, "job", time.Minute, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	ok, _ := l.Acquire(ctx, "job", time.Minute)
	assert.True(t, ok, "lock must be released after fn returns")
}

func TestWithLock_SkippedWhenHeld(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLock()
	_, _ = l.Acquire(ctx, "job", time.Minute)

	called := false
	_, err := WithLock(ctx, l, "job", time.Minute, func(context.Context) (struct{}, error) {
		called = true
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, ErrSkipped)
	assert.False(t, called)
}

func TestWithLock_ReleasesOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLock()
	boom := errors.New("boom")

	_, err := WithLock(ctx, l, "job", time.Minute, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	ok, _ := l.Acquire(ctx, "job", time.Minute)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx, "job"))

	assert.Panics(t, func() {
		_, _ = WithLock(ctx, l, "job", time.Minute, func(context.Context) (int, error) {
			panic("kaboom")
		})
	})
	ok, _ = l.Acquire(ctx, "job", time.Minute)
	assert.True(t, ok, "lock must be released after a panic")
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisLock_FailsOpenWhenUnreachable(t *testing.T) {
	rdb := unreachableRedis()
	defer rdb.Close()
	l := NewRedisLock(rdb)

	ok, err := l.Acquire(context.Background(), "scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background(), "scan"))
}

func TestRedisLock_FailClosedSkips(t *testing.T) {
	rdb := unreachableRedis()
	defer rdb.Close()
	l := NewRedisLock(rdb, FailClosed())

	_, err := WithLock(context.Background(), l, "scan", time.Minute, func(context.Context) (int, error) {
		t.Fatal("fn must not run when the lock fails closed")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrSkipped)
}
