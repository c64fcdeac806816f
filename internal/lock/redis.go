package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blumarkets/portfolio-engine/internal/metrics"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so a holder whose lease expired cannot release the next holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLock implements Locker with SET NX PX and a Lua compare-and-delete.
//
// When Redis is unreachable the lock fails open: Acquire reports success so
// jobs keep running on a single instance. FailClosed inverts that and skips
// the run instead.
type RedisLock struct {
	rdb        *redis.Client
	unlockSc   *redis.Script
	failClosed bool
	log        *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// Option configures a RedisLock.
type Option func(*RedisLock)

// FailClosed makes Acquire report false when Redis cannot be reached.
func FailClosed() Option {
	return func(l *RedisLock) { l.failClosed = true }
}

// NewRedisLock creates a RedisLock on rdb.
func NewRedisLock(rdb *redis.Client, opts ...Option) *RedisLock {
	l := &RedisLock{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		log:      slog.With("component", "lock"),
		tokens:   make(map[string]string),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func lockKey(name string) string {
	return "lock:" + name
}

func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		if l.failClosed {
			metrics.LockAcquisitions.WithLabelValues(name, "fail_closed").Inc()
			l.log.Warn("lock store unreachable, skipping run", "name", name, "err", err)
			return false, nil
		}
		metrics.LockAcquisitions.WithLabelValues(name, "fail_open").Inc()
		l.log.Warn("lock store unreachable, running without lock", "name", name, "err", err)
		return true, nil
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues(name, "held").Inc()
		return false, nil
	}

	l.mu.Lock()
	l.tokens[name] = token
	l.mu.Unlock()
	metrics.LockAcquisitions.WithLabelValues(name, "acquired").Inc()
	return true, nil
}

// Release deletes the key if this instance still owns it. A fail-open
// acquisition holds no token and releases nothing.
func (l *RedisLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	// Detached so release still runs when the caller's context is done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.unlockSc.Run(ctx, l.rdb, []string{lockKey(name)}, token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", name, err)
	}
	return nil
}

// Compile-time interface check.
var _ Locker = (*RedisLock)(nil)
