package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLock implements Locker within one process. Used for tests and for
// single-instance deployments without Redis.
type MemoryLock struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryLock creates an empty MemoryLock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryLock) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.leases[name]; ok && now.Before(exp) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}

var _ Locker = (*MemoryLock)(nil)
