package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLock backs Locker with an in-process map. Suitable for single-node
// deployments and tests; the contract is identical to the Redis backend.
type MemoryLock struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLock) Acquire(ctx context.Context, key, holderToken string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrTTLRequired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[key]; ok && l.now().Before(entry.expiresAt) {
		return false, nil
	}

	l.entries[key] = memoryEntry{token: holderToken, expiresAt: l.now().Add(ttl)}
	return true, nil
}

func (l *MemoryLock) Release(ctx context.Context, key, holderToken string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || entry.token != holderToken || !l.now().Before(entry.expiresAt) {
		return false, nil
	}

	delete(l.entries, key)
	return true, nil
}

func (l *MemoryLock) IsHeld(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	return ok && l.now().Before(entry.expiresAt), nil
}
