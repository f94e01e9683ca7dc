package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryLock_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire and re-acquire", func(t *testing.T) {
		l := NewMemoryLock()

		ok, err := l.Acquire(ctx, "settlement:anchor1", "holder-a", time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = l.Acquire(ctx, "settlement:anchor1", "holder-b", time.Minute)
		assert.NoError(t, err)
		assert.False(t, ok)

		held, err := l.IsHeld(ctx, "settlement:anchor1")
		assert.NoError(t, err)
		assert.True(t, held)
	})

	t.Run("independent keys", func(t *testing.T) {
		l := NewMemoryLock()

		ok, _ := l.Acquire(ctx, "settlement:anchor1", "holder-a", time.Minute)
		assert.True(t, ok)
		ok, _ = l.Acquire(ctx, "settlement:anchor2", "holder-b", time.Minute)
		assert.True(t, ok)
	})

	t.Run("ttl required", func(t *testing.T) {
		l := NewMemoryLock()

		ok, err := l.Acquire(ctx, "settlement:anchor1", "holder-a", 0)
		assert.ErrorIs(t, err, ErrTTLRequired)
		assert.False(t, ok)
	})

	t.Run("expired lock can be re-acquired", func(t *testing.T) {
		l := NewMemoryLock()
		current := time.Now()
		l.now = func() time.Time { return current }

		ok, _ := l.Acquire(ctx, "settlement:anchor1", "holder-a", time.Minute)
		assert.True(t, ok)

		current = current.Add(2 * time.Minute)

		held, _ := l.IsHeld(ctx, "settlement:anchor1")
		assert.False(t, held)

		ok, _ = l.Acquire(ctx, "settlement:anchor1", "holder-b", time.Minute)
		assert.True(t, ok)
	})
}

func TestMemoryLock_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("holder releases", func(t *testing.T) {
		l := NewMemoryLock()

		ok, _ := l.Acquire(ctx, "settlement:anchor1", "holder-a", time.Minute)
		assert.True(t, ok)

		released, err := l.Release(ctx, "settlement:anchor1", "holder-a")
		assert.NoError(t, err)
		assert.True(t, released)

		held, _ := l.IsHeld(ctx, "settlement:anchor1")
		assert.False(t, held)
	})

	t.Run("token mismatch does not release", func(t *testing.T) {
		l := NewMemoryLock()

		ok, _ := l.Acquire(ctx, "settlement:anchor1", "holder-a", time.Minute)
		assert.True(t, ok)

		released, err := l.Release(ctx, "settlement:anchor1", "holder-b")
		assert.NoError(t, err)
		assert.False(t, released)

		held, _ := l.IsHeld(ctx, "settlement:anchor1")
		assert.True(t, held)
	})

	t.Run("release after expiry fails", func(t *testing.T) {
		l := NewMemoryLock()
		current := time.Now()
		l.now = func() time.Time { return current }

		ok, _ := l.Acquire(ctx, "settlement:anchor1", "holder-a", time.Minute)
		assert.True(t, ok)

		current = current.Add(2 * time.Minute)

		released, _ := l.Release(ctx, "settlement:anchor1", "holder-a")
		assert.False(t, released)
	})
}

func TestMemoryLock_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLock()

	const contenders = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := l.Acquire(ctx, "settlement:anchor1", "holder", time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one contender must acquire the lock")
}
