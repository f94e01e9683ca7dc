// Package lock provides the distributed mutual-exclusion and idempotency
// primitive shared by settlement, withdrawals and the sync pipeline.
//
// The contract is the same regardless of backing store: acquire is atomic
// set-if-absent with a mandatory TTL and never blocks, release only succeeds
// for the holder that acquired (compare-and-delete on the holder token).
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTTLRequired is returned when an acquire is attempted without a TTL.
	// Every lock must expire so a crashed holder cannot starve an anchor
	// beyond the TTL window.
	ErrTTLRequired = errors.New("lock ttl must be positive")
)

// Locker is the distributed lock contract. Implementations must make Acquire
// atomic: of N concurrent acquires on the same key, exactly one succeeds.
type Locker interface {
	// Acquire sets key to holderToken only if absent. Returns false when the
	// key is already held. Transport errors are reported alongside false:
	// callers must treat them as "not acquired".
	Acquire(ctx context.Context, key, holderToken string, ttl time.Duration) (bool, error)

	// Release deletes key only if its current value equals holderToken.
	// Returns false when the token mismatches or the key is absent, which
	// happens when the TTL expired and someone else took the lock.
	Release(ctx context.Context, key, holderToken string) (bool, error)

	// IsHeld reports whether key is currently held by anyone.
	IsHeld(ctx context.Context, key string) (bool, error)
}
