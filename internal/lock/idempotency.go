package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const idempotencyPrefix = "idem:"

// IdempotencyGuard answers "has this operation id been seen before" with one
// atomic check-and-mark built on Locker.Acquire. The marker TTL must exceed
// the maximum plausible client retry window (request timeout x retry count
// with a safety factor), not a fixed constant.
type IdempotencyGuard struct {
	locks Locker
	ttl   time.Duration
}

func NewIdempotencyGuard(locks Locker, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{locks: locks, ttl: ttl}
}

// MarkerTTL derives a guard TTL from a request timeout and retry budget.
func MarkerTTL(requestTimeout time.Duration, maxRetries, safetyFactor int) time.Duration {
	return requestTimeout * time.Duration(maxRetries) * time.Duration(safetyFactor)
}

// markerToken derives the marker value from the operation id, so any caller
// processing the same operation can release the marker it set.
func markerToken(operationID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(operationID)).String()
}

// CheckAndMark returns true when operationID is seen for the first time.
// Of N concurrent callers with the same operationID exactly one sees true.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, operationID string) (bool, error) {
	return g.locks.Acquire(ctx, idempotencyPrefix+operationID, markerToken(operationID), g.ttl)
}

// Unmark releases the marker for operationID, making the next CheckAndMark
// see it as first again. Only for attempts that abort without recording any
// durable outcome; an operation whose outcome was recorded must stay marked.
func (g *IdempotencyGuard) Unmark(ctx context.Context, operationID string) error {
	_, err := g.locks.Release(ctx, idempotencyPrefix+operationID, markerToken(operationID))
	return err
}
