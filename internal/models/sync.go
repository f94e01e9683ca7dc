package models

import (
	"time"
)

// SyncProgress is the durable cursor of the tip sync pipeline, one row per
// (source, target) pair. The cursor only advances after the target confirms
// a batch; a non-null InFlightBatchID marks a sent-but-unconfirmed batch.
type SyncProgress struct {
	SourceService       string    `json:"sourceService" db:"source_service"`
	TargetService       string    `json:"targetService" db:"target_service"`
	LastConfirmedCursor int64     `json:"lastConfirmedCursor" db:"last_confirmed_cursor"`
	InFlightBatchID     *string   `json:"inFlightBatchId,omitempty" db:"in_flight_batch_id"`
	UpdatedAt           time.Time `json:"updatedAt" db:"updated_at"`
}

// SyncBatch records a batch id durably applied on the settlement side.
// Replays of the same batch id short-circuit without reapplying.
type SyncBatch struct {
	BatchID     string    `json:"batchId" db:"batch_id"`
	RecordCount int       `json:"recordCount" db:"record_count"`
	ReceivedAt  time.Time `json:"receivedAt" db:"received_at"`
}
