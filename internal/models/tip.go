package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TipStatusUnsettled = "UNSETTLED"
	TipStatusSettled   = "SETTLED"
	TipStatusRefunded  = "REFUNDED"
)

// TipRecord is an immutable fact produced by the audience intake side. Only
// the settlement engine (status transition) and the sync coordinator (batch
// tagging) ever mutate it.
type TipRecord struct {
	ID               int64           `json:"id" db:"id"`
	AnchorID         string          `json:"anchorId" db:"anchor_id"`
	AudienceID       string          `json:"audienceId" db:"audience_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	OccurredAt       time.Time       `json:"occurredAt" db:"occurred_at"`
	OperationID      string          `json:"operationId" db:"operation_id"`
	SettlementStatus string          `json:"settlementStatus" db:"settlement_status"`
	SyncBatchID      *string         `json:"syncBatchId,omitempty" db:"sync_batch_id"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
}
