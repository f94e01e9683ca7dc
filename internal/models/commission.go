package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RateStatusActive     = "ACTIVE"
	RateStatusSuperseded = "SUPERSEDED"
)

// CommissionRateInterval is one entry in a broadcaster's rate history.
// For any anchor at most one ACTIVE interval covers a given instant.
type CommissionRateInterval struct {
	ID             int64           `json:"id" db:"id"`
	AnchorID       string          `json:"anchorId" db:"anchor_id"`
	Rate           decimal.Decimal `json:"rate" db:"rate"` // percent, 0-100
	EffectiveFrom  time.Time       `json:"effectiveFrom" db:"effective_from"`
	EffectiveUntil *time.Time      `json:"effectiveUntil,omitempty" db:"effective_until"`
	Status         string          `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}
