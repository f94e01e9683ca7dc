package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementDetail is the append-only audit record of one settlement run.
// Never mutated after creation; the sum of NetAmount per anchor reconciles
// Account.SettledTotal.
type SettlementDetail struct {
	ID          int64           `json:"id" db:"id"`
	AnchorID    string          `json:"anchorId" db:"anchor_id"`
	PeriodStart time.Time       `json:"periodStart" db:"period_start"`
	PeriodEnd   time.Time       `json:"periodEnd" db:"period_end"`
	GrossAmount decimal.Decimal `json:"grossAmount" db:"gross_amount"`
	AppliedRate decimal.Decimal `json:"appliedRate" db:"applied_rate"`
	NetAmount   decimal.Decimal `json:"netAmount" db:"net_amount"`
	TipCount    int             `json:"tipCount" db:"tip_count"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}
