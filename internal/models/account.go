package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AccountStatusNormal            = "NORMAL"
	AccountStatusFrozen            = "FROZEN"
	AccountStatusWithdrawalBlocked = "WITHDRAWAL_BLOCKED"
)

// Account carries a broadcaster's settled and withdrawn totals.
// AvailableBalance = SettledTotal - WithdrawnTotal and never goes negative.
type Account struct {
	AnchorID         string          `json:"anchorId" db:"anchor_id"`
	SettledTotal     decimal.Decimal `json:"settledTotal" db:"settled_total"`
	WithdrawnTotal   decimal.Decimal `json:"withdrawnTotal" db:"withdrawn_total"`
	AvailableBalance decimal.Decimal `json:"availableBalance" db:"available_balance"`
	Version          int             `json:"version" db:"version"` // for optimistic locking
	AccountStatus    string          `json:"accountStatus" db:"account_status"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}
