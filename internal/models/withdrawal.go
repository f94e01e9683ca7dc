package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	WithdrawalStatusPending  = "PENDING"
	WithdrawalStatusApproved = "APPROVED"
	WithdrawalStatusRejected = "REJECTED"
)

// Withdrawal reject reasons recorded on terminal REJECTED rows.
const (
	RejectReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	RejectReasonAccountFrozen       = "ACCOUNT_FROZEN"
	RejectReasonWithdrawalBlocked   = "WITHDRAWAL_BLOCKED"
)

// WithdrawalRequest is terminal once APPROVED or REJECTED. A retry with the
// same TraceID returns the recorded outcome and never debits twice.
type WithdrawalRequest struct {
	ID           int64           `json:"id" db:"id"`
	TraceID      string          `json:"traceId" db:"trace_id"`
	AnchorID     string          `json:"anchorId" db:"anchor_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Status       string          `json:"status" db:"status"`
	RejectReason string          `json:"rejectReason,omitempty" db:"reject_reason"`
	AppliedAt    time.Time       `json:"appliedAt" db:"applied_at"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty" db:"processed_at"`
}
