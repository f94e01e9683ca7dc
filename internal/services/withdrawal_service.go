package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tipflow/backend/internal/audit"
	"github.com/tipflow/backend/internal/lock"
	"github.com/tipflow/backend/internal/models"
)

// WithdrawalService debits available balance on broadcaster request,
// idempotent per trace id, under the same per-anchor lock as settlement.
type WithdrawalService struct {
	db            *sql.DB
	locks         lock.Locker
	guard         *lock.IdempotencyGuard
	audit         *audit.Logger
	validator     *ValidationHelper
	lockTTL       time.Duration
	maxWithdrawal decimal.Decimal
}

func NewWithdrawalService(db *sql.DB, locks lock.Locker, guard *lock.IdempotencyGuard, lockTTL time.Duration, maxWithdrawal decimal.Decimal) *WithdrawalService {
	return &WithdrawalService{
		db:            db,
		locks:         locks,
		guard:         guard,
		audit:         audit.NewLogger(),
		validator:     NewValidationHelper(),
		lockTTL:       lockTTL,
		maxWithdrawal: maxWithdrawal,
	}
}

// Request processes one withdrawal. Business rejections (insufficient
// balance, blocked account) return a terminal REJECTED request and a nil
// error; a retried trace id returns the recorded outcome without a second
// debit.
func (s *WithdrawalService) Request(ctx context.Context, traceID, anchorID string, amount decimal.Decimal) (*models.WithdrawalRequest, error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if amount.GreaterThan(s.maxWithdrawal) {
		return nil, fmt.Errorf("amount exceeds maximum withdrawal %s", s.maxWithdrawal.StringFixed(2))
	}

	firstSeen, err := s.guard.CheckAndMark(ctx, "withdrawal:"+traceID)
	if err != nil {
		return nil, err
	}
	if !firstSeen {
		prior, err := s.Lookup(ctx, traceID)
		if err == sql.ErrNoRows {
			// Marked but never recorded: the first attempt is still in
			// flight or died before its transaction committed.
			return nil, fmt.Errorf("trace %s: %w", traceID, ErrDuplicateOperation)
		}
		if err != nil {
			return nil, err
		}
		log.Printf("[WITHDRAWAL] Replaying recorded outcome for trace %s: %s", traceID, prior.Status)
		return prior, nil
	}

	token := uuid.NewString()
	key := settlementLockKey(anchorID)

	acquired, err := s.locks.Acquire(ctx, key, token, s.lockTTL)
	if err != nil {
		s.unmark(traceID)
		return nil, fmt.Errorf("%w: %v", ErrLockContention, err)
	}
	if !acquired {
		// Contention is transient: the marker must not outlive an attempt
		// that recorded nothing, or the retry is locked out for the full
		// marker TTL.
		s.unmark(traceID)
		return nil, ErrLockContention
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.locks.Release(releaseCtx, key, token); err != nil {
			log.Printf("[WITHDRAWAL] Lock release failed for anchor %s: %v", anchorID, err)
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.unmark(traceID)
		return nil, err
	}
	defer tx.Rollback()

	account, err := lockAccount(ctx, tx, anchorID)
	if err != nil {
		s.unmark(traceID)
		return nil, err
	}

	// The balance check happens here, under the lock, not before it: two
	// concurrent requests must not both pass on a stale balance.
	switch {
	case account.AccountStatus == models.AccountStatusFrozen:
		return s.reject(ctx, tx, traceID, anchorID, amount, models.RejectReasonAccountFrozen)
	case account.AccountStatus == models.AccountStatusWithdrawalBlocked:
		return s.reject(ctx, tx, traceID, anchorID, amount, models.RejectReasonWithdrawalBlocked)
	case amount.GreaterThan(account.AvailableBalance):
		log.Printf("[WITHDRAWAL] Insufficient balance for anchor %s: requested %s, available %s",
			anchorID, amount.StringFixed(2), account.AvailableBalance.StringFixed(2))
		return s.reject(ctx, tx, traceID, anchorID, amount, models.RejectReasonInsufficientBalance)
	}

	newWithdrawn := account.WithdrawnTotal.Add(amount)
	newAvailable := account.SettledTotal.Sub(newWithdrawn)

	if err := updateAccountBalances(ctx, tx, anchorID, account.SettledTotal, newWithdrawn, newAvailable, account.Version); err != nil {
		s.unmark(traceID)
		return nil, err
	}

	request, err := s.record(ctx, tx, traceID, anchorID, amount, models.WithdrawalStatusApproved, "")
	if err != nil {
		s.unmark(traceID)
		return nil, err
	}
	// A failed commit keeps the marker: the row may have landed, and Lookup
	// replays it on the retry.
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogWithdrawal(traceID, anchorID, amount, models.WithdrawalStatusApproved)
	log.Printf("[WITHDRAWAL] Anchor %s: approved %s, available now %s",
		anchorID, amount.StringFixed(2), newAvailable.StringFixed(2))
	return request, nil
}

// unmark releases the trace marker after an attempt that recorded no
// outcome, so a retry is seen as first again. Fresh context: the request
// context may already be canceled.
func (s *WithdrawalService) unmark(traceID string) {
	unmarkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.guard.Unmark(unmarkCtx, "withdrawal:"+traceID); err != nil {
		log.Printf("[WITHDRAWAL] Marker release failed for trace %s: %v", traceID, err)
	}
}

// reject records a terminal REJECTED request and commits. Rejections consume
// the trace id: a retry replays the same rejection.
func (s *WithdrawalService) reject(ctx context.Context, tx *sql.Tx, traceID, anchorID string, amount decimal.Decimal, reason string) (*models.WithdrawalRequest, error) {
	request, err := s.record(ctx, tx, traceID, anchorID, amount, models.WithdrawalStatusRejected, reason)
	if err != nil {
		s.unmark(traceID)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.audit.LogWithdrawal(traceID, anchorID, amount, models.WithdrawalStatusRejected)
	return request, nil
}

func (s *WithdrawalService) record(ctx context.Context, tx *sql.Tx, traceID, anchorID string, amount decimal.Decimal, status, reason string) (*models.WithdrawalRequest, error) {
	now := time.Now()
	request := &models.WithdrawalRequest{
		TraceID:      traceID,
		AnchorID:     anchorID,
		Amount:       amount,
		Status:       status,
		RejectReason: reason,
		AppliedAt:    now,
		ProcessedAt:  &now,
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO withdrawal_requests (trace_id, anchor_id, amount, status, reject_reason, applied_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, traceID, anchorID, amount, status, reason, now, now).Scan(&request.ID)
	if err != nil {
		return nil, err
	}
	return request, nil
}

// Lookup fetches the recorded outcome for a trace id.
func (s *WithdrawalService) Lookup(ctx context.Context, traceID string) (*models.WithdrawalRequest, error) {
	var request models.WithdrawalRequest
	var reason sql.NullString
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, anchor_id, amount, status, reject_reason, applied_at, processed_at
		FROM withdrawal_requests
		WHERE trace_id = $1
	`, traceID).Scan(&request.ID, &request.TraceID, &request.AnchorID, &request.Amount,
		&request.Status, &reason, &request.AppliedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	request.RejectReason = reason.String
	if processedAt.Valid {
		t := processedAt.Time
		request.ProcessedAt = &t
	}
	return &request, nil
}

// RequestWithdrawal handles withdrawal requests
// @Summary Request a withdrawal
// @Description Debit the anchor's available balance, idempotent per trace id
// @Tags withdrawals
// @Accept json
// @Produce json
// @Param request body object{traceId=string,anchorId=string,amount=string} true "Withdrawal request"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /withdrawals [post]
func (s *WithdrawalService) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TraceID  string `json:"traceId" validate:"required"`
		AnchorID string `json:"anchorId" validate:"required"`
		Amount   string `json:"amount" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	request, err := s.Request(r.Context(), req.TraceID, req.AnchorID, amount)
	switch {
	case errors.Is(err, ErrLockContention):
		SendErrorResponse(w, "Anchor busy, retry later", http.StatusConflict, nil)
		return
	case errors.Is(err, ErrDuplicateOperation):
		SendErrorResponse(w, "Withdrawal already in progress", http.StatusConflict, nil)
		return
	case err != nil:
		log.Printf("[WITHDRAWAL] Request failed for trace %s: %v", req.TraceID, err)
		s.audit.LogError(req.TraceID, req.AnchorID, err)
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}

	// A rejection is a normal negative outcome, not a server failure.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    request.Status == models.WithdrawalStatusApproved,
		"withdrawal": request,
	})
}

// GetWithdrawal returns the recorded outcome for a trace id
// @Summary Get withdrawal by trace id
// @Tags withdrawals
// @Produce json
// @Param traceId path string true "Trace ID"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 404 {object} services.ErrorResponse
// @Router /withdrawals/{traceId} [get]
func (s *WithdrawalService) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")

	request, err := s.Lookup(r.Context(), traceID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Withdrawal not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch withdrawal", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(request)
}
