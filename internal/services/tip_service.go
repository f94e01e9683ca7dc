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

	"github.com/shopspring/decimal"

	"github.com/tipflow/backend/internal/lock"
	"github.com/tipflow/backend/internal/models"
)

// Tip amount bounds in currency units.
var (
	minTipAmount = decimal.RequireFromString("0.01")
	maxTipAmount = decimal.RequireFromString("999999.99")
)

// TipService is the intake boundary: it records tip facts idempotently per
// operation id. Records are immutable once written; only settlement and sync
// touch them afterwards.
type TipService struct {
	db        *sql.DB
	guard     *lock.IdempotencyGuard
	validator *ValidationHelper
}

func NewTipService(db *sql.DB, guard *lock.IdempotencyGuard) *TipService {
	return &TipService{
		db:        db,
		guard:     guard,
		validator: NewValidationHelper(),
	}
}

// Record inserts one tip. A duplicate operation id returns the existing
// record without a second insert, whether caught by the guard or by the
// unique constraint.
func (s *TipService) Record(ctx context.Context, anchorID, audienceID, operationID string, amount decimal.Decimal, occurredAt time.Time) (*models.TipRecord, bool, error) {
	if operationID == "" {
		return nil, false, errors.New("operation id is required")
	}
	if amount.LessThan(minTipAmount) || amount.GreaterThan(maxTipAmount) {
		return nil, false, fmt.Errorf("amount %s outside allowed range %s-%s",
			amount.StringFixed(2), minTipAmount, maxTipAmount)
	}

	firstSeen, err := s.guard.CheckAndMark(ctx, "tip:"+operationID)
	if err != nil {
		return nil, false, err
	}
	if !firstSeen {
		existing, err := s.lookupByOperation(ctx, operationID)
		if err == nil {
			return existing, true, nil
		}
		if err != sql.ErrNoRows {
			return nil, false, err
		}
		// Marked but not yet durable; fall through and let the unique
		// constraint arbitrate.
	}

	record := &models.TipRecord{
		AnchorID:         anchorID,
		AudienceID:       audienceID,
		Amount:           amount,
		OccurredAt:       occurredAt,
		OperationID:      operationID,
		SettlementStatus: models.TipStatusUnsettled,
		CreatedAt:        time.Now(),
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tip_records (anchor_id, audience_id, amount, occurred_at, operation_id, settlement_status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'UNSETTLED', $6)
		ON CONFLICT (operation_id) DO NOTHING
		RETURNING id
	`, anchorID, audienceID, amount, occurredAt, operationID, record.CreatedAt).Scan(&record.ID)
	if err == sql.ErrNoRows {
		existing, lookupErr := s.lookupByOperation(ctx, operationID)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, false, nil
}

func (s *TipService) lookupByOperation(ctx context.Context, operationID string) (*models.TipRecord, error) {
	var record models.TipRecord
	var batchID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, anchor_id, audience_id, amount, occurred_at, operation_id, settlement_status, sync_batch_id, created_at
		FROM tip_records
		WHERE operation_id = $1
	`, operationID).Scan(&record.ID, &record.AnchorID, &record.AudienceID, &record.Amount,
		&record.OccurredAt, &record.OperationID, &record.SettlementStatus, &batchID, &record.CreatedAt)
	if err != nil {
		return nil, err
	}
	if batchID.Valid {
		record.SyncBatchID = &batchID.String
	}
	return &record, nil
}

// CreateTip records an incoming tip
// @Summary Record a tip
// @Description Record a tip fact idempotently per operation id
// @Tags tips
// @Accept json
// @Produce json
// @Param tip body object{anchorId=string,audienceId=string,operationId=string,amount=string,occurredAt=string} true "Tip"
// @Success 201 {object} models.TipRecord
// @Success 200 {object} models.TipRecord "Duplicate operation id"
// @Failure 400 {object} services.ErrorResponse
// @Router /tips [post]
func (s *TipService) CreateTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AnchorID    string `json:"anchorId" validate:"required"`
		AudienceID  string `json:"audienceId" validate:"required"`
		OperationID string `json:"operationId" validate:"required"`
		Amount      string `json:"amount" validate:"required"`
		OccurredAt  string `json:"occurredAt"`
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
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	occurredAt := time.Now()
	if req.OccurredAt != "" {
		occurredAt, err = time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			SendErrorResponse(w, "Invalid occurredAt, expected RFC3339", http.StatusBadRequest, nil)
			return
		}
	}

	record, duplicate, err := s.Record(r.Context(), req.AnchorID, req.AudienceID, req.OperationID, amount, occurredAt)
	if err != nil {
		log.Printf("[TIP] Record failed for operation %s: %v", req.OperationID, err)
		SendErrorResponse(w, "Failed to record tip", http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if duplicate {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"duplicate": duplicate,
		"tip":       record,
	})
}
