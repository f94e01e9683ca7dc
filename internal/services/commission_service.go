package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tipflow/backend/internal/audit"
	"github.com/tipflow/backend/internal/models"
)

// CommissionService resolves the commission rate effective for an anchor at a
// point in time and applies operator rate changes.
type CommissionService struct {
	db        *sql.DB
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewCommissionService(db *sql.DB) *CommissionService {
	return &CommissionService{
		db:        db,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// Resolve returns the single active rate covering at. Zero matches means the
// anchor was never configured and settlement must halt; more than one match
// means the write path left overlapping intervals and we fail loud rather
// than pick one.
func (s *CommissionService) Resolve(ctx context.Context, anchorID string, at time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rate FROM commission_rates
		WHERE anchor_id = $1 AND status = 'ACTIVE'
		  AND effective_from <= $2
		  AND (effective_until IS NULL OR effective_until > $2)
	`, anchorID, at)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate lookup failed for anchor %s: %w", anchorID, err)
	}
	defer rows.Close()

	var rates []decimal.Decimal
	for rows.Next() {
		var rate decimal.Decimal
		if err := rows.Scan(&rate); err != nil {
			return decimal.Zero, err
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}

	switch len(rates) {
	case 0:
		return decimal.Zero, fmt.Errorf("anchor %s at %s: %w", anchorID, at.Format(time.RFC3339), ErrRateNotConfigured)
	case 1:
		return rates[0], nil
	default:
		log.Printf("[COMMISSION] %d overlapping active intervals for anchor %s at %s", len(rates), anchorID, at.Format(time.RFC3339))
		return decimal.Zero, fmt.Errorf("anchor %s: %d active intervals: %w", anchorID, len(rates), ErrRateAmbiguous)
	}
}

// SetRate closes the currently open interval at effectiveFrom and opens the
// new one, both inside one transaction so a crash can never leave the history
// half-applied.
func (s *CommissionService) SetRate(ctx context.Context, anchorID string, rate decimal.Decimal, effectiveFrom time.Time) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("rate %s out of range 0-100", rate)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currentID int64
	var currentFrom time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT id, effective_from FROM commission_rates
		WHERE anchor_id = $1 AND status = 'ACTIVE' AND effective_until IS NULL
		FOR UPDATE
	`, anchorID).Scan(&currentID, &currentFrom)

	switch {
	case err == sql.ErrNoRows:
		// First rate for this anchor.
	case err != nil:
		return err
	default:
		if !currentFrom.Before(effectiveFrom) {
			return fmt.Errorf("effective_from %s does not postdate current interval start %s",
				effectiveFrom.Format(time.RFC3339), currentFrom.Format(time.RFC3339))
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE commission_rates
			SET effective_until = $1, status = 'SUPERSEDED'
			WHERE id = $2
		`, effectiveFrom, currentID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO commission_rates (anchor_id, rate, effective_from, effective_until, status, created_at)
		VALUES ($1, $2, $3, NULL, 'ACTIVE', $4)
	`, anchorID, rate, effectiveFrom, time.Now())
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogRateChange(anchorID, rate, effectiveFrom)
	log.Printf("[COMMISSION] Rate for anchor %s set to %s%% effective %s", anchorID, rate, effectiveFrom.Format(time.RFC3339))
	return nil
}

// RateHistory lists all intervals for an anchor, newest first.
func (s *CommissionService) RateHistory(ctx context.Context, anchorID string) ([]models.CommissionRateInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anchor_id, rate, effective_from, effective_until, status, created_at
		FROM commission_rates
		WHERE anchor_id = $1
		ORDER BY effective_from DESC
	`, anchorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intervals := []models.CommissionRateInterval{}
	for rows.Next() {
		var interval models.CommissionRateInterval
		var until sql.NullTime
		if err := rows.Scan(&interval.ID, &interval.AnchorID, &interval.Rate,
			&interval.EffectiveFrom, &until, &interval.Status, &interval.CreatedAt); err != nil {
			return nil, err
		}
		if until.Valid {
			t := until.Time
			interval.EffectiveUntil = &t
		}
		intervals = append(intervals, interval)
	}
	return intervals, rows.Err()
}

// SetCommissionRate handles operator rate changes
// @Summary Set commission rate
// @Description Supersede the current rate interval and open a new one for an anchor
// @Tags commission
// @Accept json
// @Produce json
// @Param anchorId path string true "Anchor ID"
// @Param request body object{rate=string,effectiveFrom=string} true "New rate"
// @Success 200 {object} map[string]string
// @Failure 400 {object} services.ErrorResponse
// @Router /anchors/{anchorId}/commission-rate [put]
func (s *CommissionService) SetCommissionRate(w http.ResponseWriter, r *http.Request) {
	anchorID := chi.URLParam(r, "anchorId")

	var req struct {
		Rate          string `json:"rate" validate:"required"`
		EffectiveFrom string `json:"effectiveFrom"`
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

	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		SendErrorResponse(w, "Invalid rate", http.StatusBadRequest, nil)
		return
	}

	effectiveFrom := time.Now()
	if req.EffectiveFrom != "" {
		effectiveFrom, err = time.Parse(time.RFC3339, req.EffectiveFrom)
		if err != nil {
			SendErrorResponse(w, "Invalid effectiveFrom, expected RFC3339", http.StatusBadRequest, nil)
			return
		}
	}

	if err := s.SetRate(r.Context(), anchorID, rate, effectiveFrom); err != nil {
		log.Printf("[COMMISSION] SetRate failed for anchor %s: %v", anchorID, err)
		SendErrorResponse(w, "Failed to set rate", http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"anchorId":      anchorID,
		"rate":          rate.String(),
		"effectiveFrom": effectiveFrom.Format(time.RFC3339),
		"status":        "SUCCESS",
	})
}

// GetRateHistory lists rate intervals for an anchor
// @Summary Get commission rate history
// @Tags commission
// @Produce json
// @Param anchorId path string true "Anchor ID"
// @Success 200 {object} object{intervals=[]models.CommissionRateInterval,count=int}
// @Router /anchors/{anchorId}/commission-rate/history [get]
func (s *CommissionService) GetRateHistory(w http.ResponseWriter, r *http.Request) {
	anchorID := chi.URLParam(r, "anchorId")

	intervals, err := s.RateHistory(r.Context(), anchorID)
	if err != nil {
		log.Printf("[COMMISSION] History fetch failed for anchor %s: %v", anchorID, err)
		SendErrorResponse(w, "Failed to fetch rate history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"intervals": intervals,
		"count":     len(intervals),
	})
}
