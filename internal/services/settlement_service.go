package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tipflow/backend/internal/audit"
	"github.com/tipflow/backend/internal/lock"
	"github.com/tipflow/backend/internal/models"
)

// settlementLockKey is the lock family shared by settlement runs and
// withdrawals: both read-modify-write the same account row, so they are
// mutually exclusive per anchor.
func settlementLockKey(anchorID string) string {
	return "settlement:" + anchorID
}

// SettlementService aggregates an anchor's unsettled tips into its payable
// balance under the anchor's distributed lock.
type SettlementService struct {
	db      *sql.DB
	locks   lock.Locker
	rates   *CommissionService
	audit   *audit.Logger
	lockTTL time.Duration
}

func NewSettlementService(db *sql.DB, locks lock.Locker, rates *CommissionService, lockTTL time.Duration) *SettlementService {
	return &SettlementService{
		db:      db,
		locks:   locks,
		rates:   rates,
		audit:   audit.NewLogger(),
		lockTTL: lockTTL,
	}
}

// SettlementOutcome reports one settlement run. NoOp means there was nothing
// to settle, which is not an error.
type SettlementOutcome struct {
	NoOp   bool                     `json:"noOp"`
	Detail *models.SettlementDetail `json:"detail,omitempty"`
}

// Settle locks the anchor, aggregates all unsettled tips before cutoff at the
// rate effective at cutoff, and applies balance update, record marking and
// detail row as one transaction. Any failure aborts the whole run and leaves
// the data exactly as it was.
func (s *SettlementService) Settle(ctx context.Context, anchorID string, cutoff time.Time) (*SettlementOutcome, error) {
	token := uuid.NewString()
	key := settlementLockKey(anchorID)

	acquired, err := s.locks.Acquire(ctx, key, token, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockContention, err)
	}
	if !acquired {
		return nil, ErrLockContention
	}
	// Release must run on every exit path, including timeouts, or the next
	// run is starved for the full TTL. Fresh context: the request context
	// may already be canceled.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.locks.Release(releaseCtx, key, token); err != nil {
			log.Printf("[SETTLEMENT] Lock release failed for anchor %s: %v", anchorID, err)
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, amount, occurred_at FROM tip_records
		WHERE anchor_id = $1 AND settlement_status = 'UNSETTLED' AND occurred_at < $2
		ORDER BY occurred_at ASC, id ASC
		FOR UPDATE
	`, anchorID, cutoff)
	if err != nil {
		return nil, err
	}

	var ids []int64
	gross := decimal.Zero
	var periodStart, periodEnd time.Time
	for rows.Next() {
		var id int64
		var amount decimal.Decimal
		var occurredAt time.Time
		if err := rows.Scan(&id, &amount, &occurredAt); err != nil {
			rows.Close()
			return nil, err
		}
		if len(ids) == 0 {
			periodStart = occurredAt
		}
		periodEnd = occurredAt
		ids = append(ids, id)
		gross = gross.Add(amount)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		log.Printf("[SETTLEMENT] No unsettled tips for anchor %s before %s", anchorID, cutoff.Format(time.RFC3339))
		return &SettlementOutcome{NoOp: true}, nil
	}

	rate, err := s.rates.Resolve(ctx, anchorID, cutoff)
	if err != nil {
		return nil, err
	}

	account, err := lockAccount(ctx, tx, anchorID)
	if err != nil {
		return nil, err
	}
	if account.AccountStatus == models.AccountStatusFrozen {
		return nil, fmt.Errorf("anchor %s: %w", anchorID, ErrAccountFrozen)
	}

	// Round half up once on the final net amount, never per record.
	net := gross.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)

	newSettled := account.SettledTotal.Add(net)
	newAvailable := newSettled.Sub(account.WithdrawnTotal)

	if err := updateAccountBalances(ctx, tx, anchorID, newSettled, account.WithdrawnTotal, newAvailable, account.Version); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE tip_records SET settlement_status = 'SETTLED'
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	marked, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if marked != int64(len(ids)) {
		// Must never fire: the rows are locked by the SELECT above.
		return nil, fmt.Errorf("anchor %s: marked %d of %d records: %w", anchorID, marked, len(ids), ErrPartialApply)
	}

	detail := &models.SettlementDetail{
		AnchorID:    anchorID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		GrossAmount: gross,
		AppliedRate: rate,
		NetAmount:   net,
		TipCount:    len(ids),
		CreatedAt:   time.Now(),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO settlement_details (anchor_id, period_start, period_end, gross_amount, applied_rate, net_amount, tip_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, detail.AnchorID, detail.PeriodStart, detail.PeriodEnd, detail.GrossAmount,
		detail.AppliedRate, detail.NetAmount, detail.TipCount, detail.CreatedAt).Scan(&detail.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogSettlement(anchorID, gross, net, len(ids))
	log.Printf("[SETTLEMENT] Anchor %s: settled %d tips, gross %s, rate %s%%, net %s",
		anchorID, len(ids), gross.StringFixed(2), rate, net.StringFixed(2))

	return &SettlementOutcome{Detail: detail}, nil
}

// History lists settlement detail rows for an anchor, newest first.
func (s *SettlementService) History(ctx context.Context, anchorID string, limit int) ([]models.SettlementDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anchor_id, period_start, period_end, gross_amount, applied_rate, net_amount, tip_count, created_at
		FROM settlement_details
		WHERE anchor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, anchorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := []models.SettlementDetail{}
	for rows.Next() {
		var d models.SettlementDetail
		if err := rows.Scan(&d.ID, &d.AnchorID, &d.PeriodStart, &d.PeriodEnd,
			&d.GrossAmount, &d.AppliedRate, &d.NetAmount, &d.TipCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// Balance is a read-only projection of the account for reporting.
func (s *SettlementService) Balance(ctx context.Context, anchorID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT anchor_id, settled_total, withdrawn_total, available_balance, version, account_status, updated_at
		FROM anchor_accounts
		WHERE anchor_id = $1
	`, anchorID).Scan(&account.AnchorID, &account.SettledTotal, &account.WithdrawnTotal,
		&account.AvailableBalance, &account.Version, &account.AccountStatus, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// lockAccount row-locks the anchor's account, creating it on first use.
func lockAccount(ctx context.Context, tx *sql.Tx, anchorID string) (*models.Account, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_accounts (anchor_id, settled_total, withdrawn_total, available_balance, version, account_status, updated_at)
		VALUES ($1, 0, 0, 0, 1, 'NORMAL', $2)
		ON CONFLICT (anchor_id) DO NOTHING
	`, anchorID, time.Now())
	if err != nil {
		return nil, err
	}

	var account models.Account
	account.AnchorID = anchorID
	err = tx.QueryRowContext(ctx, `
		SELECT settled_total, withdrawn_total, available_balance, version, account_status
		FROM anchor_accounts
		WHERE anchor_id = $1
		FOR UPDATE
	`, anchorID).Scan(&account.SettledTotal, &account.WithdrawnTotal,
		&account.AvailableBalance, &account.Version, &account.AccountStatus)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// updateAccountBalances applies new totals with the optimistic version fence.
// The distributed lock already serializes writers; the fence protects
// external readers racing this update.
func updateAccountBalances(ctx context.Context, tx *sql.Tx, anchorID string, settled, withdrawn, available decimal.Decimal, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE anchor_accounts
		SET settled_total = $1, withdrawn_total = $2, available_balance = $3, version = version + 1, updated_at = $4
		WHERE anchor_id = $5 AND version = $6
	`, settled, withdrawn, available, time.Now(), anchorID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", anchorID)
	}
	return nil
}

// RunSettlement triggers a settlement run for an anchor
// @Summary Run settlement
// @Description Aggregate all unsettled tips before the cutoff into the anchor's balance
// @Tags settlement
// @Accept json
// @Produce json
// @Param anchorId path string true "Anchor ID"
// @Param request body object{cutoff=string} false "Optional RFC3339 cutoff, defaults to now"
// @Success 200 {object} services.SettlementOutcome
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /settlements/{anchorId}/run [post]
func (s *SettlementService) RunSettlement(w http.ResponseWriter, r *http.Request) {
	anchorID := chi.URLParam(r, "anchorId")

	cutoff := time.Now()
	var req struct {
		Cutoff string `json:"cutoff"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
		if req.Cutoff != "" {
			var err error
			cutoff, err = time.Parse(time.RFC3339, req.Cutoff)
			if err != nil {
				SendErrorResponse(w, "Invalid cutoff, expected RFC3339", http.StatusBadRequest, nil)
				return
			}
		}
	}

	outcome, err := s.Settle(r.Context(), anchorID, cutoff)
	switch {
	case errors.Is(err, ErrLockContention):
		SendErrorResponse(w, "Settlement already running for anchor", http.StatusConflict, nil)
		return
	case errors.Is(err, ErrRateNotConfigured), errors.Is(err, ErrRateAmbiguous):
		log.Printf("[SETTLEMENT] Rate resolution failed for anchor %s: %v", anchorID, err)
		SendErrorResponse(w, "Commission rate configuration error", http.StatusUnprocessableEntity, nil)
		return
	case err != nil:
		log.Printf("[SETTLEMENT] Run failed for anchor %s: %v", anchorID, err)
		s.audit.LogError("", anchorID, err)
		SendErrorResponse(w, "Settlement failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

// GetSettlementHistory lists settlement runs for an anchor
// @Summary Get settlement history
// @Tags settlement
// @Produce json
// @Param anchorId path string true "Anchor ID"
// @Success 200 {object} object{settlements=[]models.SettlementDetail,count=int}
// @Router /settlements/{anchorId} [get]
func (s *SettlementService) GetSettlementHistory(w http.ResponseWriter, r *http.Request) {
	anchorID := chi.URLParam(r, "anchorId")

	details, err := s.History(r.Context(), anchorID, 50)
	if err != nil {
		log.Printf("[SETTLEMENT] History fetch failed for anchor %s: %v", anchorID, err)
		SendErrorResponse(w, "Failed to fetch settlement history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"settlements": details,
		"count":       len(details),
	})
}

// GetAccountBalance returns the anchor's balance projection
// @Summary Get account balance
// @Tags settlement
// @Produce json
// @Param anchorId path string true "Anchor ID"
// @Success 200 {object} models.Account
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{anchorId}/balance [get]
func (s *SettlementService) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	anchorID := chi.URLParam(r, "anchorId")

	account, err := s.Balance(r.Context(), anchorID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}
