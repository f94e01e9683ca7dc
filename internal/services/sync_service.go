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

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tipflow/backend/internal/audit"
	"github.com/tipflow/backend/internal/clients"
	"github.com/tipflow/backend/internal/models"
)

// SyncService is the resumable pump moving tip records from the intake side
// to the settlement sink. At-least-once with target-side batch-id dedup: the
// cursor only advances after confirmed receipt, and an unconfirmed batch is
// retried with the same batch id, never a new one.
type SyncService struct {
	db        *sql.DB
	sink      clients.SettlementSink
	audit     *audit.Logger
	source    string
	target    string
	batchSize int
}

func NewSyncService(db *sql.DB, sink clients.SettlementSink, source, target string, batchSize int) *SyncService {
	return &SyncService{
		db:        db,
		sink:      sink,
		audit:     audit.NewLogger(),
		source:    source,
		target:    target,
		batchSize: batchSize,
	}
}

// SyncReport summarizes one RunOnce invocation.
type SyncReport struct {
	NoOp    bool   `json:"noOp"`
	Resumed bool   `json:"resumed"`
	BatchID string `json:"batchId,omitempty"`
	Sent    int    `json:"sent"`
	Cursor  int64  `json:"cursor"`
}

// RunOnce performs one sync step: resume any in-flight batch first, otherwise
// cut a new batch after the confirmed cursor. Invoked by an external
// scheduler; transient failures are returned for the scheduler to retry.
func (s *SyncService) RunOnce(ctx context.Context) (*SyncReport, error) {
	progress, err := s.loadProgress(ctx)
	if err != nil {
		return nil, err
	}

	// Resumption contract: a leftover in-flight batch is re-sent with its
	// original batch id before any new records are considered.
	if progress.InFlightBatchID != nil {
		return s.resume(ctx, progress)
	}

	records, err := s.fetchAfter(ctx, progress.LastConfirmedCursor)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &SyncReport{NoOp: true, Cursor: progress.LastConfirmedCursor}, nil
	}

	batchID := newBatchID()
	if err := s.markInFlight(ctx, batchID, records); err != nil {
		return nil, err
	}

	return s.transmit(ctx, batchID, records, false)
}

// resume re-sends the exact batch left in flight by a crash or lost response.
func (s *SyncService) resume(ctx context.Context, progress *models.SyncProgress) (*SyncReport, error) {
	batchID := *progress.InFlightBatchID
	log.Printf("[SYNC] Resuming in-flight batch %s", batchID)

	records, err := s.fetchBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		// The batch tag and the in-flight mark are written in one
		// transaction, so an empty batch means the progress row was edited
		// out of band. Surface for manual reconciliation.
		return nil, fmt.Errorf("in-flight batch %s has no tagged records: %w", batchID, ErrPartialApply)
	}

	return s.transmit(ctx, batchID, records, true)
}

func (s *SyncService) transmit(ctx context.Context, batchID string, records []models.TipRecord, resumed bool) (*SyncReport, error) {
	receipt, err := s.sink.PushBatch(ctx, &clients.TipBatch{BatchID: batchID, Records: records})
	if err != nil {
		// Cursor stays put; the same batch id goes out on the next run.
		s.audit.LogSyncBatch(batchID, len(records), "FAILED")
		var busy *clients.SinkBusyError
		if errors.As(err, &busy) {
			return nil, fmt.Errorf("batch %s: %w: %v", batchID, ErrSinkBusy, err)
		}
		return nil, fmt.Errorf("batch %s: %w: %v", batchID, ErrSyncTransmitFailure, err)
	}

	newCursor := records[len(records)-1].ID
	if err := s.confirm(ctx, batchID, newCursor); err != nil {
		return nil, err
	}

	status := "CONFIRMED"
	if receipt.Duplicate {
		status = "CONFIRMED_DUPLICATE"
	}
	s.audit.LogSyncBatch(batchID, len(records), status)
	log.Printf("[SYNC] Batch %s confirmed (%d records, duplicate=%t), cursor advanced to %d",
		batchID, len(records), receipt.Duplicate, newCursor)

	return &SyncReport{
		Resumed: resumed,
		BatchID: batchID,
		Sent:    len(records),
		Cursor:  newCursor,
	}, nil
}

// loadProgress reads (and on first use creates) the cursor row.
func (s *SyncService) loadProgress(ctx context.Context) (*models.SyncProgress, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_progress (source_service, target_service, last_confirmed_cursor, in_flight_batch_id, updated_at)
		VALUES ($1, $2, 0, NULL, $3)
		ON CONFLICT (source_service, target_service) DO NOTHING
	`, s.source, s.target, time.Now())
	if err != nil {
		return nil, err
	}

	progress := &models.SyncProgress{SourceService: s.source, TargetService: s.target}
	var inFlight sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT last_confirmed_cursor, in_flight_batch_id, updated_at
		FROM sync_progress
		WHERE source_service = $1 AND target_service = $2
	`, s.source, s.target).Scan(&progress.LastConfirmedCursor, &inFlight, &progress.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inFlight.Valid {
		progress.InFlightBatchID = &inFlight.String
	}
	return progress, nil
}

func (s *SyncService) fetchAfter(ctx context.Context, cursor int64) ([]models.TipRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anchor_id, audience_id, amount, occurred_at, operation_id, settlement_status, created_at
		FROM tip_records
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, cursor, s.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTipRecords(rows)
}

func (s *SyncService) fetchBatch(ctx context.Context, batchID string) ([]models.TipRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anchor_id, audience_id, amount, occurred_at, operation_id, settlement_status, created_at
		FROM tip_records
		WHERE sync_batch_id = $1
		ORDER BY id ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTipRecords(rows)
}

// markInFlight tags the records and records the in-flight batch id in one
// transaction, so a crash straight after leaves a resumable state.
func (s *SyncService) markInFlight(ctx context.Context, batchID string, records []models.TipRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE sync_progress
		SET in_flight_batch_id = $1, updated_at = $2
		WHERE source_service = $3 AND target_service = $4 AND in_flight_batch_id IS NULL
	`, batchID, time.Now(), s.source, s.target)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// Two overlapping runs: the other one owns the in-flight slot.
		return fmt.Errorf("another batch already in flight for %s -> %s: %w", s.source, s.target, ErrLockContention)
	}

	ids := make([]int64, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tip_records SET sync_batch_id = $1 WHERE id = ANY($2)
	`, batchID, pq.Array(ids))
	if err != nil {
		return err
	}

	return tx.Commit()
}

// confirm advances the cursor and clears the in-flight mark as one update.
// The cursor guard keeps it monotonic even if a stale confirm replays.
func (s *SyncService) confirm(ctx context.Context, batchID string, cursor int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_progress
		SET last_confirmed_cursor = $1, in_flight_batch_id = NULL, updated_at = $2
		WHERE source_service = $3 AND target_service = $4
		  AND in_flight_batch_id = $5 AND last_confirmed_cursor < $1
	`, cursor, time.Now(), s.source, s.target, batchID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// The progress row no longer carries this batch id, or the cursor
		// already moved past it: edited out of band. Fail loud rather than
		// report a cursor advance that never happened.
		return fmt.Errorf("batch %s: cursor confirm matched no progress row: %w", batchID, ErrPartialApply)
	}
	return nil
}

// newBatchID embeds a timestamp so ids are monotonically distinguishable and
// never reused across runs.
func newBatchID() string {
	return fmt.Sprintf("sync-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

func scanTipRecords(rows *sql.Rows) ([]models.TipRecord, error) {
	records := []models.TipRecord{}
	for rows.Next() {
		var record models.TipRecord
		if err := rows.Scan(&record.ID, &record.AnchorID, &record.AudienceID, &record.Amount,
			&record.OccurredAt, &record.OperationID, &record.SettlementStatus, &record.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// RunSync triggers one sync step
// @Summary Run one sync step
// @Description Resume the in-flight batch or ship the next batch of tip records
// @Tags sync
// @Produce json
// @Success 200 {object} services.SyncReport
// @Failure 502 {object} services.ErrorResponse
// @Router /sync/run [post]
func (s *SyncService) RunSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.RunOnce(r.Context())
	switch {
	case errors.Is(err, ErrLockContention):
		SendErrorResponse(w, "Another sync run is in flight", http.StatusConflict, nil)
		return
	case errors.Is(err, ErrSyncTransmitFailure), errors.Is(err, ErrSinkBusy):
		log.Printf("[SYNC] Transmit failed, will retry same batch: %v", err)
		SendErrorResponse(w, "Sync transmit failed, retry later", http.StatusBadGateway, nil)
		return
	case err != nil:
		log.Printf("[SYNC] Run failed: %v", err)
		SendErrorResponse(w, "Sync run failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
