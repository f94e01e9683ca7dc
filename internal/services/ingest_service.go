package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/tipflow/backend/internal/audit"
	"github.com/tipflow/backend/internal/clients"
)

// IngestService is the settlement-side receiver of the sync pipeline. Batch
// ids are persisted before records so a replayed batch short-circuits without
// reapplying; individual records additionally dedup on operation id.
type IngestService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewIngestService(db *sql.DB) *IngestService {
	return &IngestService{db: db, audit: audit.NewLogger()}
}

// ApplyBatch persists a batch idempotently. A batch id seen before returns a
// duplicate receipt; the sender treats both as confirmation.
func (s *IngestService) ApplyBatch(ctx context.Context, batch *clients.TipBatch) (*clients.BatchReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sync_batches (batch_id, record_count, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id) DO NOTHING
	`, batch.BatchID, len(batch.Records), time.Now())
	if err != nil {
		return nil, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		log.Printf("[INGEST] Batch %s already applied, short-circuiting", batch.BatchID)
		return &clients.BatchReceipt{BatchID: batch.BatchID, Duplicate: true}, nil
	}

	applied := 0
	for _, record := range batch.Records {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO tip_records (anchor_id, audience_id, amount, occurred_at, operation_id, settlement_status, created_at)
			VALUES ($1, $2, $3, $4, $5, 'UNSETTLED', $6)
			ON CONFLICT (operation_id) DO NOTHING
		`, record.AnchorID, record.AudienceID, record.Amount, record.OccurredAt, record.OperationID, time.Now())
		if err != nil {
			return nil, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		applied += int(n)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogSyncBatch(batch.BatchID, applied, "APPLIED")
	log.Printf("[INGEST] Batch %s applied: %d of %d records new", batch.BatchID, applied, len(batch.Records))
	return &clients.BatchReceipt{BatchID: batch.BatchID, Applied: applied}, nil
}

// ReceiveBatch accepts a sync batch from the intake side
// @Summary Receive a sync batch
// @Description Idempotently apply a batch of tip records keyed by batch id
// @Tags sync
// @Accept json
// @Produce json
// @Param batch body clients.TipBatch true "Tip batch"
// @Success 200 {object} clients.BatchReceipt
// @Failure 400 {object} services.ErrorResponse
// @Router /sync/batches [post]
func (s *IngestService) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var batch clients.TipBatch

	r.Body = http.MaxBytesReader(w, r.Body, 8_388_608) // 8 MB, batches carry many records
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&batch); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if batch.BatchID == "" {
		SendErrorResponse(w, "batchId is required", http.StatusBadRequest, nil)
		return
	}

	receipt, err := s.ApplyBatch(r.Context(), &batch)
	if err != nil {
		log.Printf("[INGEST] Batch %s apply failed: %v", batch.BatchID, err)
		SendErrorResponse(w, "Failed to apply batch", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipt)
}
