// Package clients holds the outbound side of the cross-service sync
// pipeline: the settlement sink contract, its HTTP implementation, and the
// retry/circuit-breaker decorator wrapped around it.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/tipflow/backend/internal/models"
)

// TipBatch is the wire payload of one sync transmission. The batch id is the
// target-side dedup key: resending the same id must not reapply records.
type TipBatch struct {
	BatchID string             `json:"batchId"`
	Records []models.TipRecord `json:"records"`
}

// BatchReceipt is the target's confirmation of a batch.
type BatchReceipt struct {
	BatchID   string `json:"batchId"`
	Applied   int    `json:"applied"`
	Duplicate bool   `json:"duplicate"`
}

// SinkBusyError marks a target-reported busy response. The caller keeps the
// cursor and retries the same batch id later.
type SinkBusyError struct {
	StatusCode int
}

func (e *SinkBusyError) Error() string {
	return fmt.Sprintf("settlement sink busy (status %d)", e.StatusCode)
}

// SettlementSink accepts tip batches on the settlement side. The call itself
// is not idempotent (a response can be lost after the write landed), so the
// target dedups on batch id.
type SettlementSink interface {
	PushBatch(ctx context.Context, batch *TipBatch) (*BatchReceipt, error)
}

// HTTPSink transmits batches to the settlement service over HTTP.
type HTTPSink struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) PushBatch(ctx context.Context, batch *TipBatch) (*BatchReceipt, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}

	url := s.baseURL + "/api/v1/sync/batches"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sink request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var receipt BatchReceipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return nil, fmt.Errorf("sink receipt decode failed: %w", err)
		}
		return &receipt, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &SinkBusyError{StatusCode: resp.StatusCode}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("[SINK] Batch %s rejected with status %d: %s", batch.BatchID, resp.StatusCode, msg)
		return nil, fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
}
