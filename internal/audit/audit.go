package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	TraceID   string    `json:"trace_id"`
	AnchorID  string    `json:"anchor_id"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// Logger writes an append-only trail of every money-moving operation.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogSettlement(anchorID string, gross, net decimal.Decimal, tipCount int) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "SETTLEMENT_RUN",
		AnchorID:  anchorID,
		Amount:    net.StringFixed(2),
		Status:    "SUCCESS",
		Details: map[string]any{
			"gross_amount": gross.StringFixed(2),
			"tip_count":    tipCount,
		},
	})
}

func (a *Logger) LogWithdrawal(traceID, anchorID string, amount decimal.Decimal, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "WITHDRAWAL",
		TraceID:   traceID,
		AnchorID:  anchorID,
		Amount:    amount.StringFixed(2),
		Status:    status,
	})
}

func (a *Logger) LogRateChange(anchorID string, rate decimal.Decimal, effectiveFrom time.Time) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "RATE_CHANGE",
		AnchorID:  anchorID,
		Status:    "SUCCESS",
		Details: map[string]string{
			"rate":           rate.String(),
			"effective_from": effectiveFrom.Format(time.RFC3339),
		},
	})
}

func (a *Logger) LogSyncBatch(batchID string, recordCount int, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "SYNC_BATCH",
		TraceID:   batchID,
		Status:    status,
		Details:   map[string]int{"record_count": recordCount},
	})
}

func (a *Logger) LogError(traceID, anchorID string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		TraceID:   traceID,
		AnchorID:  anchorID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
