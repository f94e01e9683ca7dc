package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tipflow/backend/internal/lock"
	"github.com/tipflow/backend/internal/models"
)

func newWithdrawalService(db *sql.DB) *WithdrawalService {
	locks := lock.NewMemoryLock()
	guard := lock.NewIdempotencyGuard(locks, 24*time.Hour)
	return NewWithdrawalService(db, locks, guard, 30*time.Second, decimal.RequireFromString("50000.00"))
}

func expectAccountLock(mock sqlmock.Sqlmock, anchorID, settled, withdrawn, available string, version int, status string) {
	mock.ExpectExec("INSERT INTO anchor_accounts").
		WithArgs(anchorID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT settled_total, withdrawn_total, available_balance, version, account_status").
		WithArgs(anchorID).
		WillReturnRows(sqlmock.NewRows([]string{"settled_total", "withdrawn_total", "available_balance", "version", "account_status"}).
			AddRow(settled, withdrawn, available, version, status))
}

func TestWithdrawalService_Request(t *testing.T) {
	t.Run("approves and debits within balance", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-1", "17.50", "0", "17.50", 2, "NORMAL")
		mock.ExpectExec("UPDATE anchor_accounts").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "anchor-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-1", "anchor-1", sqlmock.AnyArg(), models.WithdrawalStatusApproved, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectCommit()

		request, err := service.Request(context.Background(), "trace-1", "anchor-1", decimal.RequireFromString("17.50"))
		assert.NoError(t, err)
		assert.Equal(t, models.WithdrawalStatusApproved, request.Status)
		assert.Empty(t, request.RejectReason)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects when balance drained to zero", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-1", "17.50", "17.50", "0", 3, "NORMAL")
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-2", "anchor-1", sqlmock.AnyArg(), models.WithdrawalStatusRejected, models.RejectReasonInsufficientBalance, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectCommit()

		request, err := service.Request(context.Background(), "trace-2", "anchor-1", decimal.RequireFromString("0.01"))
		assert.NoError(t, err)
		assert.Equal(t, models.WithdrawalStatusRejected, request.Status)
		assert.Equal(t, models.RejectReasonInsufficientBalance, request.RejectReason)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retried trace id replays recorded outcome", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)
		now := time.Now()

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-1", "100.00", "0", "100.00", 1, "NORMAL")
		mock.ExpectExec("UPDATE anchor_accounts").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "anchor-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-3", "anchor-1", sqlmock.AnyArg(), models.WithdrawalStatusApproved, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		mock.ExpectCommit()

		first, err := service.Request(context.Background(), "trace-3", "anchor-1", decimal.RequireFromString("40.00"))
		assert.NoError(t, err)
		assert.Equal(t, models.WithdrawalStatusApproved, first.Status)

		// Retry: no balance read, no debit, just the recorded row.
		mock.ExpectQuery("SELECT id, trace_id, anchor_id, amount, status, reject_reason, applied_at, processed_at").
			WithArgs("trace-3").
			WillReturnRows(sqlmock.NewRows([]string{"id", "trace_id", "anchor_id", "amount", "status", "reject_reason", "applied_at", "processed_at"}).
				AddRow(3, "trace-3", "anchor-1", "40.00", models.WithdrawalStatusApproved, nil, now, now))

		second, err := service.Request(context.Background(), "trace-3", "anchor-1", decimal.RequireFromString("40.00"))
		assert.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, models.WithdrawalStatusApproved, second.Status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry after lock contention succeeds with the same trace id", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		locks := lock.NewMemoryLock()
		guard := lock.NewIdempotencyGuard(locks, 24*time.Hour)
		service := NewWithdrawalService(db, locks, guard, 30*time.Second, decimal.RequireFromString("50000.00"))

		held, err := locks.Acquire(context.Background(), "settlement:anchor-1", "other-holder", time.Minute)
		assert.NoError(t, err)
		assert.True(t, held)

		_, err = service.Request(context.Background(), "trace-c1", "anchor-1", decimal.RequireFromString("10.00"))
		assert.ErrorIs(t, err, ErrLockContention)

		released, err := locks.Release(context.Background(), "settlement:anchor-1", "other-holder")
		assert.NoError(t, err)
		assert.True(t, released)

		// Contention recorded nothing, so the retry must run as a first
		// attempt, not a duplicate.
		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-1", "17.50", "0", "17.50", 2, "NORMAL")
		mock.ExpectExec("UPDATE anchor_accounts").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "anchor-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-c1", "anchor-1", sqlmock.AnyArg(), models.WithdrawalStatusApproved, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
		mock.ExpectCommit()

		request, err := service.Request(context.Background(), "trace-c1", "anchor-1", decimal.RequireFromString("10.00"))
		assert.NoError(t, err)
		assert.Equal(t, models.WithdrawalStatusApproved, request.Status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry after account lock failure succeeds with the same trace id", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO anchor_accounts").
			WithArgs("anchor-1", sqlmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err = service.Request(context.Background(), "trace-c2", "anchor-1", decimal.RequireFromString("10.00"))
		assert.Error(t, err)

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-1", "17.50", "0", "17.50", 2, "NORMAL")
		mock.ExpectExec("UPDATE anchor_accounts").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "anchor-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-c2", "anchor-1", sqlmock.AnyArg(), models.WithdrawalStatusApproved, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectCommit()

		request, err := service.Request(context.Background(), "trace-c2", "anchor-1", decimal.RequireFromString("10.00"))
		assert.NoError(t, err)
		assert.Equal(t, models.WithdrawalStatusApproved, request.Status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("marked but unrecorded trace reports in-progress", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		locks := lock.NewMemoryLock()
		guard := lock.NewIdempotencyGuard(locks, 24*time.Hour)
		service := NewWithdrawalService(db, locks, guard, 30*time.Second, decimal.RequireFromString("50000.00"))

		// Mark the trace as if a first attempt died mid-flight.
		firstSeen, err := guard.CheckAndMark(context.Background(), "withdrawal:trace-4")
		assert.NoError(t, err)
		assert.True(t, firstSeen)

		mock.ExpectQuery("SELECT id, trace_id, anchor_id, amount, status, reject_reason, applied_at, processed_at").
			WithArgs("trace-4").
			WillReturnError(sql.ErrNoRows)

		_, err = service.Request(context.Background(), "trace-4", "anchor-1", decimal.RequireFromString("5.00"))
		assert.ErrorIs(t, err, ErrDuplicateOperation)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("frozen account rejects", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-2", "100.00", "0", "100.00", 1, models.AccountStatusFrozen)
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-5", "anchor-2", sqlmock.AnyArg(), models.WithdrawalStatusRejected, models.RejectReasonAccountFrozen, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
		mock.ExpectCommit()

		request, err := service.Request(context.Background(), "trace-5", "anchor-2", decimal.RequireFromString("10.00"))
		assert.NoError(t, err)
		assert.Equal(t, models.RejectReasonAccountFrozen, request.RejectReason)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("withdrawal-blocked account rejects", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-3", "100.00", "0", "100.00", 1, models.AccountStatusWithdrawalBlocked)
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-6", "anchor-3", sqlmock.AnyArg(), models.WithdrawalStatusRejected, models.RejectReasonWithdrawalBlocked, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(6))
		mock.ExpectCommit()

		request, err := service.Request(context.Background(), "trace-6", "anchor-3", decimal.RequireFromString("10.00"))
		assert.NoError(t, err)
		assert.Equal(t, models.RejectReasonWithdrawalBlocked, request.RejectReason)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid input before touching the guard", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		_, err = service.Request(context.Background(), "", "anchor-1", decimal.RequireFromString("10.00"))
		assert.Error(t, err)

		_, err = service.Request(context.Background(), "trace-7", "anchor-1", decimal.Zero)
		assert.Error(t, err)

		_, err = service.Request(context.Background(), "trace-8", "anchor-1", decimal.RequireFromString("50000.01"))
		assert.Error(t, err)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWithdrawalService_RequestWithdrawal(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-1", "17.50", "0", "17.50", 2, "NORMAL")
		mock.ExpectExec("UPDATE anchor_accounts").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "anchor-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-h1", "anchor-1", sqlmock.AnyArg(), models.WithdrawalStatusApproved, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectCommit()

		body, _ := json.Marshal(map[string]string{
			"traceId":  "trace-h1",
			"anchorId": "anchor-1",
			"amount":   "17.50",
		})
		r := httptest.NewRequest("POST", "/withdrawals", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.RequestWithdrawal(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["success"])

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejection reported as unsuccessful outcome", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		mock.ExpectBegin()
		expectAccountLock(mock, "anchor-1", "0", "0", "0", 1, "NORMAL")
		mock.ExpectQuery("INSERT INTO withdrawal_requests").
			WithArgs("trace-h2", "anchor-1", sqlmock.AnyArg(), models.WithdrawalStatusRejected, models.RejectReasonInsufficientBalance, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectCommit()

		body, _ := json.Marshal(map[string]string{
			"traceId":  "trace-h2",
			"anchorId": "anchor-1",
			"amount":   "10.00",
		})
		r := httptest.NewRequest("POST", "/withdrawals", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.RequestWithdrawal(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, false, response["success"])

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid request body", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		r := httptest.NewRequest("POST", "/withdrawals", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.RequestWithdrawal(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newWithdrawalService(db)

		body, _ := json.Marshal(map[string]string{"anchorId": "anchor-1"})
		r := httptest.NewRequest("POST", "/withdrawals", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.RequestWithdrawal(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
