package settlement

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryQueueEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	req := sampleRequest()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_retries")).
		WithArgs(req.CaseID, sqlmock.AnyArg(), at, "executor down").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewRetryQueue(db, 3).Enqueue(context.Background(), req, "executor down", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryQueueClaimDueLeasesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	req := sampleRequest()
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT case_id::text, payload, attempts, next_attempt_at")).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows([]string{"case_id", "payload", "attempts", "next_attempt_at"}).
			AddRow(req.CaseID, payload, 2, now.Add(-time.Minute)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_retries SET next_attempt_at = $1")).
		WithArgs(now.Add(5*time.Minute), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	items, err := NewRetryQueue(db, 3).ClaimDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, req.CaseID, items[0].CaseID)
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, req.CaseNumber, items[0].Request.CaseNumber)
	assert.True(t, req.Compensation.Equal(items[0].Request.Compensation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryQueueClaimDueEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlement_retries")).
		WithArgs(now, 5).
		WillReturnRows(sqlmock.NewRows([]string{"case_id", "payload", "attempts", "next_attempt_at"}))
	mock.ExpectRollback()

	items, err := NewRetryQueue(db, 3).ClaimDue(context.Background(), now, 5)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryQueueMarkFailedReportsDead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	next := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE settlement_retries")).
		WithArgs("case-1", "boom", next, 3).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("dead"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE settlement_retries")).
		WithArgs("case-2", "boom", next, 3).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	q := NewRetryQueue(db, 3)
	dead, err := q.MarkFailed(context.Background(), "case-1", next, "boom")
	require.NoError(t, err)
	assert.True(t, dead)

	dead, err = q.MarkFailed(context.Background(), "case-2", next, "boom")
	require.NoError(t, err)
	assert.False(t, dead)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryQueueMarkDone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'done'")).
		WithArgs("case-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewRetryQueue(db, 3).MarkDone(context.Background(), "case-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryQueueDropMatchesKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'superseded'")).
		WithArgs("case-1", "case-1/1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewRetryQueue(db, 3).Drop(context.Background(), "case-1", "case-1/1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryQueueEnqueueResetsAttemptsForNewKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	req := sampleRequest()
	mock.ExpectExec(`(?s)ON CONFLICT \(case_id\) DO UPDATE SET\s+attempts = CASE WHEN settlement_retries.payload->>'key' = EXCLUDED.payload->>'key'`).
		WithArgs(req.CaseID, sqlmock.AnyArg(), at, "executor down").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewRetryQueue(db, 3).Enqueue(context.Background(), req, "executor down", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}
