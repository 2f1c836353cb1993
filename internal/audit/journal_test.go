package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"riskguard/internal/core"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func liquidationFailed() core.AuditEvent {
	return core.AuditEvent{
		Type:      "liquidation.failed",
		Severity:  core.SeverityCritical,
		AccountID: "acct-1",
		Subject:   "episode-1",
		Message:   "remote error: status=403 body=forbidden",
		Fields:    map[string]string{"key": "liquidation:acct-1:episode-1"},
		Timestamp: at,
	}
}

func TestSQLJournal_Record(t *testing.T) {
	tests := []struct {
		name        string
		event       core.AuditEvent
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name:  "with fields",
			event: liquidationFailed(),
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO audit_events`).
					WithArgs("liquidation.failed", "critical", "acct-1", "episode-1", sqlmock.AnyArg(), sqlmock.AnyArg(), at.UnixNano()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:  "without fields",
			event: core.AuditEvent{Type: "margin_call.resolved", Severity: core.SeverityInfo, AccountID: "acct-1", Timestamp: at},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO audit_events`).
					WithArgs("margin_call.resolved", "info", "acct-1", "", "", []byte(nil), at.UnixNano()).
					WillReturnResult(sqlmock.NewResult(2, 1))
			},
		},
		{
			name:  "database error",
			event: liquidationFailed(),
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO audit_events`).WillReturnError(errors.New("disk I/O error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tt.mockSetup(mock)
			err = NewSQLJournal(db).Record(context.Background(), tt.event)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLJournal_Recent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"type", "severity", "account_id", "subject", "message", "fields", "created_at"}).
		AddRow("liquidation.failed", "critical", "acct-1", "episode-1", "forbidden", []byte(`{"key":"k"}`), at.UnixNano()).
		AddRow("margin_call.notified", "warning", "acct-1", "episode-1", "CRITICAL band", nil, at.Add(-time.Minute).UnixNano())
	mock.ExpectQuery(`SELECT (.+) FROM audit_events WHERE account_id = \?`).
		WithArgs("acct-1", 10).
		WillReturnRows(rows)

	events, err := NewSQLJournal(db).Recent(context.Background(), "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, core.SeverityCritical, events[0].Severity)
	assert.Equal(t, "k", events[0].Fields["key"])
	assert.True(t, events[0].Timestamp.Equal(at))
	assert.Nil(t, events[1].Fields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournal_DeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM audit_events WHERE created_at < \?`).
		WithArgs(at.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := NewSQLJournal(db).DeleteOlderThan(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteJournal_RoundTrip(t *testing.T) {
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.Record(ctx, core.AuditEvent{Type: "margin_call.notified", Severity: core.SeverityWarning, AccountID: "acct-1", Timestamp: at.Add(-2 * time.Hour)}))
	require.NoError(t, j.Record(ctx, liquidationFailed()))
	require.NoError(t, j.Record(ctx, core.AuditEvent{Type: "closure.close_position", Severity: core.SeverityInfo, AccountID: "acct-2", Timestamp: at}))

	events, err := j.Recent(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "liquidation.failed", events[0].Type)
	assert.Equal(t, "liquidation:acct-1:episode-1", events[0].Fields["key"])

	n, err := j.DeleteOlderThan(ctx, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, j.Ping(ctx))
}
