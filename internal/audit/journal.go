package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"riskguard/internal/core"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	account_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	message TEXT NOT NULL,
	fields TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_account_created ON audit_events (account_id, created_at);`

// SQLJournal is an append-only audit table
type SQLJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens path in WAL mode and creates the table when missing
func NewSQLiteJournal(path string) (*SQLJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return NewSQLJournal(db), nil
}

// NewSQLJournal wraps an already prepared database
func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

func (j *SQLJournal) Record(ctx context.Context, ev core.AuditEvent) error {
	var fields []byte
	if len(ev.Fields) > 0 {
		data, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode audit fields: %w", err)
		}
		fields = data
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `INSERT INTO audit_events (type, severity, account_id, subject, message, fields, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := j.db.ExecContext(ctx, query,
		ev.Type, string(ev.Severity), ev.AccountID, ev.Subject, ev.Message, fields, ts.UnixNano()); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Recent returns the account's latest events, newest first
func (j *SQLJournal) Recent(ctx context.Context, accountID string, limit int) ([]core.AuditEvent, error) {
	query := `SELECT type, severity, account_id, subject, message, fields, created_at FROM audit_events WHERE account_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []core.AuditEvent
	for rows.Next() {
		var ev core.AuditEvent
		var severity string
		var fields []byte
		var created int64
		if err := rows.Scan(&ev.Type, &severity, &ev.AccountID, &ev.Subject, &ev.Message, &fields, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Severity = core.Severity(severity)
		ev.Timestamp = time.Unix(0, created).UTC()
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &ev.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode audit fields: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteOlderThan prunes events recorded before cutoff
func (j *SQLJournal) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database connection
func (j *SQLJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *SQLJournal) Close() error {
	return j.db.Close()
}
