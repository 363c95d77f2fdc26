package api

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AuditLog persists one row per claim decision so operators can reconstruct
// who was credited what, and why a claim was rejected, without replaying
// ledger history.
type AuditLog struct {
	db *sql.DB
}

func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("api: open audit log: %w", err)
	}
	log := &AuditLog{db: db}
	if err := log.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *AuditLog) init() error {
	schema := `CREATE TABLE IF NOT EXISTS claim_audit (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        occurred_at TIMESTAMP NOT NULL,
        request_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        claimant TEXT NOT NULL,
        reference TEXT NOT NULL,
        code TEXT NOT NULL,
        credited REAL NOT NULL
    );`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("api: init audit schema: %w", err)
	}
	return nil
}

// Record appends one claim decision. Failures are returned to the caller for
// logging but never block the claim response.
func (l *AuditLog) Record(ctx context.Context, requestID, kind, claimant, reference, code string, credited float64) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO claim_audit (occurred_at, request_id, kind, claimant, reference, code, credited)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), requestID, kind, claimant, reference, code, credited,
	)
	if err != nil {
		return fmt.Errorf("api: record audit row: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *AuditLog) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
