package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RunLedger is the durable alert_name -> last_run_time map the scheduler
// consults so per-alert intervals survive restarts. Implementations must
// serialize their own writes.
type RunLedger interface {
	LastRun(ctx context.Context, alertName string) (time.Time, bool, error)
	SetLastRun(ctx context.Context, alertName string, t time.Time) error
	Close() error
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS alert_runtime (
	alert_name TEXT PRIMARY KEY,
	last_run   TIMESTAMP
);
`

// SQLiteLedger is the default RunLedger: a single-file SQLite database.
// Timestamps are stored as ISO-8601 text. A single connection serializes
// concurrent writers.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) LastRun(ctx context.Context, alertName string) (time.Time, bool, error) {
	var raw string
	err := l.db.QueryRowContext(ctx,
		`SELECT last_run FROM alert_runtime WHERE alert_name = ?`, alertName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger read %q: %w", alertName, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger parse %q: %w", alertName, err)
	}
	return t, true, nil
}

func (l *SQLiteLedger) SetLastRun(ctx context.Context, alertName string, t time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO alert_runtime (alert_name, last_run) VALUES (?, ?)
		 ON CONFLICT(alert_name) DO UPDATE SET last_run = excluded.last_run`,
		alertName, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger write %q: %w", alertName, err)
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
