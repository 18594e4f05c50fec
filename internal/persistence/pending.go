package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql

	"github.com/aschaap/picosnitch-go/internal/updater"
)

// pendingDDL mirrors the WAL-mode, single-writer schema shape used
// elsewhere in this codebase for small local ledgers: one table, one index
// over the column the resume sweep scans by.
const pendingDDL = `
CREATE TABLE IF NOT EXISTS pending_digests (
    exe          TEXT NOT NULL,
    name         TEXT NOT NULL,
    digest       TEXT NOT NULL,
    requested_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (exe, digest)
);
`

// PendingLedger records which (exe, digest) pairs have an in-flight
// reputation query, so a restarted Updater can resume its check_pending
// sweep (spec.md §5) in O(pending) time instead of re-walking the full
// persisted knowledge base looking for "Pending" verdicts.
type PendingLedger struct {
	db *sql.DB
}

// OpenPendingLedger opens (or creates) the SQLite database at path and
// applies its schema. If path is ":memory:", an in-memory database is used
// (tests only — it loses all data when closed).
func OpenPendingLedger(path string) (*PendingLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open pending ledger %q: %w", path, err)
	}

	// A single writer connection avoids "database is locked" errors when
	// the Updater's state-update path and a resume sweep both touch the
	// ledger around a restart.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(pendingDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: apply pending ledger schema: %w", err)
	}

	return &PendingLedger{db: db}, nil
}

// MarkPending records that exe's digest has an in-flight reputation query.
// Idempotent: re-marking an already-pending pair refreshes its name and
// requested_at.
func (l *PendingLedger) MarkPending(ctx context.Context, exe, name, digest string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO pending_digests (exe, name, digest, requested_at)
		 VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT (exe, digest) DO UPDATE SET name = excluded.name, requested_at = excluded.requested_at`,
		exe, name, digest)
	if err != nil {
		return fmt.Errorf("persistence: mark pending %s/%s: %w", exe, digest, err)
	}
	return nil
}

// MarkResolved removes the (exe, digest) pair once its verdict is final.
func (l *PendingLedger) MarkResolved(ctx context.Context, exe, digest string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM pending_digests WHERE exe = ? AND digest = ?`, exe, digest); err != nil {
		return fmt.Errorf("persistence: mark resolved %s/%s: %w", exe, digest, err)
	}
	return nil
}

// ListPending returns every (exe, name, digest) triple still awaiting a
// verdict, for the Updater's startup check_pending resume sweep.
func (l *PendingLedger) ListPending(ctx context.Context) ([]updater.PendingEntry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT exe, name, digest FROM pending_digests ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("persistence: list pending: %w", err)
	}
	defer rows.Close()

	var entries []updater.PendingEntry
	for rows.Next() {
		var e updater.PendingEntry
		if err := rows.Scan(&e.Exe, &e.Name, &e.Digest); err != nil {
			return nil, fmt.Errorf("persistence: scan pending row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: iterate pending rows: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database connection.
func (l *PendingLedger) Close() error {
	return l.db.Close()
}
