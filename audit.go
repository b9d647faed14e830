package main

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cockroachdb/errors"
)

// ErrAudit wraps audit ledger failures; these are logged but never fail
// the rsync response that triggered them (the ledger is an operational
// aid, not part of the transfer's correctness).
var ErrAudit = errors.New("audit: ledger error")

// AuditLedger records one row per completed file-range transfer, for
// post-mortems when a replica's catch-up looks slow or incomplete.
type AuditLedger struct {
	db *sql.DB
}

// OpenAuditLedger opens (creating if absent) a sqlite ledger at path.
func OpenAuditLedger(path string) (*AuditLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(ErrAudit, "open %s: %v", path, err), ErrAudit)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	db_name TEXT NOT NULL,
	slot_id INTEGER NOT NULL,
	filename TEXT NOT NULL,
	offset INTEGER NOT NULL,
	count INTEGER NOT NULL,
	eof INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	completed_at INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Mark(errors.Wrapf(ErrAudit, "create schema: %v", err), ErrAudit)
	}
	return &AuditLedger{db: db}, nil
}

// Close closes the underlying sqlite connection.
func (l *AuditLedger) Close() error { return l.db.Close() }

// RecordTransfer appends one row for a completed (possibly partial) file
// chunk transfer.
func (l *AuditLedger) RecordTransfer(dbName string, slotID uint32, filename string, offset, count int64, eof bool, checksum string) error {
	_, err := l.db.Exec(
		`INSERT INTO transfers (db_name, slot_id, filename, offset, count, eof, checksum, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dbName, slotID, filename, offset, count, eof, checksum, time.Now().Unix(),
	)
	if err != nil {
		return errors.Mark(errors.Wrapf(ErrAudit, "insert transfer row: %v", err), ErrAudit)
	}
	return nil
}

// RecentTransfers returns the most recent n rows' filenames, for a quick
// operational glance. The admin surface does not call it.
func (l *AuditLedger) RecentTransfers(n int) ([]string, error) {
	rows, err := l.db.Query(`SELECT filename FROM transfers ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(ErrAudit, "query recent transfers: %v", err), ErrAudit)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fn string
		if err := rows.Scan(&fn); err != nil {
			return nil, errors.Mark(errors.Wrapf(ErrAudit, "scan recent transfer: %v", err), ErrAudit)
		}
		out = append(out, fn)
	}
	return out, rows.Err()
}
