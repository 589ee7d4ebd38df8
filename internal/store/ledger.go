// internal/store/ledger.go

// Package store keeps a local SQLite ledger of retrieved evidence.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalnine/cellwatch/internal/evidence"
	_ "modernc.org/sqlite"
)

// fixed-width so retrieved_at sorts as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded retrieval
type Entry struct {
	ID          int64         `json:"id"`
	RecordingID string        `json:"recording_id,omitempty"`
	Kind        evidence.Kind `json:"kind,omitempty"`
	Source      string        `json:"source"`
	Path        string        `json:"path"`
	Bytes       int64         `json:"bytes"`
	Digest      string        `json:"digest"`
	Compressed  bool          `json:"compressed"`
	RetrievedAt time.Time     `json:"retrieved_at"`
}

// Ledger wraps the SQLite connection
type Ledger struct {
	db *sql.DB
}

var _ evidence.Recorder = (*Ledger)(nil)

// Open opens or creates the ledger database
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL lets a running watch and a one-off CLI command share the file
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS evidence (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recording_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		path TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		digest TEXT NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		retrieved_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_recording ON evidence(recording_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_retrieved ON evidence(retrieved_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordEvidence stores a completed retrieval
func (l *Ledger) RecordEvidence(ctx context.Context, r *evidence.Result) error {
	at := r.RetrievedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO evidence (recording_id, kind, source, path, bytes, digest, compressed, retrieved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RecordingID, string(r.Kind), r.Source, r.Path, r.Bytes, r.Digest, r.Compressed,
		at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// ByRecording returns retrievals for one recording, newest first
func (l *Ledger) ByRecording(ctx context.Context, id string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, recording_id, kind, source, path, bytes, digest, compressed, retrieved_at
		FROM evidence
		WHERE recording_id = ?
		ORDER BY retrieved_at DESC, id DESC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Recent returns the latest retrievals across all recordings
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, recording_id, kind, source, path, bytes, digest, compressed, retrieved_at
		FROM evidence
		ORDER BY retrieved_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// LookupDigest returns retrievals whose content matched digest
func (l *Ledger) LookupDigest(ctx context.Context, digest string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, recording_id, kind, source, path, bytes, digest, compressed, retrieved_at
		FROM evidence
		WHERE digest = ?
		ORDER BY retrieved_at DESC, id DESC
	`, digest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// TotalBytes sums bytes retrieved per kind
func (l *Ledger) TotalBytes(ctx context.Context) (map[evidence.Kind]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT kind, SUM(bytes) FROM evidence GROUP BY kind
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[evidence.Kind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		totals[evidence.Kind(kind)] = n
	}
	return totals, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, at string

		err := rows.Scan(&e.ID, &e.RecordingID, &kind, &e.Source, &e.Path, &e.Bytes, &e.Digest, &e.Compressed, &at)
		if err != nil {
			return nil, err
		}

		e.Kind = evidence.Kind(kind)
		if e.RetrievedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("entry %d: bad retrieved_at %q: %w", e.ID, at, err)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
