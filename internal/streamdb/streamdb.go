// Package streamdb persists one row per streaming session in SQLite,
// so operators can ask what was served, to whom, and how it ended
// after the fact.
package streamdb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Session results recorded in the log.
const (
	ResultRunning   = "running"
	ResultCompleted = "completed"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
)

// timeFormat is how timestamps are stored: RFC 3339 with a fixed
// nine-digit fraction, always UTC, so rows sort lexically in time
// order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the session log database.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the session log at path and brings
// its schema up to date.
func Open(path string) (*DB, error) {
	db, err := OpenUnmigrated(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenUnmigrated opens the session log without touching its schema,
// for the migrate subcommand.
func OpenUnmigrated(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the filesystem path the log was opened from.
func (db *DB) Path() string { return db.path }

// SessionRecord is one row of the session log.
type SessionRecord struct {
	SessionID     string
	Kind          string
	RemoteAddr    string
	StartedAt     time.Time
	EndedAt       time.Time // zero while the session is running
	FramesSent    uint64
	FramesSkipped uint64
	MessagesSent  uint64
	BytesSent     uint64
	ChunkedFrames uint64
	Result        string
	Error         string
}

// StartSession inserts a running-session row.
func (db *DB) StartSession(rec SessionRecord) error {
	_, err := db.Exec(`
		INSERT INTO stream_sessions (session_id, stream_kind, remote_addr, started_at, result)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Kind, rec.RemoteAddr,
		rec.StartedAt.UTC().Format(timeFormat), ResultRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// FinishSession fills in the terminal half of a session row.
func (db *DB) FinishSession(rec SessionRecord) error {
	res, err := db.Exec(`
		UPDATE stream_sessions
		SET ended_at = ?, frames_sent = ?, frames_skipped = ?,
		    messages_sent = ?, bytes_sent = ?, chunked_frames = ?,
		    result = ?, error = ?
		WHERE session_id = ?`,
		rec.EndedAt.UTC().Format(timeFormat),
		rec.FramesSent, rec.FramesSkipped, rec.MessagesSent,
		rec.BytesSent, rec.ChunkedFrames, rec.Result, rec.Error,
		rec.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no session %s to finish", rec.SessionID)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (db *DB) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := db.Query(`
		SELECT session_id, stream_kind, remote_addr, started_at, ended_at,
		       frames_sent, frames_skipped, messages_sent, bytes_sent,
		       chunked_frames, result, error
		FROM stream_sessions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var started string
		var ended sql.NullString
		if err := rows.Scan(
			&rec.SessionID, &rec.Kind, &rec.RemoteAddr, &started, &ended,
			&rec.FramesSent, &rec.FramesSkipped, &rec.MessagesSent,
			&rec.BytesSent, &rec.ChunkedFrames, &rec.Result, &rec.Error,
		); err != nil {
			return nil, err
		}

		if rec.StartedAt, err = time.Parse(timeFormat, started); err != nil {
			return nil, fmt.Errorf("bad started_at for session %s: %w", rec.SessionID, err)
		}
		if ended.Valid {
			if rec.EndedAt, err = time.Parse(timeFormat, ended.String); err != nil {
				return nil, fmt.Errorf("bad ended_at for session %s: %w", rec.SessionID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// KindTotals aggregates the log per stream kind.
type KindTotals struct {
	Kind       string
	Sessions   uint64
	FramesSent uint64
	BytesSent  uint64
}

// KindSummary returns per-kind totals over the whole log, ordered by
// kind name.
func (db *DB) KindSummary() ([]KindTotals, error) {
	rows, err := db.Query(`
		SELECT stream_kind, COUNT(*), COALESCE(SUM(frames_sent), 0), COALESCE(SUM(bytes_sent), 0)
		FROM stream_sessions
		GROUP BY stream_kind
		ORDER BY stream_kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize sessions: %w", err)
	}
	defer rows.Close()

	var out []KindTotals
	for rows.Next() {
		var kt KindTotals
		if err := rows.Scan(&kt.Kind, &kt.Sessions, &kt.FramesSent, &kt.BytesSent); err != nil {
			return nil, err
		}
		out = append(out, kt)
	}
	return out, rows.Err()
}
