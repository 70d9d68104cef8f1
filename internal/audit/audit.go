// Package audit keeps a durable trail of every arbitration resolution
// in a SQLite database. The trail is advisory: a failed write never
// blocks or alters a permission outcome.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gateinfra/toolgate/internal/types"
)

// Log is the SQLite-backed audit trail. It satisfies broker.Recorder.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Open creates or opens the audit database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}

	// WAL mode for concurrent readers while the broker writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: wal mode: %w", err)
	}

	l := &Log{db: db, logger: logger.With("component", "audit")}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS resolutions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		profile_id  TEXT NOT NULL,
		tool_id     TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		decision    TEXT NOT NULL,
		reason      TEXT NOT NULL,
		latency_ms  INTEGER NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_resolutions_profile
		ON resolutions(profile_id, recorded_at)`)
	return err
}

// Record appends one resolution to the trail.
func (l *Log) Record(ctx context.Context, rec types.ResolutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO resolutions
			(request_id, profile_id, tool_id, fingerprint, decision, reason, latency_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Profile, rec.Tool, rec.Fingerprint,
		string(rec.Decision), string(rec.Reason),
		rec.Latency.Milliseconds(), rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Recent returns the newest resolutions for a profile, newest first.
func (l *Log) Recent(ctx context.Context, profileID string, limit int) ([]types.ResolutionRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT request_id, profile_id, tool_id, fingerprint, decision, reason, latency_ms, recorded_at
		 FROM resolutions WHERE profile_id = ?
		 ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []types.ResolutionRecord
	for rows.Next() {
		var rec types.ResolutionRecord
		var decision, reason string
		var latencyMs int64
		if err := rows.Scan(&rec.RequestID, &rec.Profile, &rec.Tool, &rec.Fingerprint,
			&decision, &reason, &latencyMs, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.Decision = types.Decision(decision)
		rec.Reason = types.ReasonCode(reason)
		rec.Latency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sweep deletes records older than the retention window and reports how
// many were removed.
func (l *Log) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	res, err := l.db.ExecContext(ctx, `DELETE FROM resolutions WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("audit records swept", "removed", n)
	}
	return n, nil
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
