package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dkeye/telecall/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS call_log (
	session_id     TEXT    NOT NULL,
	local_user_id  TEXT    NOT NULL,
	remote_user_id TEXT    NOT NULL,
	kind           TEXT    NOT NULL,
	direction      TEXT    NOT NULL,
	phase          TEXT    NOT NULL,
	end_reason     TEXT    NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL,
	connected_at   INTEGER NOT NULL DEFAULT 0,
	ended_at       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, local_user_id)
);
CREATE INDEX IF NOT EXISTS idx_call_log_user ON call_log (local_user_id, started_at DESC);
`

// SQLite stores the call log in a single file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store needs a path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_log: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_log (session_id, local_user_id, remote_user_id, kind, direction,
			phase, end_reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, local_user_id) DO UPDATE SET
			phase = excluded.phase,
			end_reason = excluded.end_reason,
			connected_at = excluded.connected_at,
			ended_at = excluded.ended_at`,
		sess.ID, sess.LocalUserID, sess.RemoteUserID, sess.Kind, sess.Direction,
		sess.Phase, sess.EndReason, toMillis(sess.StartedAt), toMillis(sess.ConnectedAt), toMillis(sess.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save call %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLite) ListByUser(ctx context.Context, user domain.UserID, limit int) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, local_user_id, remote_user_id, kind, direction,
			phase, end_reason, started_at, connected_at, ended_at
		FROM call_log
		WHERE local_user_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, user, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var (
			sess                        domain.Session
			started, connected, endedAt int64
		)
		if err := rows.Scan(&sess.ID, &sess.LocalUserID, &sess.RemoteUserID, &sess.Kind, &sess.Direction,
			&sess.Phase, &sess.EndReason, &started, &connected, &endedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		sess.StartedAt = fromMillis(started)
		sess.ConnectedAt = fromMillis(connected)
		sess.EndedAt = fromMillis(endedAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
