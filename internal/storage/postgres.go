package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkeye/telecall/internal/domain"
)

// MigrationCallLog is safe to execute more than once.
const MigrationCallLog = `
CREATE TABLE IF NOT EXISTS call_log (
    session_id     TEXT        NOT NULL,
    local_user_id  TEXT        NOT NULL,
    remote_user_id TEXT        NOT NULL,
    kind           TEXT        NOT NULL,
    direction      TEXT        NOT NULL,
    phase          TEXT        NOT NULL,
    end_reason     TEXT        NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL,
    connected_at   TIMESTAMPTZ,
    ended_at       TIMESTAMPTZ,
    PRIMARY KEY (session_id, local_user_id)
);

CREATE INDEX IF NOT EXISTS idx_call_log_user
    ON call_log (local_user_id, started_at DESC);
`

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, MigrationCallLog); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate call_log: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Save(ctx context.Context, s domain.Session) error {
	const query = `INSERT INTO call_log (session_id, local_user_id, remote_user_id, kind, direction,
    phase, end_reason, started_at, connected_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (session_id, local_user_id) DO UPDATE SET phase        = EXCLUDED.phase,
                                                      end_reason   = EXCLUDED.end_reason,
                                                      connected_at = EXCLUDED.connected_at,
                                                      ended_at     = EXCLUDED.ended_at`
	_, err := p.pool.Exec(ctx, query,
		string(s.ID), string(s.LocalUserID), string(s.RemoteUserID), string(s.Kind), string(s.Direction),
		string(s.Phase), string(s.EndReason), s.StartedAt, nullTime(s.ConnectedAt), nullTime(s.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save call %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) ListByUser(ctx context.Context, user domain.UserID, limit int) ([]domain.Session, error) {
	const query = `SELECT session_id, local_user_id, remote_user_id, kind, direction,
    phase, end_reason, started_at, connected_at, ended_at
FROM call_log
WHERE local_user_id = $1
ORDER BY started_at DESC
LIMIT $2`
	rows, err := p.pool.Query(ctx, query, string(user), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Session, error) {
		var (
			s                  domain.Session
			connected, endedAt *time.Time
		)
		err := row.Scan(&s.ID, &s.LocalUserID, &s.RemoteUserID, &s.Kind, &s.Direction,
			&s.Phase, &s.EndReason, &s.StartedAt, &connected, &endedAt)
		if connected != nil {
			s.ConnectedAt = *connected
		}
		if endedAt != nil {
			s.EndedAt = *endedAt
		}
		return s, err
	})
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
