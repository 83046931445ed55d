// Package storage keeps a log of finished calls for history and billing views.
package storage

import (
	"context"
	"fmt"

	"github.com/dkeye/telecall/internal/domain"
)

const DefaultHistoryLimit = 50

// CallLog persists terminal session snapshots, one row per leg.
type CallLog interface {
	Save(ctx context.Context, s domain.Session) error
	// ListByUser returns the newest sessions of user first.
	ListByUser(ctx context.Context, user domain.UserID, limit int) ([]domain.Session, error)
	Close() error
}

// Open returns the call log for driver. An empty driver disables the log.
func Open(ctx context.Context, driver, dsn string) (CallLog, error) {
	switch driver {
	case "":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Save(context.Context, domain.Session) error { return nil }

func (Nop) ListByUser(context.Context, domain.UserID, int) ([]domain.Session, error) {
	return nil, nil
}

func (Nop) Close() error { return nil }

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultHistoryLimit
	}
	return limit
}
