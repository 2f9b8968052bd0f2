package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
)

var ErrNotFound = errors.New("not found")

// Ports (interfaces); backends live in the subpackages.
type ConnectionStore interface {
	LoadConnections(ctx context.Context) ([]domain.Connection, error)
	SaveConnection(ctx context.Context, c domain.Connection) error
	DeleteConnection(ctx context.Context, id domain.ConnectionID) error
}

// Status and history writes for a connection the store does not hold are
// dropped without error: they belong to a connection deleted while its last
// writes were still queued.
type StatusStore interface {
	LoadStatuses(ctx context.Context) (map[domain.ConnectionID]domain.CachedStatus, error)
	SaveCachedStatus(ctx context.Context, id domain.ConnectionID, st domain.CachedStatus) error
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, o domain.Outcome) error
	// QueryHistory returns records with since <= checked_at <= until, oldest
	// first. A zero bound is open; limit > 0 keeps only the newest records.
	QueryHistory(ctx context.Context, id domain.ConnectionID, since, until time.Time, limit int) ([]domain.Outcome, error)
	// PruneHistory applies the retention policy and reports how many rows went.
	PruneHistory(ctx context.Context, p history.Policy, now time.Time) (int64, error)
}

// Store is a complete durable backend.
type Store interface {
	ConnectionStore
	StatusStore
	HistoryStore
	Close() error
}
