package scheduler

import (
	"context"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
)

//go:generate mockgen -destination=mock_scheduler.go -package=scheduler github.com/hamed0406/connwatch/internal/scheduler Store,Pruner

// Store is the durable side of a completed probe. Writes happen off the
// worker goroutines.
type Store interface {
	SaveCachedStatus(ctx context.Context, id domain.ConnectionID, st domain.CachedStatus) error
	AppendHistory(ctx context.Context, o domain.Outcome) error
}

// Pruner applies the retention policy to durable history.
type Pruner interface {
	PruneHistory(ctx context.Context, p history.Policy, now time.Time) (int64, error)
}

// Clock supplies completion timestamps and the due-ness reference time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
