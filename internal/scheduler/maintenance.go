package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/history"
)

// Maintainer periodically applies the retention policy to durable history.
// The in-memory store evicts on write; this keeps the durable copy bounded too.
type Maintainer struct {
	Logger   *zap.Logger
	Pruner   Pruner
	Policy   history.Policy
	Interval time.Duration
	Clock    Clock
}

func NewMaintainer(logger *zap.Logger, p Pruner, policy history.Policy, interval time.Duration) *Maintainer {
	return &Maintainer{
		Logger:   logger,
		Pruner:   p,
		Policy:   policy,
		Interval: interval,
		Clock:    systemClock{},
	}
}

// Run prunes once immediately and then every Interval until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	if m.Interval <= 0 || m.Pruner == nil {
		m.Logger.Info("maintenance_disabled")
		return
	}
	t := time.NewTicker(m.Interval)
	defer t.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("maintenance_stopped")
			return
		case <-t.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce prunes durable history and returns the number of rows removed.
func (m *Maintainer) RunOnce(ctx context.Context) int64 {
	n, err := m.Pruner.PruneHistory(ctx, m.Policy, m.Clock.Now())
	if err != nil {
		m.Logger.Warn("maintenance_prune_error", zap.Error(err))
		return 0
	}
	if n > 0 {
		m.Logger.Info("maintenance_pruned",
			zap.Int64("rows", n),
			zap.Int("max_records", m.Policy.MaxRecords),
			zap.Duration("max_age", m.Policy.MaxAge),
		)
	}
	return n
}
