package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
	"github.com/hamed0406/connwatch/internal/repo"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "connwatch.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConn(t *testing.T, s *Store, id domain.ConnectionID) domain.Connection {
	t.Helper()
	c := domain.Connection{
		ID: id, Name: "cache", Kind: domain.KindDatabase, Target: "redis.local", Port: 6379,
		Engine: domain.EngineRedis, TimeoutS: 3, IntervalS: 30, Enabled: true,
	}
	require.NoError(t, s.SaveConnection(context.Background(), c))
	return c
}

func TestConnections(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	c := seedConn(t, s, "c1")
	c.Name = "cache renamed"
	c.Enabled = false
	require.NoError(t, s.SaveConnection(ctx, c))

	list, err := s.LoadConnections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, "cache renamed", got.Name)
	assert.False(t, got.Enabled)
	assert.Equal(t, 6379, got.Port)
	assert.Equal(t, domain.EngineRedis, got.Engine)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.DeleteConnection(ctx, "c1"))
	assert.True(t, errors.Is(s.DeleteConnection(ctx, "c1"), repo.ErrNotFound))
}

func TestHistoryRoundTripAndStatus(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedConn(t, s, "c1")

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := domain.UpOutcome("c1", time.Duration(i+1)*time.Millisecond)
		o.CheckedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.AppendHistory(ctx, o))
	}
	rec := domain.FailedOutcome("c1", domain.StatusTimeout, "no answer within 3s")
	rec.CheckedAt = base.Add(10 * time.Minute)
	require.NoError(t, s.AppendHistory(ctx, rec))

	got, err := s.QueryHistory(ctx, "c1", rec.CheckedAt.Add(-time.Nanosecond), rec.CheckedAt.Add(time.Nanosecond), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])

	newest, err := s.QueryHistory(ctx, "c1", time.Time{}, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, base.Add(3*time.Minute), newest[0].CheckedAt)
	assert.Equal(t, 4*time.Millisecond, newest[0].Latency)

	st := domain.NewCachedStatus().Apply(rec)
	require.NoError(t, s.SaveCachedStatus(ctx, "c1", st))
	statuses, err := s.LoadStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, st, statuses["c1"])
}

func TestPruneHistory(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedConn(t, s, "c1")
	seedConn(t, s, "c2")

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, id := range []domain.ConnectionID{"c1", "c2"} {
		for i := 0; i < 10; i++ {
			o := domain.UpOutcome(id, time.Millisecond)
			o.CheckedAt = base.Add(time.Duration(i) * time.Hour)
			require.NoError(t, s.AppendHistory(ctx, o))
		}
	}

	n, err := s.PruneHistory(ctx, history.Policy{MaxRecords: 4, MaxAge: 8 * time.Hour}, base.Add(10*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)

	left, err := s.QueryHistory(ctx, "c2", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, left, 4)
	assert.Equal(t, base.Add(6*time.Hour), left[0].CheckedAt)
}

func TestDeleteCascadesHistory(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedConn(t, s, "c1")
	o := domain.UpOutcome("c1", time.Millisecond)
	o.CheckedAt = time.Now().UTC()
	require.NoError(t, s.AppendHistory(ctx, o))

	require.NoError(t, s.DeleteConnection(ctx, "c1"))
	got, err := s.QueryHistory(ctx, "c1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWritesAfterDeleteAreDropped(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedConn(t, s, "c1")
	require.NoError(t, s.DeleteConnection(ctx, "c1"))

	// queued by a check that finished before the delete
	o := domain.UpOutcome("c1", time.Millisecond)
	o.CheckedAt = time.Now().UTC()
	require.NoError(t, s.AppendHistory(ctx, o))
	require.NoError(t, s.SaveCachedStatus(ctx, "c1", domain.NewCachedStatus().Apply(o)))

	got, err := s.QueryHistory(ctx, "c1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	statuses, err := s.LoadStatuses(ctx)
	require.NoError(t, err)
	assert.NotContains(t, statuses, domain.ConnectionID("c1"))
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	var mode string
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	// synchronous is per connection; force a fresh one.
	s.db.SetConnMaxLifetime(time.Nanosecond)
	time.Sleep(time.Millisecond)
	var sync, fk int
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync))
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, sync)
	assert.Equal(t, 1, fk)
}
