package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
	"github.com/hamed0406/connwatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Store keeps everything in process memory. Used when no database is
// configured and in tests.
type Store struct {
	mu       sync.RWMutex
	conns    map[domain.ConnectionID]domain.Connection
	statuses map[domain.ConnectionID]domain.CachedStatus
	results  map[domain.ConnectionID][]domain.Outcome
}

func New() *Store {
	return &Store{
		conns:    make(map[domain.ConnectionID]domain.Connection),
		statuses: make(map[domain.ConnectionID]domain.CachedStatus),
		results:  make(map[domain.ConnectionID][]domain.Outcome),
	}
}

func (m *Store) Close() error { return nil }

// ---- ConnectionStore ----

func (m *Store) LoadConnections(ctx context.Context) ([]domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Store) SaveConnection(ctx context.Context, c domain.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.conns[c.ID] = c
	return nil
}

func (m *Store) DeleteConnection(ctx context.Context, id domain.ConnectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.conns, id)
	delete(m.statuses, id)
	delete(m.results, id)
	return nil
}

// ---- StatusStore ----

func (m *Store) LoadStatuses(ctx context.Context) (map[domain.ConnectionID]domain.CachedStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.ConnectionID]domain.CachedStatus, len(m.statuses))
	for id, st := range m.statuses {
		out[id] = st
	}
	return out, nil
}

func (m *Store) SaveCachedStatus(ctx context.Context, id domain.ConnectionID, st domain.CachedStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return nil
	}
	m.statuses[id] = st
	return nil
}

// ---- HistoryStore ----

func (m *Store) AppendHistory(ctx context.Context, o domain.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[o.ConnectionID]; !ok {
		return nil
	}
	m.results[o.ConnectionID] = append(m.results[o.ConnectionID], o)
	return nil
}

func (m *Store) QueryHistory(ctx context.Context, id domain.ConnectionID, since, until time.Time, limit int) ([]domain.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Outcome
	for _, o := range m.results[id] {
		if !since.IsZero() && o.CheckedAt.Before(since) {
			continue
		}
		if !until.IsZero() && o.CheckedAt.After(until) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CheckedAt.Before(out[j].CheckedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Store) PruneHistory(ctx context.Context, p history.Policy, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, log := range m.results {
		kept := log[:0:0]
		for _, o := range log {
			if p.MaxAge > 0 && o.CheckedAt.Before(now.Add(-p.MaxAge)) {
				continue
			}
			kept = append(kept, o)
		}
		if p.MaxRecords > 0 && len(kept) > p.MaxRecords {
			kept = kept[len(kept)-p.MaxRecords:]
		}
		pruned += int64(len(log) - len(kept))
		m.results[id] = kept
	}
	return pruned, nil
}
