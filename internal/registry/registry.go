// Package registry is the in-memory index of connections and their cached
// status. Every read returns a copy; nothing handed out aliases registry state.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
)

// Entry is a connection together with its last-known status.
type Entry struct {
	Connection domain.Connection   `json:"connection"`
	Status     domain.CachedStatus `json:"status"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[domain.ConnectionID]*Entry
	history *history.Store
}

func New(h *history.Store) *Registry {
	return &Registry{
		entries: make(map[domain.ConnectionID]*Entry),
		history: h,
	}
}

// History exposes the backing store for range queries.
func (r *Registry) History() *history.Store { return r.history }

// Put inserts or replaces a connection definition. A new connection starts
// out unknown. An existing one keeps its cached status unless the change moves
// the check to a different endpoint; then the status starts over and the
// connection is due at once. Put reports whether the status was reset.
func (r *Registry) Put(c domain.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[c.ID]; ok {
		reset := !sameEndpoint(e.Connection, c)
		if reset {
			e.Status = domain.NewCachedStatus()
		}
		e.Connection = c
		return reset
	}
	r.entries[c.ID] = &Entry{Connection: c, Status: domain.NewCachedStatus()}
	return false
}

// PutNew inserts a connection unless the id is taken.
func (r *Registry) PutNew(c domain.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c.ID]; ok {
		return false
	}
	r.entries[c.ID] = &Entry{Connection: c, Status: domain.NewCachedStatus()}
	return true
}

func sameEndpoint(a, b domain.Connection) bool {
	return a.Kind == b.Kind && a.Target == b.Target && a.Port == b.Port && a.Engine == b.Engine
}

// Restore loads a connection with a previously persisted status.
func (r *Registry) Restore(c domain.Connection, st domain.CachedStatus) {
	if st.Status == "" {
		st = domain.NewCachedStatus()
	}
	r.mu.Lock()
	r.entries[c.ID] = &Entry{Connection: c, Status: st}
	r.mu.Unlock()
}

// Remove deletes a connection and its in-memory history.
func (r *Registry) Remove(id domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	r.history.Purge(id)
	return true
}

// Commit records a completed probe: the history append and the status update
// happen under one lock, so readers see both or neither. It reports false when
// the connection was removed while the probe was running.
func (r *Registry) Commit(o domain.Outcome) (domain.Outcome, domain.CachedStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[o.ConnectionID]
	if !ok {
		return o, domain.CachedStatus{}, false
	}
	stored := r.history.Append(o)
	e.Status = e.Status.Apply(stored)
	return stored, e.Status, true
}

func (r *Registry) Get(id domain.ConnectionID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Detail returns an entry with its newest n history records, read together.
func (r *Registry) Detail(id domain.ConnectionID, n int) (Entry, []domain.Outcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, nil, false
	}
	return *e, r.history.Recent(id, n), true
}

// List returns all entries ordered by name, then id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Connection.Name != out[j].Connection.Name {
			return out[i].Connection.Name < out[j].Connection.Name
		}
		return out[i].Connection.ID < out[j].Connection.ID
	})
	return out
}

// Enabled returns the definitions the scheduler should consider.
func (r *Registry) Enabled() []domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Connection, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Connection.Enabled {
			out = append(out, e.Connection)
		}
	}
	return out
}

func (r *Registry) LastChecked(id domain.ConnectionID) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.Status.LastCheckedAt
	}
	return time.Time{}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
