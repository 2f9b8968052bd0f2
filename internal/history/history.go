// Package history keeps a bounded, time-ordered log of probe outcomes per
// connection.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
)

// Policy bounds how much history is kept per connection. A zero field
// disables that bound; at least one must be set for growth to stay bounded.
type Policy struct {
	MaxRecords int
	MaxAge     time.Duration
}

const DefaultMaxRecords = 50

func (p Policy) bounded() Policy {
	if p.MaxRecords <= 0 && p.MaxAge <= 0 {
		p.MaxRecords = DefaultMaxRecords
	}
	return p
}

// Store is safe for concurrent use. Eviction happens on write.
type Store struct {
	mu     sync.RWMutex
	policy Policy
	logs   map[domain.ConnectionID][]domain.Outcome
}

func NewStore(p Policy) *Store {
	return &Store{
		policy: p.bounded(),
		logs:   make(map[domain.ConnectionID][]domain.Outcome),
	}
}

func (s *Store) Policy() Policy { return s.policy }

// Append records o and returns the stored copy. A timestamp earlier than the
// connection's latest record is raised to it so each log stays non-decreasing.
func (s *Store) Append(o domain.Outcome) domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[o.ConnectionID]
	if n := len(log); n > 0 && o.CheckedAt.Before(log[n-1].CheckedAt) {
		o.CheckedAt = log[n-1].CheckedAt
	}
	log = append(log, o)
	s.logs[o.ConnectionID] = s.evict(log, o.CheckedAt)
	return o
}

// Seed loads records for a connection that has no in-memory history yet,
// typically from the durable store at startup. Records must be ordered.
func (s *Store) Seed(id domain.ConnectionID, records []domain.Outcome) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs[id]) > 0 {
		return
	}
	log := make([]domain.Outcome, len(records))
	copy(log, records)
	s.logs[id] = s.evict(log, log[len(log)-1].CheckedAt)
}

func (s *Store) evict(log []domain.Outcome, now time.Time) []domain.Outcome {
	if s.policy.MaxAge > 0 {
		cutoff := now.Add(-s.policy.MaxAge)
		idx := sort.Search(len(log), func(i int) bool {
			return !log[i].CheckedAt.Before(cutoff)
		})
		log = log[idx:]
	}
	if s.policy.MaxRecords > 0 && len(log) > s.policy.MaxRecords {
		log = log[len(log)-s.policy.MaxRecords:]
	}
	// Reslicing keeps the evicted prefix reachable; copy once it dominates.
	if cap(log) > 2*len(log)+16 {
		shrunk := make([]domain.Outcome, len(log))
		copy(shrunk, log)
		log = shrunk
	}
	return log
}

// Range returns the records with since <= CheckedAt <= until, oldest first.
// A zero bound is open.
func (s *Store) Range(id domain.ConnectionID, since, until time.Time) []domain.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[id]
	lo := 0
	if !since.IsZero() {
		lo = sort.Search(len(log), func(i int) bool {
			return !log[i].CheckedAt.Before(since)
		})
	}
	hi := len(log)
	if !until.IsZero() {
		hi = sort.Search(len(log), func(i int) bool {
			return log[i].CheckedAt.After(until)
		})
	}
	if lo >= hi {
		return nil
	}
	out := make([]domain.Outcome, hi-lo)
	copy(out, log[lo:hi])
	return out
}

// Recent returns up to n of the newest records, oldest first.
func (s *Store) Recent(id domain.ConnectionID, n int) []domain.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[id]
	if n <= 0 || len(log) == 0 {
		return nil
	}
	if n > len(log) {
		n = len(log)
	}
	out := make([]domain.Outcome, n)
	copy(out, log[len(log)-n:])
	return out
}

func (s *Store) Latest(id domain.ConnectionID) (domain.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[id]
	if len(log) == 0 {
		return domain.Outcome{}, false
	}
	return log[len(log)-1], true
}

// Oldest reports the timestamp of the oldest retained record.
func (s *Store) Oldest(id domain.ConnectionID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[id]
	if len(log) == 0 {
		return time.Time{}, false
	}
	return log[0].CheckedAt, true
}

func (s *Store) Len(id domain.ConnectionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[id])
}

// Purge drops all records of a deleted connection.
func (s *Store) Purge(id domain.ConnectionID) {
	s.mu.Lock()
	delete(s.logs, id)
	s.mu.Unlock()
}
