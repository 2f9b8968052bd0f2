package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
)

func conn(id, name string, enabled bool) domain.Connection {
	return domain.Connection{
		ID: domain.ConnectionID(id), Name: name, Kind: domain.KindTCP,
		Target: "127.0.0.1", Port: 5432, TimeoutS: 5, IntervalS: 30, Enabled: enabled,
	}
}

func newRegistry() *Registry {
	return New(history.NewStore(history.Policy{MaxRecords: 50}))
}

func TestPut_StartsUnknownAndKeepsStatusOnUpdate(t *testing.T) {
	r := newRegistry()
	r.Put(conn("a", "alpha", true))

	e, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, domain.StatusUnknown, e.Status.Status)
	assert.False(t, e.Status.Checked())

	o := domain.FailedOutcome("a", domain.StatusDown, "refused")
	o.CheckedAt = time.Now()
	r.Commit(o)

	updated := conn("a", "alpha renamed", true)
	assert.False(t, r.Put(updated))
	e, _ = r.Get("a")
	assert.Equal(t, "alpha renamed", e.Connection.Name)
	assert.Equal(t, domain.StatusDown, e.Status.Status)
	assert.Equal(t, 1, e.Status.ConsecutiveFailures)
}

func TestPut_ResetsStatusWhenEndpointChanges(t *testing.T) {
	cases := []struct {
		name   string
		change func(*domain.Connection)
	}{
		{"target", func(c *domain.Connection) { c.Target = "10.0.0.9" }},
		{"port", func(c *domain.Connection) { c.Port = 6432 }},
		{"kind", func(c *domain.Connection) { c.Kind = domain.KindDatabase }},
		{"engine", func(c *domain.Connection) { c.Engine = domain.EnginePostgres }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry()
			r.Put(conn("a", "alpha", true))
			o := domain.FailedOutcome("a", domain.StatusDown, "refused")
			o.CheckedAt = time.Now()
			r.Commit(o)

			moved := conn("a", "alpha", true)
			tc.change(&moved)
			assert.True(t, r.Put(moved))

			e, _ := r.Get("a")
			assert.Equal(t, domain.StatusUnknown, e.Status.Status)
			assert.Zero(t, e.Status.ConsecutiveFailures)
			assert.True(t, r.LastChecked("a").IsZero())
			// history of the old endpoint stays
			assert.Equal(t, 1, r.History().Len("a"))
		})
	}
}

func TestPutNew_RefusesTakenID(t *testing.T) {
	r := newRegistry()
	require.True(t, r.PutNew(conn("a", "alpha", true)))
	assert.False(t, r.PutNew(conn("a", "other", true)))

	e, _ := r.Get("a")
	assert.Equal(t, "alpha", e.Connection.Name)
}

func TestCommit_HistoryMatchesCachedStatus(t *testing.T) {
	r := newRegistry()
	r.Put(conn("a", "alpha", true))

	base := time.Now()
	statuses := []domain.Status{domain.StatusDown, domain.StatusTimeout, domain.StatusUp, domain.StatusError}
	for i, s := range statuses {
		o := domain.FailedOutcome("a", s, "x")
		if s == domain.StatusUp {
			o = domain.UpOutcome("a", time.Millisecond)
		}
		o.CheckedAt = base.Add(time.Duration(i) * time.Second)
		_, st, ok := r.Commit(o)
		require.True(t, ok)
		assert.Equal(t, s, st.Status)
	}

	e, recent, ok := r.Detail("a", 20)
	require.True(t, ok)
	require.Len(t, recent, 4)
	last := recent[len(recent)-1]
	assert.Equal(t, e.Status.Status, last.Status)
	assert.Equal(t, e.Status.LastCheckedAt, last.CheckedAt)
	assert.Equal(t, 1, e.Status.ConsecutiveFailures)
}

func TestCommit_RemovedConnectionIsDropped(t *testing.T) {
	r := newRegistry()
	r.Put(conn("a", "alpha", true))
	require.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))

	_, _, ok := r.Commit(domain.UpOutcome("a", time.Millisecond))
	assert.False(t, ok)
	assert.Zero(t, r.History().Len("a"))
}

func TestReadsReturnCopies(t *testing.T) {
	r := newRegistry()
	r.Put(conn("a", "alpha", true))

	e, _ := r.Get("a")
	e.Connection.Name = "mutated"
	e.Status.Status = domain.StatusUp

	again, _ := r.Get("a")
	assert.Equal(t, "alpha", again.Connection.Name)
	assert.Equal(t, domain.StatusUnknown, again.Status.Status)
}

func TestListAndEnabled(t *testing.T) {
	r := newRegistry()
	r.Put(conn("3", "charlie", true))
	r.Put(conn("1", "alpha", false))
	r.Put(conn("2", "bravo", true))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Connection.Name)
	assert.Equal(t, "charlie", list[2].Connection.Name)

	assert.Len(t, r.Enabled(), 2)
	assert.Equal(t, 3, r.Len())
}

func TestRestore(t *testing.T) {
	r := newRegistry()
	at := time.Now().Add(-time.Minute)
	r.Restore(conn("a", "alpha", true), domain.CachedStatus{Status: domain.StatusUp, Latency: time.Millisecond, LastCheckedAt: at})
	assert.Equal(t, at, r.LastChecked("a"))

	r.Restore(conn("b", "bravo", true), domain.CachedStatus{})
	e, _ := r.Get("b")
	assert.Equal(t, domain.StatusUnknown, e.Status.Status)
}

func TestConcurrentCommitAndRead(t *testing.T) {
	r := newRegistry()
	r.Put(conn("a", "alpha", true))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				o := domain.UpOutcome("a", time.Millisecond)
				o.CheckedAt = time.Now()
				r.Commit(o)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e, recent, _ := r.Detail("a", 1)
				if len(recent) == 1 {
					assert.Equal(t, e.Status.LastCheckedAt, recent[0].CheckedAt)
				}
			}
		}()
	}
	wg.Wait()
}
