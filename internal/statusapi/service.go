// Package statusapi is the boundary the web layer and CLI talk to. Reads come
// from the registry cache and never trigger a probe; range queries that reach
// past the in-memory window fall through to the durable store.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/registry"
	"github.com/hamed0406/connwatch/internal/repo"
	"github.com/hamed0406/connwatch/internal/scheduler"
)

var (
	ErrNotFound    = scheduler.ErrNotFound
	ErrBusy        = scheduler.ErrBusy
	ErrDisabled    = scheduler.ErrDisabled
	ErrUnavailable = scheduler.ErrStopped
	ErrConflict    = errors.New("connection id already exists")
	ErrDropped     = errors.New("check was dropped before it completed")
)

const (
	MedianWindow  = 10
	SparklineSize = 20
	CountsWindow  = 24 * time.Hour
)

// Checks is the part of the scheduler the service drives.
type Checks interface {
	Trigger(ctx context.Context, id domain.ConnectionID) (<-chan domain.Outcome, error)
	State(id domain.ConnectionID) string
}

type Options struct {
	DefaultTimeout  time.Duration
	DefaultInterval time.Duration
}

type Service struct {
	log    *zap.Logger
	reg    *registry.Registry
	checks Checks
	store  repo.Store
	opts   Options
	now    func() time.Time
	newID  func() domain.ConnectionID

	// serialises Create, Update and Delete so the store and registry agree
	mgmt sync.Mutex
}

func New(log *zap.Logger, reg *registry.Registry, checks Checks, store repo.Store, opts Options) *Service {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = time.Minute
	}
	return &Service{
		log:    log,
		reg:    reg,
		checks: checks,
		store:  store,
		opts:   opts,
		now:    time.Now,
		newID:  func() domain.ConnectionID { return domain.ConnectionID(uuid.NewString()) },
	}
}

// ---- views ----

// ConnectionView is a connection as the dashboard shows it.
type ConnectionView struct {
	domain.Connection
	Status          domain.CachedStatus `json:"status"`
	State           string              `json:"state"`
	MedianLatencyMS *float64            `json:"median_latency_ms"`
	Recent          []domain.Outcome    `json:"recent_history"`
}

type Summary struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Total       int                   `json:"total"`
	Enabled     int                   `json:"enabled"`
	ByStatus    map[domain.Status]int `json:"by_status"`
	Connections []ConnectionView      `json:"connections"`
}

// CheckResult is the answer to a manual check. Outcome is nil when the check
// was accepted but did not finish before the caller stopped waiting.
type CheckResult struct {
	Accepted bool            `json:"accepted"`
	Outcome  *domain.Outcome `json:"outcome,omitempty"`
}

// ---- reads ----

func (s *Service) Get(id domain.ConnectionID) (ConnectionView, error) {
	e, log, ok := s.reg.Detail(id, math.MaxInt)
	if !ok {
		return ConnectionView{}, ErrNotFound
	}
	return s.view(e, log), nil
}

func (s *Service) List() []ConnectionView {
	entries := s.reg.List()
	out := make([]ConnectionView, 0, len(entries))
	for _, en := range entries {
		e, log, ok := s.reg.Detail(en.Connection.ID, math.MaxInt)
		if !ok {
			continue
		}
		out = append(out, s.view(e, log))
	}
	return out
}

// Status returns only the cached status of a connection.
func (s *Service) Status(id domain.ConnectionID) (domain.CachedStatus, error) {
	e, ok := s.reg.Get(id)
	if !ok {
		return domain.CachedStatus{}, ErrNotFound
	}
	return e.Status, nil
}

func (s *Service) Summary() Summary {
	views := s.List()
	sum := Summary{
		GeneratedAt: s.now().UTC(),
		Total:       len(views),
		ByStatus:    make(map[domain.Status]int),
		Connections: views,
	}
	for _, v := range views {
		if v.Enabled {
			sum.Enabled++
		}
		sum.ByStatus[v.Status.Status]++
	}
	return sum
}

func (s *Service) view(e registry.Entry, log []domain.Outcome) ConnectionView {
	v := ConnectionView{
		Connection:      e.Connection,
		Status:          e.Status,
		State:           s.checks.State(e.Connection.ID),
		MedianLatencyMS: MedianLatencyMS(log, MedianWindow),
	}
	if n := len(log); n > SparklineSize {
		log = log[n-SparklineSize:]
	}
	v.Recent = log
	return v
}

// MedianLatencyMS is the median latency of the newest n up outcomes in log,
// which is ordered oldest first. It is nil when no probe was up.
func MedianLatencyMS(log []domain.Outcome, n int) *float64 {
	var ms []float64
	for i := len(log) - 1; i >= 0 && len(ms) < n; i-- {
		if l := log[i].LatencyMS(); l != nil {
			ms = append(ms, *l)
		}
	}
	if len(ms) == 0 {
		return nil
	}
	sort.Float64s(ms)
	mid := len(ms) / 2
	m := ms[mid]
	if len(ms)%2 == 0 {
		m = (ms[mid-1] + ms[mid]) / 2
	}
	return &m
}

// History returns records with since <= CheckedAt <= until, oldest first. A
// zero bound is open; limit > 0 keeps the newest records.
func (s *Service) History(ctx context.Context, id domain.ConnectionID, since, until time.Time, limit int) ([]domain.Outcome, error) {
	if _, ok := s.reg.Get(id); !ok {
		return nil, ErrNotFound
	}
	h := s.reg.History()
	mem := h.Range(id, since, until)

	oldest, ok := h.Oldest(id)
	reachesBack := !ok || since.IsZero() || since.Before(oldest)
	if s.store != nil && reachesBack && (limit <= 0 || len(mem) < limit) {
		upper := until
		var cutoff time.Time
		if ok {
			// durable timestamps may be truncated to microseconds
			cutoff = oldest.Truncate(time.Microsecond)
			if upper.IsZero() || upper.After(cutoff) {
				upper = cutoff
			}
		}
		older, err := s.store.QueryHistory(ctx, id, since, upper, 0)
		if err != nil {
			return nil, fmt.Errorf("query durable history: %w", err)
		}
		if ok {
			n := sort.Search(len(older), func(i int) bool { return !older[i].CheckedAt.Before(cutoff) })
			older = older[:n]
		}
		mem = append(older, mem...)
	}

	if limit > 0 && len(mem) > limit {
		mem = mem[len(mem)-limit:]
	}
	return mem, nil
}

// StatusCounts tallies outcomes per status over the trailing window.
func (s *Service) StatusCounts(ctx context.Context, id domain.ConnectionID, window time.Duration) (map[domain.Status]int, error) {
	if window <= 0 {
		window = CountsWindow
	}
	log, err := s.History(ctx, id, s.now().Add(-window), time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	counts := map[domain.Status]int{
		domain.StatusUp:      0,
		domain.StatusDown:    0,
		domain.StatusError:   0,
		domain.StatusTimeout: 0,
	}
	for _, o := range log {
		counts[o.Status]++
	}
	return counts, nil
}

// ---- manual checks ----

// TriggerCheck queues an immediate probe. With wait set it blocks until the
// outcome is recorded or ctx ends, whichever is first; otherwise it returns
// as soon as the check is accepted.
func (s *Service) TriggerCheck(ctx context.Context, id domain.ConnectionID, wait bool) (CheckResult, error) {
	ch, err := s.checks.Trigger(ctx, id)
	if err != nil {
		return CheckResult{}, err
	}
	s.log.Info("manual_check_accepted", zap.String("connection_id", string(id)), zap.Bool("wait", wait))
	if !wait {
		return CheckResult{Accepted: true}, nil
	}
	select {
	case o, ok := <-ch:
		if !ok {
			return CheckResult{}, ErrDropped
		}
		return CheckResult{Accepted: true, Outcome: &o}, nil
	case <-ctx.Done():
		return CheckResult{Accepted: true}, nil
	}
}

// WaitBudget is how long a synchronous manual check of id may take.
func (s *Service) WaitBudget(id domain.ConnectionID, grace time.Duration) time.Duration {
	e, ok := s.reg.Get(id)
	if !ok {
		return grace
	}
	return e.Connection.Timeout() + grace
}

// ---- management ----

// Input is a connection definition as submitted by a client.
type Input struct {
	ID            string        `json:"id,omitempty"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Type          domain.Kind   `json:"type"`
	Target        string        `json:"target"`
	Port          int           `json:"port"`
	Engine        domain.Engine `json:"engine"`
	Timeout       int           `json:"timeout"`
	CheckInterval int           `json:"check_interval"`
	Enabled       *bool         `json:"enabled"`
}

func (in Input) apply(c domain.Connection) domain.Connection {
	c.Name = strings.TrimSpace(in.Name)
	c.Description = strings.TrimSpace(in.Description)
	c.Kind = domain.Kind(strings.ToLower(strings.TrimSpace(string(in.Type))))
	c.Target = strings.TrimSpace(in.Target)
	c.Port = in.Port
	c.Engine = domain.Engine(strings.ToLower(strings.TrimSpace(string(in.Engine))))
	c.TimeoutS = in.Timeout
	c.IntervalS = in.CheckInterval
	if in.Enabled != nil {
		c.Enabled = *in.Enabled
	}
	return c
}

func (s *Service) Create(ctx context.Context, in Input) (ConnectionView, error) {
	id := domain.ConnectionID(strings.TrimSpace(in.ID))
	if id == "" {
		id = s.newID()
	}
	s.mgmt.Lock()
	defer s.mgmt.Unlock()
	if _, exists := s.reg.Get(id); exists {
		return ConnectionView{}, ErrConflict
	}

	now := s.now().UTC()
	c := in.apply(domain.Connection{ID: id, Enabled: true, CreatedAt: now, UpdatedAt: now}).
		WithDefaults(s.opts.DefaultTimeout, s.opts.DefaultInterval)
	if err := c.Validate(); err != nil {
		return ConnectionView{}, err
	}
	if err := s.store.SaveConnection(ctx, c); err != nil {
		return ConnectionView{}, fmt.Errorf("save connection: %w", err)
	}
	if !s.reg.PutNew(c) {
		return ConnectionView{}, ErrConflict
	}

	s.log.Info("connection_created",
		zap.String("connection_id", string(c.ID)),
		zap.String("type", string(c.Kind)),
		zap.String("target", c.Target),
	)
	return s.Get(c.ID)
}

// Update replaces a definition. History is kept; the cached status is kept
// too unless the endpoint changed, in which case it starts over as unknown.
func (s *Service) Update(ctx context.Context, id domain.ConnectionID, in Input) (ConnectionView, error) {
	s.mgmt.Lock()
	defer s.mgmt.Unlock()
	e, ok := s.reg.Get(id)
	if !ok {
		return ConnectionView{}, ErrNotFound
	}
	c := in.apply(e.Connection).WithDefaults(s.opts.DefaultTimeout, s.opts.DefaultInterval)
	c.ID = id
	c.UpdatedAt = s.now().UTC()
	if err := c.Validate(); err != nil {
		return ConnectionView{}, err
	}
	if err := s.store.SaveConnection(ctx, c); err != nil {
		return ConnectionView{}, fmt.Errorf("save connection: %w", err)
	}
	reset := s.reg.Put(c)
	if reset {
		if err := s.store.SaveCachedStatus(ctx, id, domain.NewCachedStatus()); err != nil {
			s.log.Warn("status_reset_not_saved", zap.String("connection_id", string(id)), zap.Error(err))
		}
	}

	s.log.Info("connection_updated",
		zap.String("connection_id", string(id)),
		zap.Bool("enabled", c.Enabled),
		zap.Bool("status_reset", reset),
	)
	return s.Get(id)
}

// Delete removes a connection along with its cached status and history.
func (s *Service) Delete(ctx context.Context, id domain.ConnectionID) error {
	s.mgmt.Lock()
	defer s.mgmt.Unlock()
	if _, ok := s.reg.Get(id); !ok {
		return ErrNotFound
	}
	if err := s.store.DeleteConnection(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete connection: %w", err)
	}
	s.reg.Remove(id)
	s.log.Info("connection_deleted", zap.String("connection_id", string(id)))
	return nil
}

// ---- startup ----

// Restore loads connections, their last status and recent history from the
// store, and adds seeded connections the store does not know yet. It runs
// before the scheduler starts so intervals carry across restarts.
func (s *Service) Restore(ctx context.Context, seeded []domain.Connection) error {
	conns, err := s.store.LoadConnections(ctx)
	if err != nil {
		return fmt.Errorf("load connections: %w", err)
	}
	statuses, err := s.store.LoadStatuses(ctx)
	if err != nil {
		return fmt.Errorf("load statuses: %w", err)
	}

	known := make(map[domain.ConnectionID]struct{}, len(conns))
	for _, c := range conns {
		known[c.ID] = struct{}{}
	}
	added := 0
	for _, c := range seeded {
		if _, ok := known[c.ID]; ok {
			continue
		}
		now := s.now().UTC()
		c.CreatedAt, c.UpdatedAt = now, now
		if err := s.store.SaveConnection(ctx, c); err != nil {
			return fmt.Errorf("save seeded connection %s: %w", c.ID, err)
		}
		conns = append(conns, c)
		added++
	}

	policy := s.reg.History().Policy()
	var since time.Time
	if policy.MaxAge > 0 {
		since = s.now().Add(-policy.MaxAge)
	}
	for _, c := range conns {
		s.reg.Restore(c, statuses[c.ID])
		recs, err := s.store.QueryHistory(ctx, c.ID, since, time.Time{}, policy.MaxRecords)
		if err != nil {
			return fmt.Errorf("load history for %s: %w", c.ID, err)
		}
		s.reg.History().Seed(c.ID, recs)
	}

	s.log.Info("registry_restored",
		zap.Int("connections", len(conns)),
		zap.Int("seeded", added),
		zap.Int("statuses", len(statuses)),
	)
	return nil
}
