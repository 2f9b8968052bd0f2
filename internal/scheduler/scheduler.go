package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/probe"
	"github.com/hamed0406/connwatch/internal/registry"
)

var (
	ErrNotFound = errors.New("connection not found")
	ErrDisabled = errors.New("connection is disabled")
	ErrBusy     = errors.New("a check is already in flight for this connection")
	ErrStopped  = errors.New("scheduler is not running")
)

type Config struct {
	Workers int
	Tick    time.Duration
	// Grace is how long past its timeout a probe may run before it is
	// abandoned and recorded as a timeout.
	Grace time.Duration
	Clock Clock
}

type state uint8

const (
	stateIdle state = iota
	stateDue
	stateInFlight
)

func (s state) String() string {
	switch s {
	case stateDue:
		return "due"
	case stateInFlight:
		return "in_flight"
	}
	return "idle"
}

type slot struct {
	state   state
	waiters []chan domain.Outcome
}

type manualRequest struct {
	id    domain.ConnectionID
	reply chan manualReply
}

type manualReply struct {
	wait <-chan domain.Outcome
	err  error
}

// Scheduler owns the per-connection state machine Idle -> Due -> InFlight -> Idle.
// The tick loop is the only goroutine that marks connections due; a fixed
// pool of workers takes them from a FIFO queue, so at most Workers probes run
// at once and a connection is never probed twice concurrently.
type Scheduler struct {
	log     *zap.Logger
	reg     *registry.Registry
	checker probe.Checker
	persist *Persister
	cfg     Config

	// OnRecorded, if set before Start, is called after each recorded probe.
	OnRecorded func(domain.Outcome, domain.CachedStatus)

	mu    sync.Mutex
	slots map[domain.ConnectionID]*slot
	queue []domain.ConnectionID
	wake  chan struct{}

	manual   chan manualRequest
	inFlight atomic.Int32
	peak     atomic.Int32

	startOnce sync.Once
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopped   chan struct{}
}

func New(log *zap.Logger, reg *registry.Registry, checker probe.Checker, persist *Persister, cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Scheduler{
		log:     log,
		reg:     reg,
		checker: checker,
		persist: persist,
		cfg:     cfg,
		slots:   make(map[domain.ConnectionID]*slot),
		wake:    make(chan struct{}, 1),
		manual:  make(chan manualRequest),
		stopped: make(chan struct{}),
	}
}

// Start launches the tick loop and the worker pool. It returns immediately;
// use Stop and Wait to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.running.Store(true)

		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(ctx)
		}
		s.wg.Add(1)
		go s.loop(ctx)

		s.log.Info("scheduler_started",
			zap.Int("workers", s.cfg.Workers),
			zap.Duration("tick", s.cfg.Tick),
			zap.Int("connections", s.reg.Len()),
		)
	})
}

// Stop cancels in-flight probes; nothing further is recorded.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the loop and all workers have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer s.shutdown()

	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	// immediate pass
	s.evaluate(s.cfg.Clock.Now())

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler_stopped")
			return
		case <-t.C:
			s.evaluate(s.cfg.Clock.Now())
		case req := <-s.manual:
			req.reply <- s.requestManual(req.id)
		}
	}
}

func (s *Scheduler) shutdown() {
	s.running.Store(false)
	close(s.stopped)

	s.mu.Lock()
	var waiters []chan domain.Outcome
	for _, sl := range s.slots {
		waiters = append(waiters, sl.waiters...)
		sl.waiters = nil
	}
	s.queue = nil
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// evaluate marks every idle, enabled connection whose interval has elapsed
// since its last completed probe as due. It never waits on probe I/O.
func (s *Scheduler) evaluate(now time.Time) int {
	conns := s.reg.Enabled()

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[domain.ConnectionID]struct{}, len(conns))
	marked := 0
	for _, c := range conns {
		live[c.ID] = struct{}{}
		sl := s.slot(c.ID)
		if sl.state != stateIdle {
			continue
		}
		last := s.reg.LastChecked(c.ID)
		if !last.IsZero() && now.Sub(last) < c.Interval() {
			continue
		}
		sl.state = stateDue
		s.queue = append(s.queue, c.ID)
		marked++
	}
	for id, sl := range s.slots {
		if _, ok := live[id]; !ok && sl.state == stateIdle && len(sl.waiters) == 0 {
			delete(s.slots, id)
		}
	}
	if marked > 0 {
		s.signal()
	}
	return marked
}

// requestManual runs on the loop goroutine. A connection already waiting in
// the queue is not queued twice; the caller joins the pending check instead.
func (s *Scheduler) requestManual(id domain.ConnectionID) manualReply {
	e, ok := s.reg.Get(id)
	if !ok {
		return manualReply{err: ErrNotFound}
	}
	if !e.Connection.Enabled {
		return manualReply{err: ErrDisabled}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slot(id)
	if sl.state == stateInFlight {
		return manualReply{err: ErrBusy}
	}
	ch := make(chan domain.Outcome, 1)
	sl.waiters = append(sl.waiters, ch)
	if sl.state == stateIdle {
		sl.state = stateDue
		s.queue = append([]domain.ConnectionID{id}, s.queue...)
		s.signal()
	}
	return manualReply{wait: ch}
}

// Trigger asks for an immediate check of id. The returned channel yields the
// recorded outcome and is then closed; it is closed without a value if the
// check is dropped (connection removed, scheduler stopped).
func (s *Scheduler) Trigger(ctx context.Context, id domain.ConnectionID) (<-chan domain.Outcome, error) {
	if !s.running.Load() {
		return nil, ErrStopped
	}
	req := manualRequest{id: id, reply: make(chan manualReply, 1)}
	select {
	case s.manual <- req:
	case <-s.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-req.reply
	return r.wait, r.err
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		id, ok := s.next(ctx)
		if !ok {
			return
		}
		s.execute(ctx, id)
	}
}

// next blocks until a due connection is available and marks it in flight.
func (s *Scheduler) next(ctx context.Context) (domain.ConnectionID, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			id := s.queue[0]
			s.queue = s.queue[1:]
			s.slot(id).state = stateInFlight
			more := len(s.queue) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return id, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, id domain.ConnectionID) {
	e, ok := s.reg.Get(id)
	if !ok || !e.Connection.Enabled {
		s.release(id, nil)
		return
	}

	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	o := probe.Run(ctx, s.checker, e.Connection, s.cfg.Grace)
	s.inFlight.Add(-1)

	if ctx.Err() != nil {
		s.release(id, nil)
		return
	}

	o.CheckedAt = s.cfg.Clock.Now()
	stored, st, ok := s.reg.Commit(o)
	if !ok {
		s.release(id, nil)
		return
	}
	if s.persist != nil {
		s.persist.Enqueue(stored, st)
	}
	if s.OnRecorded != nil {
		s.OnRecorded(stored, st)
	}
	s.release(id, &stored)

	fields := []zap.Field{
		zap.String("connection_id", string(id)),
		zap.String("type", string(e.Connection.Kind)),
		zap.String("status", string(stored.Status)),
		zap.Duration("latency", stored.Latency),
		zap.Int("consecutive_failures", st.ConsecutiveFailures),
	}
	if stored.Detail != "" {
		fields = append(fields, zap.String("detail", stored.Detail))
	}
	if e.Status.Status != stored.Status {
		s.log.Info("status_changed", append(fields, zap.String("previous", string(e.Status.Status)))...)
		return
	}
	s.log.Debug("probe_completed", fields...)
}

// release returns a connection to idle and hands o to anyone waiting on it.
func (s *Scheduler) release(id domain.ConnectionID, o *domain.Outcome) {
	s.mu.Lock()
	var waiters []chan domain.Outcome
	if sl, ok := s.slots[id]; ok {
		sl.state = stateIdle
		waiters = sl.waiters
		sl.waiters = nil
	}
	s.mu.Unlock()

	for _, w := range waiters {
		if o != nil {
			w <- *o
		}
		close(w)
	}
}

func (s *Scheduler) slot(id domain.ConnectionID) *slot {
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{}
		s.slots[id] = sl
	}
	return sl
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State reports "idle", "due" or "in_flight" for a connection.
func (s *Scheduler) State(id domain.ConnectionID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[id]; ok {
		return sl.state.String()
	}
	return stateIdle.String()
}

// InFlight is the number of probes running right now; PeakInFlight the most
// seen at once since start.
func (s *Scheduler) InFlight() int     { return int(s.inFlight.Load()) }
func (s *Scheduler) PeakInFlight() int { return int(s.peak.Load()) }

func (s *Scheduler) Workers() int { return s.cfg.Workers }

func (s *Scheduler) Running() bool { return s.running.Load() }
