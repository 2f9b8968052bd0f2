package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
)

type PersisterConfig struct {
	QueueSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
	WriteTimeout  time.Duration
}

type write struct {
	outcome domain.Outcome
	status  domain.CachedStatus
}

// Persister writes completed probes to the durable store from a single
// goroutine, so writes for one connection land in completion order. Enqueue
// never blocks: when the queue is full the write is dropped and logged.
type Persister struct {
	log   *zap.Logger
	store Store
	cfg   PersisterConfig

	mu      sync.RWMutex
	closed  bool
	queue   chan write
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewPersister(log *zap.Logger, store Store, cfg PersisterConfig) *Persister {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Persister{
		log:   log,
		store: store,
		cfg:   cfg,
		queue: make(chan write, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the writer, which drains the queue until Close. Cancelling
// ctx abandons whatever is still queued.
func (p *Persister) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Persister) run(ctx context.Context) {
	defer close(p.done)
	for w := range p.queue {
		p.persist(ctx, w)
	}
}

// Enqueue hands a recorded probe to the writer and reports whether it was accepted.
func (p *Persister) Enqueue(o domain.Outcome, st domain.CachedStatus) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- write{outcome: o, status: st}:
		return true
	default:
		p.dropped.Add(1)
		p.log.Warn("persist_queue_full",
			zap.String("connection_id", string(o.ConnectionID)),
			zap.Int("queue_size", p.cfg.QueueSize),
		)
		return false
	}
}

// Close stops accepting writes and waits for the queue to drain or ctx to end.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped counts writes lost to a full queue; Failed counts writes that
// exhausted their retries.
func (p *Persister) Dropped() int64 { return p.dropped.Load() }
func (p *Persister) Failed() int64  { return p.failed.Load() }

func (p *Persister) persist(ctx context.Context, w write) {
	id := w.outcome.ConnectionID
	if err := p.retry(ctx, "append_history", id, func(ctx context.Context) error {
		return p.store.AppendHistory(ctx, w.outcome)
	}); err != nil {
		p.failed.Add(1)
	}
	if err := p.retry(ctx, "save_status", id, func(ctx context.Context) error {
		return p.store.SaveCachedStatus(ctx, id, w.status)
	}); err != nil {
		p.failed.Add(1)
	}
}

func (p *Persister) retry(ctx context.Context, op string, id domain.ConnectionID, fn func(context.Context) error) error {
	backoff := p.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		err = fn(wctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == p.cfg.RetryAttempts || ctx.Err() != nil {
			break
		}
		p.log.Warn("persist_retry",
			zap.String("op", op),
			zap.String("connection_id", string(id)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	p.log.Error("persist_failed",
		zap.String("op", op),
		zap.String("connection_id", string(id)),
		zap.Error(err),
	)
	return err
}
