// Package worker runs bridge workers on a bounded FIFO pool and carries their
// results back to the owning goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/telemetry"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker: pool closed")

// Worker is a unit of work run on a pool goroutine. Implementations poll the
// kernel stop flag cooperatively; the pool never interrupts a running worker.
type Worker interface {
	Run(ctx context.Context)
}

// Func adapts a function to Worker.
type Func func(ctx context.Context)

func (f Func) Run(ctx context.Context) { f(ctx) }

// Canceler is implemented by workers that owe their caller an outcome. The
// pool calls Cancel instead of Run when it skips queued work.
type Canceler interface {
	Cancel()
}

// Pool executes workers in submission order on a fixed number of goroutines.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	queue  chan Worker

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	inFlight atomic.Int64

	kernel  *kernel.State
	logger  logging.Logger
	metrics *telemetry.Metrics
}

// Option configures optional behaviour.
type Option func(*Pool)

// WithKernel shares the kernel stop flag. Queued workers are skipped once it
// is raised; a skipped Canceler is cancelled.
func WithKernel(k *kernel.State) Option {
	return func(p *Pool) { p.kernel = k }
}

// WithLogger routes pool diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics records worker outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool starts size goroutines draining a queue of the given depth.
func NewPool(size, queue int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{queue: make(chan Worker, queue), ctx: ctx, cancel: cancel}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

// Submit enqueues w, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, w Worker) error {
	if w == nil {
		return errors.New("worker: nil worker")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- w:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: submit: %w", ctx.Err())
	}
}

// InFlight reports the number of workers currently running.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Close stops accepting work and waits for queued workers to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for w := range p.queue {
		if p.kernel.Stopped() {
			p.logger.Debug("pool worker %d: kernel stopped, skipping queued work", id)
			p.metrics.WorkerSkipped()
			p.skip(w)
			continue
		}
		p.run(w)
	}
}

func (p *Pool) skip(w Worker) {
	c, ok := w.(Canceler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker cancel panic: %v", r)
		}
	}()
	c.Cancel()
}

func (p *Pool) run(w Worker) {
	p.inFlight.Add(1)
	p.metrics.WorkerStarted()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			p.logger.Error("worker panic: %v", r)
		}
		p.inFlight.Add(-1)
		p.metrics.WorkerFinished(outcome)
	}()
	w.Run(p.ctx)
}
