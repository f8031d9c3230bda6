package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many flow runs execute at once.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Submit runs fn on a pool goroutine. It blocks while the pool is full and
// gives up when ctx is done or the pool shuts down. A panic in fn is
// recovered and counted as a failure.
func (p *WorkerPool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot start waiting first.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.ErrorContext(ctx, "pool task panicked", slog.String("task", name), slog.Any("panic", r))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.WarnContext(ctx, "pool task failed", slog.String("task", name), slog.String("error", err.Error()))
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// RunCallback receives the outcome of a dispatched run.
type RunCallback func(run *store.FlowRun, err error)

// Dispatcher executes runs in the background on a WorkerPool.
type Dispatcher struct {
	orch *Orchestrator
	pool *WorkerPool
}

// NewDispatcher creates a dispatcher allowing maxConcurrent simultaneous runs.
func NewDispatcher(orch *Orchestrator, maxConcurrent int) *Dispatcher {
	return &Dispatcher{orch: orch, pool: NewWorkerPool(maxConcurrent, orch.logger)}
}

// Submit queues a run of workflowID. The run outlives ctx cancellation once
// started; ctx only bounds the wait for a free slot. done may be nil.
func (d *Dispatcher) Submit(ctx context.Context, workflowID string, trigger schema.Trigger, done RunCallback) error {
	return d.pool.Submit(ctx, "run "+workflowID, func(ctx context.Context) error {
		run, err := d.orch.RunByID(context.WithoutCancel(ctx), workflowID, trigger)
		if done != nil {
			done(run, err)
		}
		return err
	})
}

// Wait blocks until every submitted run has finished.
func (d *Dispatcher) Wait() { d.pool.Wait() }

// Shutdown stops accepting runs and waits for the running ones.
func (d *Dispatcher) Shutdown() { d.pool.Shutdown() }

// Metrics reports pool metrics.
func (d *Dispatcher) Metrics() PoolMetrics { return d.pool.Metrics() }
