// Package workerpool runs independent jobs on a bounded number of goroutines.
// Every accepted job's Fn runs exactly once, even when its context ended
// while it was queued. Jobs are never retried: a job that dispatched remote
// commands may already have had side effects.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andrej220/remexec/pkg/lg"
)

const TotalMaxWorkers = 10

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool is shutting down")

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

type Pool[T any] struct {
	Jobs          chan Job[T]
	activeWorkers int32
	sem           chan struct{}
	wg            sync.WaitGroup
	quit          chan struct{}
	mu            sync.RWMutex
	stopped       bool
	dispatched    chan struct{}
	maxWorkers    int
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		Jobs:       make(chan Job[T], maxWorkers),
		sem:        make(chan struct{}, maxWorkers),
		quit:       make(chan struct{}),
		dispatched: make(chan struct{}),
		maxWorkers: maxWorkers,
	}
	go pool.dispatch()
	return pool
}

// Stop rejects new jobs, lets queued and running jobs finish and waits for
// them.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.quit)
	}
	p.mu.Unlock()
	<-p.dispatched
	p.wg.Wait()
}

// Submit queues job, blocking while the queue is full. It fails if the pool
// is stopping or job.Ctx ends first.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)
	// Stop waits for in-flight sends so the drain sees every accepted job.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		logger.Warn("job rejected", lg.Err(ErrStopped))
		return ErrStopped
	}
	select {
	case p.Jobs <- job:
		logger.Debug("job submitted", lg.Any("job", job.Payload))
		return nil
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

func (p *Pool[T]) dispatch() {
	defer close(p.dispatched)
	for {
		select {
		case job := <-p.Jobs:
			p.start(job)
		case <-p.quit:
			// drain what was accepted before Stop
			for {
				select {
				case job := <-p.Jobs:
					p.start(job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) start(job Job[T]) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	atomic.AddInt32(&p.activeWorkers, 1)
	go p.worker(job)
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.sem }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	logger.Debug("worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	// Fn still runs on a canceled ctx: an accepted job always gets to
	// produce its outcome.
	if err := job.Ctx.Err(); err != nil {
		logger.Info("job canceled before start", lg.Err(err))
	}
	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Error("worker error", lg.Err(err))
		return
	}
	logger.Debug("worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }
