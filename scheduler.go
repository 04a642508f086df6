// scheduler.go: Bounded worker pool for coordinator cycles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
)

// Task is a unit of work run by the pool.
type Task func(ctx context.Context) error

// Pool errors
var (
	ErrPoolNotStarted     = errors.New(ErrCodePool, "pool not started")
	ErrPoolStopped        = errors.New(ErrCodePool, "pool stopped")
	ErrPoolAlreadyStarted = errors.New(ErrCodePool, "pool already started")
	ErrQueueFull          = errors.New(ErrCodePool, "pool queue full")
	ErrStopTimeout        = errors.New(ErrCodeTimeout, "pool stop timed out")
)

// Pool runs tasks on a fixed number of workers. Submit never blocks: a full
// queue rejects the task.
type Pool struct {
	workers   int
	queueSize int
	tasks     chan Task
	wg        sync.WaitGroup
	metrics   *Metrics
	onError   func(error)

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	closed      bool // tasks channel closed by Stop

	submitted int64
	processed int64
	failed    int64
	dropped   int64
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// NewPool creates a pool. Non-positive sizes fall back to 1 worker and a
// queue of 1. onError, when set, receives every task error.
func NewPool(workers, queueSize int, metrics *Metrics, onError func(error)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		workers:   workers,
		queueSize: queueSize,
		tasks:     make(chan Task, queueSize),
		metrics:   metrics,
		onError:   onError,
	}
}

// Start launches the workers. Workers exit when the pool is stopped, or when
// ctx is done after running every task already accepted.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit queues task.
func (p *Pool) Submit(task Task) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		p.metrics.queueDepth(len(p.tasks))
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.dropped()
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for queued and running
// tasks to finish.
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.closed {
		p.stopped = true
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	p.closed = true
	close(p.tasks)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.tasks),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.drain(ctx)
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.metrics.queueDepth(len(p.tasks))
			p.execute(ctx, task)
		}
	}
}

// drain refuses new work and runs the tasks still queued, so every accepted
// task runs once even after ctx ends.
func (p *Pool) drain(ctx context.Context) {
	p.lifecycleMu.Lock()
	p.stopped = true
	p.lifecycleMu.Unlock()

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(ctx, task)
		default:
			return
		}
	}
}

func (p *Pool) execute(ctx context.Context, task Task) {
	err := p.run(ctx, task)
	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		if p.onError != nil {
			p.onError(err)
		}
	}
}

// run executes task, turning a panic into an error so one bad task cannot
// take a worker down.
func (p *Pool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(ErrCodePool, "task panicked").WithContext("panic", r)
		}
	}()
	return task(ctx)
}
