package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs device reads for pending operations on a fixed set of
// goroutines, so a burst of misses does not spawn one goroutine each.
type WorkerPool struct {
	numWorkers int
	workCh     chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	submitMu   sync.RWMutex
	queued     atomic.Int64
}

// NewWorkerPool creates a worker pool with numWorkers goroutines.
//
// Device reads block on the blob store, so I/O-bound sizing of 2-4x
// GOMAXPROCS is reasonable for remote stores.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	wp := &WorkerPool{
		numWorkers: numWorkers,
		workCh:     make(chan func(), numWorkers*2),
		stopCh:     make(chan struct{}),
	}

	wp.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopCh:
			// Drain remaining work before exiting
			for {
				select {
				case task, ok := <-wp.workCh:
					if !ok {
						return
					}
					wp.run(task)
				default:
					return
				}
			}
		case task, ok := <-wp.workCh:
			if !ok {
				return
			}
			wp.run(task)
		}
	}
}

func (wp *WorkerPool) run(task func()) {
	wp.queued.Add(-1)
	task()
}

// Submit enqueues a task. It blocks while the queue is full.
//
// Error conditions:
//   - Returns ErrClosed if the pool is closed
//   - Returns the context error if ctx is cancelled before enqueueing
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()

	if wp.closed.Load() {
		return ErrClosed
	}

	wp.queued.Add(1)
	select {
	case wp.workCh <- task:
		return nil
	case <-wp.stopCh:
		wp.queued.Add(-1)
		return ErrClosed
	case <-ctx.Done():
		wp.queued.Add(-1)
		return ctx.Err()
	}
}

// Queued returns the number of submitted tasks that have not started.
func (wp *WorkerPool) Queued() int {
	return int(wp.queued.Load())
}

// Close runs every queued task and stops the workers.
func (wp *WorkerPool) Close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}

	wp.submitMu.Lock()
	close(wp.stopCh)
	close(wp.workCh)
	wp.submitMu.Unlock()

	wp.wg.Wait()
}
