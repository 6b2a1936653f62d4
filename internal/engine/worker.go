package engine

import (
	"context"
	"sync"
)

// WorkerPool bounds how many batch items run at once. The batch task builds
// one per chunk and waits for it before starting the next chunk, which is
// what keeps cross-chunk side effects in chunk order. Item errors and
// panics are captured into item results by the batch task, so the pool only
// schedules.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Submit blocks until a worker slot frees up, then runs fn on its own
// goroutine. It returns the context error if cancellation wins the wait.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
