package bus

import (
	"context"
	"sync"

	"github.com/claudebench/claudebench/observability"
)

// Pool is the bounded worker pool that runs subscriber handlers. Dispatch
// goroutines hand work here and never block; when the queue is full the
// submission is rejected so backpressure surfaces instead of queuing
// unbounded.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	p := &Pool{jobs: make(chan func(), queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues fn, returning false when the pool is saturated or closed.
func (p *Pool) Submit(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	select {
	case p.jobs <- fn:
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		observability.PoolRejections.Inc()
		return false
	}
}

// Close stops admission and waits for in-flight jobs to drain.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
