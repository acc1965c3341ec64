// Package workers provides the bounded task pool behind background refresh
// work. Submission never blocks: when the queue is full the task is
// rejected and the caller decides whether that matters.
package workers

import "sync"

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts a pool with the given worker count and queue capacity.
func New(workerCount, queueSize int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task. It reports false when the queue is full or the
// pool is stopped; the task is not run in either case.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	p.wg.Add(1)
	wrapped := func() {
		defer p.wg.Done()
		task()
	}
	select {
	case p.tasks <- wrapped:
		return true
	default:
		p.wg.Done()
		return false
	}
}

// Wait blocks until every accepted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop rejects further tasks and waits for in-flight ones to finish.
// Stop is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
