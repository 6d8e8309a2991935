// Package workerspool provides the shared-memory task pool that drives
// concurrent tile work inside one process.
//
// Numerical work over a tiled matrix is expressed as many small tasks
// (one tile operation each); the pool bounds how many of them run in
// parallel, and Wait provides the join point between algorithmic stages.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers, bounding the parallelism of tile tasks within a process.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{}
	p.maxParallelism = runtime.NumCPU()
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is a soft-target for parallelism.
// If 0, tasks run inline in the calling goroutine.
// If -1, parallelism is unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// Only change the parallelism before any workers start running. If changed during
// execution the behavior is undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism <= 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// Go runs task on a worker, blocking until a worker is available.
//
// If parallelism is disabled (maxParallelism == 0), it runs the task inline and
// returns when it is finished.
func (p *Pool) Go(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedRunTaskInGoroutine(task)
}

// TryGo runs the task in a separate goroutine if there are workers left.
// It returns false if the pool is saturated and the task was not started.
func (p *Pool) TryGo(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedRunTaskInGoroutine(task)
	return true
}

// lockedRunTaskInGoroutine keeps tabs on p.numRunning.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedRunTaskInGoroutine(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

// Wait blocks until every task started so far has finished.
// It is the join point between algorithmic stages.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning > 0 {
		p.cond.Wait()
	}
}
