// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks in goroutines, with a bound on how many run at the same time.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. Tasks are started with Go, and Wait blocks until all of them finished.
//
// Each task runs in its own goroutine: a Pool is a concurrency limit, not a set of long-lived goroutines.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// It is never 0 (New replaces it by runtime.NumCPU()); if negative there is no limit.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a new Pool with the given parallelism. If maxParallelism is 0 the default (runtime.NumCPU())
// is used. A negative value means unlimited.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running at the same time. Negative if unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.maxParallelism > 0 && w.numRunning >= w.maxParallelism
}

// Go waits until there is a worker available and runs task in a new goroutine.
func (w *Pool) Go(task func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Broadcast()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Wait blocks until every task started with Go finished.
func (w *Pool) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
}

// Run calls fn(ii) for ii in [0, n) with the pool, and waits for all of them to finish.
func (w *Pool) Run(n int, fn func(ii int)) {
	for ii := range n {
		w.Go(func() { fn(ii) })
	}
	w.Wait()
}
