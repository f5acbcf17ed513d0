// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks on a bounded number of goroutines.
package workerspool

import (
	"context"
	"sync"
)

// Pool of workers limited to maxParallelism tasks running at a time.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool that runs at most maxParallelism tasks at a time.
// If maxParallelism <= 1 parallelism is disabled, and tasks run inline.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether tasks run in their own goroutines.
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism > 1
}

// MaxParallelism returns the limit of tasks running at a time.
func (w *Pool) MaxParallelism() int {
	return max(w.maxParallelism, 1)
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and starts the task in it.
//
// If parallelism is disabled, it runs the task inline and returns when it is finished.
// It returns ctx.Err() without running the task if ctx is cancelled before a worker is available.
func (w *Pool) WaitToStart(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !w.IsEnabled() {
		task()
		return nil
	}

	// Wake up the waiters if ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.lockedRunTaskInGoroutine(task)
	return nil
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
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

// Wait until all started tasks are finished.
func (w *Pool) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
}

// NumRunning returns the number of tasks currently running.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}
