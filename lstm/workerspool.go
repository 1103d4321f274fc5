// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import (
	"runtime"
	"sync"
)

// workersPool limits the parallelism used for the data-parallel parts of a
// forward pass: the bias/activation sweep of the projection, and the
// independent per-row gate steps within one batched time-slice.
//
// The recurrence itself is inherently sequential and never parallelized.
type workersPool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// 0 disables parallelism, < 0 means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// Initialize should be called before use.
func (w *workersPool) Initialize() {
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *workersPool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// SetMaxParallelism sets the soft parallelism target. 0 disables parallelism,
// negative values mean unlimited.
//
// Only change it before any forward pass is running; if changed mid-execution
// the behavior is undefined.
func (w *workersPool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// WaitToStart waits until there is a worker available, and then runs the task
// in its own goroutine. If parallelism is disabled it runs the task inline.
//
// It's up to the caller to synchronize the end of the task execution.
func (w *workersPool) WaitToStart(task func()) {
	if w.maxParallelism < 0 {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}
