package ssdcache

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs shard write tasks. The cache never blocks on task
// completion; it tracks outstanding work through its own admission
// counter. Implementations must eventually run every submitted task.
type Executor interface {
	Execute(task func())
}

// PoolExecutor bounds concurrent tasks with a weighted semaphore.
// Execute blocks the submitter once the bound is reached, which applies
// natural backpressure instead of growing an unbounded goroutine set.
type PoolExecutor struct {
	sem *semaphore.Weighted
}

// NewPoolExecutor creates an executor running at most maxConcurrent tasks.
func NewPoolExecutor(maxConcurrent int64) *PoolExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &PoolExecutor{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Execute runs task on its own goroutine once a slot is free.
func (e *PoolExecutor) Execute(task func()) {
	// Background context: submission has no cancellation surface.
	_ = e.sem.Acquire(context.Background(), 1)
	go func() {
		defer e.sem.Release(1)
		task()
	}()
}
