package workspace

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// AsyncLock serializes multi-table mutations against queue progress. It is a
// context-aware mutex: Acquire blocks until the lock is free or the context
// ends, so a cancelled API call never deadlocks behind a long-running step.
type AsyncLock struct {
	sem *semaphore.Weighted
}

// NewAsyncLock returns an unlocked AsyncLock.
func NewAsyncLock() *AsyncLock {
	return &AsyncLock{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the lock, waiting until it is available or ctx is done.
func (l *AsyncLock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire takes the lock only if it is immediately available.
func (l *AsyncLock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release frees the lock. It must pair with a successful Acquire.
func (l *AsyncLock) Release() {
	l.sem.Release(1)
}

// Do runs fn while holding the lock.
func (l *AsyncLock) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
