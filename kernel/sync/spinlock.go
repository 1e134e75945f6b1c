// Package sync provides the spinlock that serializes access to scheduler
// state. The kernel runs a single hart, so the lock is never contended by a
// second CPU; it exists to make every manager call an explicit critical
// section that two context switches can never interleave.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked while spinning. Tests replace it to observe
	// contention.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Exclusive runs fn while holding the lock. The lock is released even if fn
// panics, so a kernel panic raised inside the critical section unwinds with
// the lock free.
func (l *Spinlock) Exclusive(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}
