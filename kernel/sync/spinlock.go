// Package sync provides the spinlock guarding the memory manager's global
// state.
package sync

import "sync/atomic"

// spinsBeforeYield is the number of failed acquisition attempts after which
// Acquire invokes yieldFn.
const spinsBeforeYield = 64

var (
	// yieldFn is called while spinning on a contended lock. There is no
	// scheduler yet so it stays nil in the kernel; tests swap in
	// runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Spinlocks are not reentrant.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for spins := 1; !atomic.CompareAndSwapUint32(&l.state, 0, 1); spins++ {
		if spins%spinsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
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

// Held reports whether the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
