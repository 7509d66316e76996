package sched

import "sync/atomic"

// spinlock is a busy-wait mutex for the single-CPU task table and queues
// (spec.md §5: "guarded by a single spinlock"). Acquire never sleeps — the
// scheduler must not suspend while holding it, so every critical section is
// a handful of slice/field writes.
type spinlock struct {
	state uint32
}

func (l *spinlock) acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
}

func (l *spinlock) release() {
	atomic.StoreUint32(&l.state, 0)
}
