package ksync

import (
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/task"
)

// Mutex is a binary sleeping lock. The count is restricted to 1 (unlocked)
// and 0 (locked); at most one task ever observes the 1→0 transition. A
// private spinlock guards a FIFO list of waiters, which is non-empty only
// while the mutex is held.
//
// A contended Unlock does not release and let the waiters race: ownership
// passes straight to the head waiter and the count stays 0 across the
// handoff, so a newcomer can never barge in ahead of the queue.
//
// Use NewMutex or Init; the zero value reads as locked.
type Mutex struct {
	count   atomic.Int32
	lock    Spinlock
	waiters task.Queue
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	m := &Mutex{}
	m.Init()
	return m
}

// Init puts an embedded mutex into the unlocked state. Must be called
// exactly once, before use.
func (m *Mutex) Init() {
	m.count.Store(1)
}

// Lock acquires the mutex, blocking uninterruptibly while it is held by
// another task. Waiters queue FIFO and receive the mutex by direct
// handoff: a later arrival can never barge in ahead of a queued waiter.
func (m *Mutex) Lock(cur *task.Task) {
	m.lock.Lock(cur)
	if m.count.CompareAndSwap(1, 0) {
		m.lock.Unlock(cur)
		return
	}
	cur.SetState(task.Uninterruptible)
	cur.MoveTo(task.LocExecuting, task.LocWaitList)
	m.waiters.Push(cur)
	m.lock.Unlock(cur)
	cur.Pause()
	// The unlocker handed the mutex to us directly; the count never went
	// back to 1 in between.
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock(cur *task.Task) bool {
	m.lock.Lock(cur)
	ok := m.count.CompareAndSwap(1, 0)
	m.lock.Unlock(cur)
	return ok
}

// Unlock releases the mutex. If a task is waiting, the head waiter is
// woken as the new owner and the count stays 0; otherwise the count goes
// back to 1. Unlocking an already-unlocked mutex is a tolerated no-op,
// unlike the spinlock, where the same mistake panics.
func (m *Mutex) Unlock(cur *task.Task) {
	if m.count.Load() == 1 {
		return
	}
	m.lock.Lock(cur)
	t := m.waiters.Pop()
	if t != nil {
		t.MoveTo(task.LocWaitList, task.LocDetached)
		t.SetState(task.Running)
	} else {
		m.count.CompareAndSwap(0, 1)
	}
	m.lock.Unlock(cur)
	if t != nil {
		task.Activate(t)
	}
}

// Locked reports a point-in-time view of the mutex state.
func (m *Mutex) Locked() bool { return m.count.Load() == 0 }
