package ksync

import (
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/task"
)

// A futex is a way to wait with a word as the key, and for another task to
// wake one or all waiting tasks keyed on the same word.
//
// A futex does not change the underlying value, it only reads it before
// sleeping to prevent lost wake-ups.
type Futex struct {
	atomic.Uint32

	lock    Spinlock
	waiters task.Stack
}

// Wait atomically checks that the futex value still equals cmp and, if so,
// puts the calling task to sleep. It returns true if the task was
// definitely awoken by a call to Wake or WakeAll, and false if it never
// slept.
func (f *Futex) Wait(cur *task.Task, cmp uint32) (awoken bool) {
	f.lock.Lock(cur)
	if f.Uint32.Load() != cmp {
		f.lock.Unlock(cur)
		return false
	}

	cur.SetState(task.Uninterruptible)
	cur.MoveTo(task.LocExecuting, task.LocWaitList)
	f.waiters.Push(cur)
	f.lock.Unlock(cur)

	// Pause until this task is awoken by Wake/WakeAll. There is no chance
	// of a spurious wakeup here.
	cur.Pause()
	return true
}

// Wake a single waiter. cur is the waking task, or nil outside task
// context.
func (f *Futex) Wake(cur *task.Task) {
	f.lock.Lock(cur)
	t := f.waiters.Pop()
	if t != nil {
		t.MoveTo(task.LocWaitList, task.LocDetached)
		t.SetState(task.Running)
	}
	f.lock.Unlock(cur)
	if t != nil {
		task.Activate(t)
	}
}

// WakeAll wakes every waiter.
func (f *Futex) WakeAll(cur *task.Task) {
	for {
		f.lock.Lock(cur)
		t := f.waiters.Pop()
		if t != nil {
			t.MoveTo(task.LocWaitList, task.LocDetached)
			t.SetState(task.Running)
		}
		f.lock.Unlock(cur)
		if t == nil {
			return
		}
		task.Activate(t)
	}
}
