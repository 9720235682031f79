package ksync

import (
	"github.com/gokern-org/gokern/internal/task"
)

// WaitQueue is a FIFO list of sleeping tasks plus the sleep/wakeup
// protocol. It is the only suspension primitive below the scheduler;
// everything that blocks is built from it or mirrors it.
//
// Waiters are the tasks themselves, linked intrusively. A task can block
// on at most one object at a time, so the embedded link is always free
// when a task goes to sleep; the blocking slow path therefore has no
// allocation and no way to fail.
//
// The zero value is an empty, unlocked wait queue.
type WaitQueue struct {
	// Lock guards the list. Exported because composite primitives
	// (Completion) extend their critical section over it.
	Lock Spinlock

	list task.Queue
}

// SleepOn blocks the calling task uninterruptibly until a wakeup call
// dequeues it. This is a suspension point; it does not return until the
// task is woken.
func (q *WaitQueue) SleepOn(cur *task.Task) {
	q.sleep(cur, task.Uninterruptible, nil)
}

// SleepOnInterruptible is SleepOn, except a signal-style wakeup with the
// Interruptible mask may cut the wait short.
func (q *WaitQueue) SleepOnInterruptible(cur *task.Task) {
	q.sleep(cur, task.Interruptible, nil)
}

// SleepOnUnlock enqueues the caller, then runs unlock, then suspends. The
// unlock callback releases whatever lock serializes the caller against its
// waker. Because the task is already marked blocked and enqueued when
// unlock runs, a wakeup racing into that window is not lost: it marks the
// task runnable again and the suspension degrades to a no-op yield.
func (q *WaitQueue) SleepOnUnlock(cur *task.Task, unlock func()) {
	q.sleep(cur, task.Uninterruptible, unlock)
}

func (q *WaitQueue) sleep(cur *task.Task, state task.State, unlock func()) {
	q.Lock.Lock(cur)
	cur.SetState(state)
	cur.MoveTo(task.LocExecuting, task.LocWaitList)
	q.list.Push(cur)
	q.Lock.Unlock(cur)
	if unlock != nil {
		unlock()
	}
	cur.Pause()
}

// Wakeup inspects only the head of the list. If the head waiter's state
// intersects mask, it is dequeued and made runnable, and Wakeup reports
// true. Otherwise nothing happens. This is a single-waiter, head-only
// wakeup, not a broadcast. cur is the waking task, or nil from core or
// bootstrap context.
func (q *WaitQueue) Wakeup(cur *task.Task, mask task.State) bool {
	q.Lock.Lock(cur)
	t := q.wakeupLocked(mask)
	q.Lock.Unlock(cur)
	if t == nil {
		return false
	}
	task.Activate(t)
	return true
}

// WakeupAll wakes head waiters until the list is empty or the head does
// not match mask. It returns the number of tasks woken.
func (q *WaitQueue) WakeupAll(cur *task.Task, mask task.State) int {
	n := 0
	for q.Wakeup(cur, mask) {
		n++
	}
	return n
}

// WakeupTask dequeues one specific waiter, regardless of its position,
// if its state matches mask. This is the targeted wakeup used on a known
// task (stopping a worker, delivering a specific event); it reports
// whether the task was woken from this queue.
func (q *WaitQueue) WakeupTask(cur, t *task.Task, mask task.State) bool {
	q.Lock.Lock(cur)
	if t.State()&mask == 0 || !q.list.Remove(t) {
		q.Lock.Unlock(cur)
		return false
	}
	t.MoveTo(task.LocWaitList, task.LocDetached)
	t.SetState(task.Running)
	q.Lock.Unlock(cur)
	task.Activate(t)
	return true
}

// wakeupLocked dequeues and marks runnable the head waiter if it matches
// mask. Callers hold q.Lock and must Activate the returned task.
func (q *WaitQueue) wakeupLocked(mask task.State) *task.Task {
	t := q.list.Peek()
	if t == nil || t.State()&mask == 0 {
		return nil
	}
	q.list.Pop()
	t.MoveTo(task.LocWaitList, task.LocDetached)
	t.SetState(task.Running)
	return t
}

// Empty reports whether no task is waiting.
func (q *WaitQueue) Empty() bool {
	q.Lock.Lock(nil)
	empty := q.list.Empty()
	q.Lock.Unlock(nil)
	return empty
}

// Len returns the number of waiting tasks.
func (q *WaitQueue) Len() int {
	q.Lock.Lock(nil)
	n := q.list.Len()
	q.Lock.Unlock(nil)
	return n
}
