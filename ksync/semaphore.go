package ksync

import (
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/task"
)

// Semaphore is a counting resource gate built directly on a wait queue.
//
// Invariant: a positive counter is consistent with an empty wait list; a
// Down that would drive the counter negative joins the wait list instead.
// The counter plus the number of blocked waiters is conserved across
// balanced Down/Up sequences.
type Semaphore struct {
	counter atomic.Int32
	wait    WaitQueue
}

// NewSemaphore returns a semaphore holding n units.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{}
	s.counter.Store(int32(n))
	return s
}

// Down acquires one unit, blocking uninterruptibly while none are
// available.
func (s *Semaphore) Down(cur *task.Task) {
	for {
		c := s.counter.Load()
		if c > 0 {
			if s.counter.CompareAndSwap(c, c-1) {
				return
			}
			continue
		}
		// Slow path. Re-check under the wait-queue lock: an Up with no
		// visible waiter increments the counter, so deciding to sleep
		// and joining the list must be atomic against it.
		s.wait.Lock.Lock(cur)
		if s.counter.Load() > 0 {
			s.wait.Lock.Unlock(cur)
			continue
		}
		cur.SetState(task.Uninterruptible)
		cur.MoveTo(task.LocExecuting, task.LocWaitList)
		s.wait.list.Push(cur)
		s.wait.Lock.Unlock(cur)
		cur.Pause()
		// The waker handed us its unit directly; the counter was never
		// incremented on our behalf.
		return
	}
}

// TryDown acquires a unit only if one is immediately available.
func (s *Semaphore) TryDown() bool {
	for {
		c := s.counter.Load()
		if c <= 0 {
			return false
		}
		if s.counter.CompareAndSwap(c, c-1) {
			return true
		}
	}
}

// Up releases one unit. If a task is waiting, the unit is handed to the
// head waiter directly instead of bumping the counter; this transfers
// ownership without the increment/re-decrement dance and without waking
// the whole herd. cur is the releasing task, or nil outside task context.
func (s *Semaphore) Up(cur *task.Task) {
	s.wait.Lock.Lock(cur)
	if t := s.wait.list.Pop(); t != nil {
		t.MoveTo(task.LocWaitList, task.LocDetached)
		t.SetState(task.Running)
		s.wait.Lock.Unlock(cur)
		task.Activate(t)
		return
	}
	s.counter.Add(1)
	s.wait.Lock.Unlock(cur)
}

// Count returns the current counter value. Negative is impossible; zero
// with waiters present means the units are all handed out.
func (s *Semaphore) Count() int { return int(s.counter.Load()) }

// Waiters returns the number of tasks blocked in Down.
func (s *Semaphore) Waiters() int { return s.wait.Len() }
