package ksync

import (
	"github.com/gokern-org/gokern/internal/task"
)

// completeAll marks a completion as permanently done.
const completeAll = int32(-1)

// Completion is a one-way synchronization point: waiters sleep until
// another task signals completion. Unlike a semaphore it can be flipped
// permanently open with CompleteAll.
//
// The zero value is an uncompleted completion, ready for use.
type Completion struct {
	// done counts pending completions, or completeAll. Guarded by
	// wait.Lock.
	done int32
	wait WaitQueue
}

// Complete signals one completion and wakes one waiter. cur is the
// signalling task, or nil outside task context.
func (c *Completion) Complete(cur *task.Task) {
	c.wait.Lock.Lock(cur)
	if c.done != completeAll {
		c.done++
	}
	t := c.wait.wakeupLocked(task.Blocked)
	c.wait.Lock.Unlock(cur)
	if t != nil {
		task.Activate(t)
	}
}

// CompleteAll marks the completion permanently done and wakes every
// waiter, current and future.
func (c *Completion) CompleteAll(cur *task.Task) {
	for {
		c.wait.Lock.Lock(cur)
		c.done = completeAll
		t := c.wait.wakeupLocked(task.Blocked)
		c.wait.Lock.Unlock(cur)
		if t == nil {
			return
		}
		task.Activate(t)
	}
}

// Wait blocks uninterruptibly until the completion is signalled, then
// consumes one completion (unless CompleteAll was used).
func (c *Completion) Wait(cur *task.Task) {
	c.waitCommon(cur, task.Uninterruptible)
}

// WaitInterruptible is Wait in the interruptible sleep state.
func (c *Completion) WaitInterruptible(cur *task.Task) {
	c.waitCommon(cur, task.Interruptible)
}

func (c *Completion) waitCommon(cur *task.Task, state task.State) {
	c.wait.Lock.Lock(cur)
	for c.done == 0 {
		cur.SetState(state)
		cur.MoveTo(task.LocExecuting, task.LocWaitList)
		c.wait.list.Push(cur)
		c.wait.Lock.Unlock(cur)
		cur.Pause()
		c.wait.Lock.Lock(cur)
	}
	if c.done != completeAll {
		c.done--
	}
	c.wait.Lock.Unlock(cur)
}

// TryWait consumes a pending completion without blocking. It reports
// whether one was available.
func (c *Completion) TryWait() bool {
	c.wait.Lock.Lock(nil)
	defer c.wait.Lock.Unlock(nil)
	if c.done == 0 {
		return false
	}
	if c.done != completeAll {
		c.done--
	}
	return true
}

// Done reports whether a Wait would return without blocking.
func (c *Completion) Done() bool {
	c.wait.Lock.Lock(nil)
	defer c.wait.Lock.Unlock(nil)
	return c.done != 0
}
