package sched

import (
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/percpu"
	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/ksync"
)

// runQueue is one core's view of the runnable world: the two policy
// queues behind a single spinlock, plus scheduling statistics.
//
// Push and pop from the owning core take only this lock; moving a task
// between cores takes both queues' locks in ascending core-id order (see
// Migrate).
type runQueue struct {
	cpu  *percpu.CPU
	lock ksync.Spinlock

	cfs cfsQueue
	rt  rtQueue

	// minVRuntime is a monotone floor: woken tasks enter the cfs queue at
	// no less than this, so sleeping does not bank unfair credit.
	minVRuntime uint64

	switches atomic.Uint64
	idles    atomic.Uint64
	ticks    atomic.Uint64
	yields   atomic.Uint64
}

// enqueueLocked places a runnable task on the right policy queue. Caller
// holds rq.lock.
func (rq *runQueue) enqueueLocked(t *task.Task) {
	t.MoveTo(task.LocDetached, task.LocRunQueue)
	t.SetState(task.Running)
	if t.Policy == task.PolicyRT {
		rq.rt.enqueue(t)
		return
	}
	if t.VRuntime() < rq.minVRuntime {
		t.SetVRuntime(rq.minVRuntime)
	}
	rq.cfs.enqueue(t)
}

// pickLocked removes and returns the next task to run, or nil. The
// fixed-priority class always beats the virtual-runtime class. Caller
// holds rq.lock.
func (rq *runQueue) pickLocked() *task.Task {
	if t := rq.rt.pick(); t != nil {
		return t
	}
	t := rq.cfs.pick()
	if t != nil && t.VRuntime() > rq.minVRuntime {
		rq.minVRuntime = t.VRuntime()
	}
	return t
}

// removeLocked takes a runnable task off whichever queue holds it. Caller
// holds rq.lock.
func (rq *runQueue) removeLocked(t *task.Task) bool {
	if t.Policy == task.PolicyRT {
		return rq.rt.remove(t)
	}
	return rq.cfs.remove(t)
}

// runnableLocked counts queued tasks. Caller holds rq.lock.
func (rq *runQueue) runnableLocked() int {
	return rq.rt.len() + rq.cfs.len()
}
