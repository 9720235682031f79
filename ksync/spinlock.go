// Package ksync provides the kernel's mutual-exclusion primitives, layered
// bottom-up: a busy-waiting spinlock, a wait queue implementing the
// sleep/wakeup protocol, and the semaphore and mutex built on top of them.
package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/percpu"
	"github.com/gokern-org/gokern/internal/task"
)

// Spinlock is the lowest-level exclusion primitive. Lock busy-waits and
// never suspends; while held, the owner's preempt count is raised so the
// owner cannot be rescheduled. Not re-entrant: a second Lock by the same
// task deadlocks.
//
// The zero value is an unlocked spinlock.
type Spinlock struct {
	v atomic.Uint32
}

// Number of CAS failures tolerated before yielding the hardware thread.
// The backoff keeps the "pure busy-wait" contract at the kernel level;
// the yield is only a politeness hint to the host.
const spinBackoff = 64

// Lock acquires the spinlock, spinning until it is free. cur is the
// calling task, or nil when called from bootstrap or core context where no
// task is current.
func (l *Spinlock) Lock(cur *task.Task) {
	if cur != nil {
		cur.PreemptDisable()
	}
	spins := 0
	for !l.v.CompareAndSwap(0, 1) {
		spins++
		if spins >= spinBackoff {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire the lock without spinning. On success the
// caller's preempt count is raised exactly as with Lock.
func (l *Spinlock) TryLock(cur *task.Task) bool {
	if cur != nil {
		cur.PreemptDisable()
	}
	if l.v.CompareAndSwap(0, 1) {
		return true
	}
	if cur != nil {
		cur.PreemptEnable()
	}
	return false
}

// Unlock releases the spinlock. Unlocking a free spinlock is a programming
// error and panics.
func (l *Spinlock) Unlock(cur *task.Task) {
	if !l.v.CompareAndSwap(1, 0) {
		panic("ksync: unlock of unlocked spinlock")
	}
	if cur != nil {
		cur.PreemptEnable()
	}
}

// Locked reports a point-in-time view of the lock word, for assertions.
func (l *Spinlock) Locked() bool { return l.v.Load() == 1 }

// LockIRQSave disables local interrupt delivery on cpu, then acquires the
// lock. Required whenever the same lock can be taken from an interrupt
// handler on that core; otherwise the handler spins against its own core
// forever.
func (l *Spinlock) LockIRQSave(cur *task.Task, cpu *percpu.CPU) percpu.IRQState {
	state := cpu.DisableIRQ()
	l.Lock(cur)
	return state
}

// UnlockIRQRestore releases the lock and restores the saved interrupt
// state.
func (l *Spinlock) UnlockIRQRestore(cur *task.Task, cpu *percpu.CPU, state percpu.IRQState) {
	l.Unlock(cur)
	cpu.RestoreIRQ(state)
}
