package ksync_test

import (
	"testing"

	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/ksync"
)

func TestSleepWakeup(t *testing.T) {
	startScheduler(t, 1)
	var q ksync.WaitQueue

	tk, done := spawn("sleeper", func(cur *task.Task) {
		q.SleepOn(cur)
	})
	eventually(t, "the sleeper is on the queue", func() bool { return q.Len() == 1 })
	if tk.State() != task.Uninterruptible {
		t.Errorf("sleeper state is %v, want uninterruptible", tk.State())
	}

	if !q.Wakeup(nil, task.Uninterruptible) {
		t.Fatal("Wakeup found no matching waiter")
	}
	wait(t, "the sleeper", done)
	if !q.Empty() {
		t.Error("queue not empty after the wakeup")
	}
}

// TestWakeupMaskFiltering: a wakeup whose mask does not cover the head
// waiter's state must leave the queue untouched. An uninterruptible
// sleeper ignores signal-style wakeups.
func TestWakeupMaskFiltering(t *testing.T) {
	startScheduler(t, 1)
	var q ksync.WaitQueue

	_, done := spawn("deep-sleeper", func(cur *task.Task) {
		q.SleepOn(cur)
	})
	eventually(t, "the sleeper is on the queue", func() bool { return q.Len() == 1 })

	if q.Wakeup(nil, task.Interruptible) {
		t.Fatal("interruptible-mask wakeup claimed an uninterruptible sleeper")
	}
	stillBlocked(t, "the uninterruptible sleeper", done)

	if !q.Wakeup(nil, task.Blocked) {
		t.Fatal("blocked-mask wakeup missed the sleeper")
	}
	wait(t, "the sleeper", done)
}

func TestInterruptibleSleep(t *testing.T) {
	startScheduler(t, 1)
	var q ksync.WaitQueue

	tk, done := spawn("light-sleeper", func(cur *task.Task) {
		q.SleepOnInterruptible(cur)
	})
	eventually(t, "the sleeper is on the queue", func() bool { return q.Len() == 1 })
	if tk.State() != task.Interruptible {
		t.Errorf("sleeper state is %v, want interruptible", tk.State())
	}
	if !q.Wakeup(nil, task.Interruptible) {
		t.Fatal("interruptible-mask wakeup missed an interruptible sleeper")
	}
	wait(t, "the sleeper", done)
}

// TestWakeupIsHeadOnly: Wakeup inspects only the head. With an
// uninterruptible task at the head, an interruptible sleeper behind it is
// not reachable by a signal-mask wakeup.
func TestWakeupIsHeadOnly(t *testing.T) {
	startScheduler(t, 1)
	var q ksync.WaitQueue

	_, deepDone := spawn("deep", func(cur *task.Task) {
		q.SleepOn(cur)
	})
	eventually(t, "the first sleeper queued", func() bool { return q.Len() == 1 })
	_, lightDone := spawn("light", func(cur *task.Task) {
		q.SleepOnInterruptible(cur)
	})
	eventually(t, "the second sleeper queued", func() bool { return q.Len() == 2 })

	if q.Wakeup(nil, task.Interruptible) {
		t.Fatal("wakeup skipped past the head waiter")
	}
	stillBlocked(t, "the interruptible sleeper behind the head", lightDone)

	if n := q.WakeupAll(nil, task.Blocked); n != 2 {
		t.Fatalf("WakeupAll woke %d tasks, want 2", n)
	}
	wait(t, "the first sleeper", deepDone)
	wait(t, "the second sleeper", lightDone)
}

// TestWakeupTask: a targeted wakeup reaches a waiter behind the head and
// leaves the rest of the queue alone.
func TestWakeupTask(t *testing.T) {
	startScheduler(t, 1)
	var q ksync.WaitQueue

	_, headDone := spawn("head", func(cur *task.Task) {
		q.SleepOn(cur)
	})
	eventually(t, "the head sleeper queued", func() bool { return q.Len() == 1 })
	target, targetDone := spawn("target", func(cur *task.Task) {
		q.SleepOn(cur)
	})
	eventually(t, "the target queued", func() bool { return q.Len() == 2 })

	if q.WakeupTask(nil, target, task.Interruptible) {
		t.Fatal("targeted wakeup ignored the state mask")
	}
	if !q.WakeupTask(nil, target, task.Blocked) {
		t.Fatal("targeted wakeup missed a queued task")
	}
	wait(t, "the target", targetDone)
	stillBlocked(t, "the head sleeper", headDone)
	if q.WakeupTask(nil, target, task.Blocked) {
		t.Fatal("woke the same task twice")
	}

	q.Wakeup(nil, task.Blocked)
	wait(t, "the head sleeper", headDone)
}

// TestWakeupInsideUnlockWindow: the wakeup lands after the sleeper is on
// the wait list but before it suspends. The pause must degrade to a no-op
// yield and leave the task fully consistent, able to block again later.
func TestWakeupInsideUnlockWindow(t *testing.T) {
	startScheduler(t, 2)
	var q ksync.WaitQueue
	var guard ksync.Spinlock

	_, done := spawn("racer", func(cur *task.Task) {
		guard.Lock(cur)
		q.SleepOnUnlock(cur, func() {
			guard.Unlock(cur)
			// The wakeup beats the suspension.
			if !q.Wakeup(cur, task.Blocked) {
				panic("sleeper not enqueued before its unlock callback ran")
			}
		})
		q.SleepOn(cur)
	})
	eventually(t, "the racer sleeps again", func() bool { return q.Len() == 1 })
	if !q.Wakeup(nil, task.Blocked) {
		t.Fatal("the second sleep never reached the queue")
	}
	wait(t, "the racer", done)
}

// TestSleepOnUnlock checks the lost-wakeup guard: the waker serializes on
// a lock the sleeper releases only after it is on the wait list.
func TestSleepOnUnlock(t *testing.T) {
	startScheduler(t, 2)
	var q ksync.WaitQueue
	var guard ksync.Spinlock
	ready := false

	_, done := spawn("sleeper", func(cur *task.Task) {
		guard.Lock(cur)
		ready = true
		q.SleepOnUnlock(cur, func() { guard.Unlock(cur) })
	})
	_, wakerDone := spawn("waker", func(cur *task.Task) {
		for {
			guard.Lock(cur)
			if ready {
				guard.Unlock(cur)
				break
			}
			guard.Unlock(cur)
		}
		// ready was observed under the lock, so the sleeper is enqueued.
		if !q.Wakeup(cur, task.Blocked) {
			panic("sleeper not on the queue despite the lock handoff")
		}
	})
	wait(t, "the waker", wakerDone)
	wait(t, "the sleeper", done)
}
