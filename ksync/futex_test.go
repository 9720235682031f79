package ksync_test

import (
	"testing"

	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/ksync"
)

func TestFutexWaitValueMismatch(t *testing.T) {
	startScheduler(t, 1)
	var f ksync.Futex
	f.Store(1)

	_, done := spawn("checker", func(cur *task.Task) {
		if f.Wait(cur, 0) {
			panic("Wait slept although the value had already changed")
		}
	})
	wait(t, "the checker", done)
}

func TestFutexWake(t *testing.T) {
	startScheduler(t, 2)
	var f ksync.Futex
	awoken := false

	tk, done := spawn("waiter", func(cur *task.Task) {
		awoken = f.Wait(cur, 0)
	})
	eventually(t, "the waiter sleeps", func() bool {
		return tk.State() == task.Uninterruptible
	})

	f.Store(1)
	f.Wake(nil)
	wait(t, "the waiter", done)
	if !awoken {
		t.Error("Wait returned false although Wake woke it")
	}
}

func TestFutexWakeAll(t *testing.T) {
	startScheduler(t, 2)
	var f ksync.Futex

	dones := make([]chan struct{}, 3)
	tks := make([]*task.Task, 3)
	for i := range dones {
		tks[i], dones[i] = spawn("waiter", func(cur *task.Task) {
			f.Wait(cur, 0)
		})
	}
	eventually(t, "all waiters sleep", func() bool {
		for _, tk := range tks {
			if tk.State() != task.Uninterruptible {
				return false
			}
		}
		return true
	})

	f.WakeAll(nil)
	for _, d := range dones {
		wait(t, "a waiter", d)
	}
}
