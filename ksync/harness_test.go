package ksync_test

import (
	"testing"
	"time"

	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/sched"
)

// startScheduler boots a scheduler for the blocking tests and stops it
// when the test ends. Every spawned task must exit before the test
// returns, or the stop will wait on it forever.
func startScheduler(t *testing.T, cores int) *sched.Scheduler {
	t.Helper()
	s := sched.New(sched.Config{Cores: cores})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

// spawn runs fn as a task and returns it together with a channel closed
// when the body finishes.
func spawn(name string, fn func(cur *task.Task)) (*task.Task, chan struct{}) {
	done := make(chan struct{})
	tk := task.New(name, func(cur *task.Task) int {
		defer close(done)
		fn(cur)
		return 0
	}, nil)
	task.Activate(tk)
	return tk, done
}

func wait(t *testing.T, what string, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting until %s", what)
}

// stillBlocked gives the task a moment to (wrongly) finish, then asserts
// it has not.
func stillBlocked(t *testing.T, what string, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
		t.Fatalf("%s finished but should still be blocked", what)
	case <-time.After(20 * time.Millisecond):
	}
}
