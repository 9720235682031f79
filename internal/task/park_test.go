package task_test

import (
	"testing"
	"time"

	"github.com/gokern-org/gokern/internal/task"
)

// recv waits for a context switch with a deadline, so a protocol bug hangs
// the test instead of the whole run.
func recv(t *testing.T, yield chan task.Switch) task.Switch {
	t.Helper()
	select {
	case sw := <-yield:
		return sw
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a context switch")
		return task.Switch{}
	}
}

// TestPauseResumeExit drives one task through the full protocol by hand,
// playing the core loop's part: first resume starts the body, the pause
// comes back as a switch, a second resume finishes it.
func TestPauseResumeExit(t *testing.T) {
	yield := make(chan task.Switch)
	resumed := false
	tk := task.New("worker", func(cur *task.Task) int {
		cur.Pause()
		resumed = true
		return 7
	}, nil)
	tk.MoveTo(task.LocDetached, task.LocExecuting)

	tk.Resume(yield)
	sw := recv(t, yield)
	if sw.Exited {
		t.Fatal("task exited before it was resumed")
	}
	if sw.Task != tk {
		t.Fatal("switch came from the wrong task")
	}

	task.LockScheduler()
	needsQueue := tk.MarkRunnable()
	task.UnlockScheduler()
	if !needsQueue {
		t.Fatal("MarkRunnable on a parked task must report it needs enqueueing")
	}

	tk.Resume(yield)
	sw = recv(t, yield)
	if !sw.Exited {
		t.Fatal("second switch is not an exit")
	}
	if !resumed {
		t.Error("body never ran past its pause")
	}
	if tk.ExitCode != 7 {
		t.Errorf("exit code is %d, want 7", tk.ExitCode)
	}
	if tk.State() != task.Zombie {
		t.Errorf("state after exit is %v, want zombie", tk.State())
	}
	if tk.Where() != task.LocZombie {
		t.Errorf("location after exit is %v, want zombie", tk.Where())
	}
}

// TestWakeupBeforePause exercises the race the run states exist for: a
// wakeup that lands while the task is still on the CPU must turn the
// upcoming pause into a no-op instead of being lost.
func TestWakeupBeforePause(t *testing.T) {
	yield := make(chan task.Switch)
	proceed := make(chan struct{})
	tk := task.New("racer", func(cur *task.Task) int {
		<-proceed
		cur.Pause() // must not suspend: the wakeup already arrived
		return 1
	}, nil)
	tk.MoveTo(task.LocDetached, task.LocExecuting)
	tk.Resume(yield)

	task.LockScheduler()
	needsQueue := tk.MarkRunnable()
	task.UnlockScheduler()
	if needsQueue {
		t.Fatal("MarkRunnable on a running task must not ask for an enqueue")
	}

	close(proceed)
	sw := recv(t, yield)
	if !sw.Exited {
		t.Fatal("expected the body to run to completion in one stretch")
	}
}

// TestFreshTaskNeedsEnqueue: a task that has never run counts as parked,
// so the wakeup side is told to put it on a run queue.
func TestFreshTaskNeedsEnqueue(t *testing.T) {
	tk := task.New("fresh", func(cur *task.Task) int { return 0 }, nil)
	task.LockScheduler()
	needsQueue := tk.MarkRunnable()
	task.UnlockScheduler()
	if !needsQueue {
		t.Fatal("MarkRunnable on a fresh task must report it needs enqueueing")
	}
}

// TestExitUnwinds checks that Exit terminates the body from a nested frame
// and still runs deferred functions.
func TestExitUnwinds(t *testing.T) {
	yield := make(chan task.Switch)
	deferRan := false
	tk := task.New("exiter", func(cur *task.Task) int {
		defer func() { deferRan = true }()
		func() { cur.Exit(3) }()
		return 9 // unreachable
	}, nil)
	tk.MoveTo(task.LocDetached, task.LocExecuting)
	tk.Resume(yield)
	sw := recv(t, yield)
	if !sw.Exited {
		t.Fatal("Exit did not finish the task")
	}
	if tk.ExitCode != 3 {
		t.Errorf("exit code is %d, want 3", tk.ExitCode)
	}
	if !deferRan {
		t.Error("deferred function did not run during exit unwind")
	}
}

// TestCanarySurvivesParking makes sure a task with a real stack block can
// park and resume with the overflow canary intact.
func TestCanarySurvivesParking(t *testing.T) {
	yield := make(chan task.Switch)
	stack := make([]byte, 64)
	tk := task.New("canary", func(cur *task.Task) int {
		cur.Pause()
		return 0
	}, stack)
	tk.MoveTo(task.LocDetached, task.LocExecuting)
	tk.Resume(yield)
	recv(t, yield)

	task.LockScheduler()
	tk.MarkRunnable()
	task.UnlockScheduler()
	tk.Resume(yield)
	if sw := recv(t, yield); !sw.Exited {
		t.Fatal("task did not exit cleanly")
	}
}
