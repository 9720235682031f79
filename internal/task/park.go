package task

import "sync"

// Run states of the parking protocol. They are distinct from the State
// machine: State says why a task is off the CPU, the run state says where
// its execution context currently is.
const (
	// RunStateRunning: executing, or marked runnable and about to execute.
	RunStateRunning uint32 = iota
	// RunStatePaused: parked, waiting for a core to hand it the CPU.
	RunStatePaused
	// RunStateResuming: a wakeup arrived while the task was still on a
	// CPU deciding to pause; the pause must turn into a no-op.
	RunStateResuming
)

const schedulerAsserts = true

// Switch is the message a task sends to the core it is leaving.
type Switch struct {
	Task *Task
	// Exited is set when the task finished instead of pausing.
	Exited bool
}

// schedulerLock serializes run-state transitions and the wakeup/pause
// race window. It plays the role the global scheduler spinlock plays on
// real hardware; the host's mutex stands in for the
// interrupts-off-plus-spin acquisition there.
var schedulerLock sync.Mutex

// LockScheduler takes the global scheduler lock.
func LockScheduler() { schedulerLock.Lock() }

// UnlockScheduler releases the global scheduler lock.
func UnlockScheduler() { schedulerLock.Unlock() }

// Activate is bound by the sched package at boot: it marks a blocked task
// runnable and places it on a run queue. Declaring the hook here instead
// of importing sched keeps the dependency arrow pointing one way.
var Activate func(t *Task)

// Pause suspends the calling task and hands its core back to the
// scheduler. It does not return until another task resumes this one.
func (t *Task) Pause() {
	LockScheduler()
	t.PauseLocked()
}

// PauseLocked is the same as Pause, but must be called with the scheduler
// lock already taken.
func (t *Task) PauseLocked() {
	t.checkCanary()
	if t.PreemptCount() != 0 {
		UnlockScheduler()
		panic("task: " + t.Name + " pausing with nonzero preempt count")
	}
	if t.runState.Load() == RunStateResuming {
		// Another core already marked this task as ready to resume.
		t.runState.Store(RunStateRunning)
		UnlockScheduler()
		return
	}
	t.runState.Store(RunStatePaused)
	yield := t.yield
	UnlockScheduler()
	yield <- Switch{Task: t}
	<-t.permit
}

// MarkRunnable resolves the wakeup side of the wakeup/pause race. It must
// be called with the scheduler lock held. It reports whether the task is
// parked and must be enqueued on a run queue; false means the task was
// still on a CPU and its upcoming pause has been turned into a no-op.
func (t *Task) MarkRunnable() bool {
	switch t.runState.Load() {
	case RunStatePaused:
		return true
	case RunStateRunning:
		t.runState.Store(RunStateResuming)
		return false
	case RunStateResuming:
		return false
	default:
		if schedulerAsserts {
			panic("task: unknown run state")
		}
		return false
	}
}

// Resume hands the CPU to the task. The caller is a core loop and must
// wait on yield afterwards; the task sends on it when it leaves the CPU
// again. The first Resume starts the task body.
func (t *Task) Resume(yield chan<- Switch) {
	t.yield = yield
	t.runState.Store(RunStateRunning)
	if !t.started {
		t.started = true
		go t.run()
		return
	}
	t.permit <- struct{}{}
}

// exitRequest unwinds a task body when Exit is called below the body's
// top frame, the same trick the runtime's Goexit plays.
type exitRequest struct{ code int }

func (t *Task) run() {
	code := func() (code int) {
		defer func() {
			if r := recover(); r != nil {
				er, ok := r.(exitRequest)
				if !ok {
					panic(r)
				}
				code = er.code
			}
		}()
		return t.fn(t)
	}()
	t.finish(code)
}

// Exit terminates the calling task with the given exit code. It unwinds
// the task body and never returns to the caller. Deferred functions on the
// way out still run.
func (t *Task) Exit(code int) {
	panic(exitRequest{code: code})
}

// finish turns the task into a Zombie, detaches it from the scheduler and
// gives its core back. The hosting goroutine ends right after.
func (t *Task) finish(code int) {
	LockScheduler()
	t.ExitCode = code
	t.SetFlag(FlagExiting)
	t.SetState(Zombie)
	t.MoveTo(LocExecuting, LocZombie)
	yield := t.yield
	UnlockScheduler()
	yield <- Switch{Task: t, Exited: true}
}
