// Package task defines the control block of a schedulable unit and the
// low-level run-state machinery used to park and resume it.
//
// The scheduler itself lives in the sched package. The two packages are
// coupled through the hook variables in park.go, bound once at boot.
package task

import (
	"sync/atomic"
)

// State describes the scheduler-visible lifecycle state of a task. The
// states are mutually exclusive; the values are bitmask-encoded so that
// wakeup calls can match a set of states in one mask test.
type State uint64

const (
	// Running means the task is executing or sitting on a run queue.
	Running State = 1 << 0
	// Interruptible is a blocked state that an external signal may cut
	// short.
	Interruptible State = 1 << 1
	// Uninterruptible is a blocked state that only an explicit wakeup can
	// end.
	Uninterruptible State = 1 << 2
	// Zombie means the task has exited and awaits reaping.
	Zombie State = 1 << 3
	// Stopped means the task was created but never made runnable.
	Stopped State = 1 << 4

	// Blocked matches either of the two sleeping states.
	Blocked = Interruptible | Uninterruptible
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Interruptible:
		return "interruptible"
	case Uninterruptible:
		return "uninterruptible"
	case Zombie:
		return "zombie"
	case Stopped:
		return "stopped"
	}
	return "invalid"
}

// Flags are independent per-task bits, unlike State.
type Flags uint64

const (
	// FlagKThread marks a kernel-only worker with no user program.
	FlagKThread Flags = 1 << 0
	// FlagNeedSched asks the next safe point to re-enter the scheduler.
	FlagNeedSched Flags = 1 << 1
	// FlagVFork marks a task sharing its memory with the parent.
	FlagVFork Flags = 1 << 2
	// FlagExiting is set while the task tears itself down inside the
	// kernel.
	FlagExiting Flags = 1 << 3
	// FlagNoFreeze exempts the task from freezing (kthreadd carries it).
	FlagNoFreeze Flags = 1 << 4
)

// Policy selects which scheduling class a task belongs to.
type Policy uint8

const (
	// PolicyNormal is the default virtual-runtime class.
	PolicyNormal Policy = iota
	// PolicyRT is the fixed-priority class. A runnable RT task always
	// preempts a normal task on the same core.
	PolicyRT
)

// Location records which single container currently owns a task. A task is
// in exactly one location at any instant; violating that is a kernel bug
// and panics immediately rather than corrupting a list.
type Location int32

const (
	// LocDetached: freshly created, parked, or between a wait-list dequeue
	// and a run-queue enqueue.
	LocDetached Location = iota
	// LocRunQueue: sitting on a policy run queue, runnable.
	LocRunQueue
	// LocWaitList: enqueued on a wait queue or waiter list, blocked.
	LocWaitList
	// LocExecuting: the current task of some core.
	LocExecuting
	// LocZombie: exited, detached from all queues, awaiting reap.
	LocZombie
)

func (l Location) String() string {
	switch l {
	case LocDetached:
		return "detached"
	case LocRunQueue:
		return "runqueue"
	case LocWaitList:
		return "waitlist"
	case LocExecuting:
		return "executing"
	case LocZombie:
		return "zombie"
	}
	return "invalid"
}

// Task is the control block of one schedulable unit: a kernel thread or a
// forked process. Tasks are linked into run queues and wait lists through
// the Next field, so a task can be a member of at most one list at a time.
type Task struct {
	// Next links the task into an intrusive Queue, Stack or wait list.
	// It must be nil whenever the task is not on a list.
	Next *Task

	// ID is a stable, process-unique identifier, assigned at creation.
	ID int

	// Name is a short human-readable tag, at most NameLen bytes.
	Name string

	// Parent is the creating task, used for exit/reap bookkeeping.
	Parent *Task

	// Policy is fixed at creation time.
	Policy Policy

	// Priority is the fixed-priority band for PolicyRT tasks and the
	// vruntime weight input for PolicyNormal tasks. Lower values are
	// higher priority.
	Priority int

	// ExitCode is valid once the task is a Zombie.
	ExitCode int

	// WorkerPrivate holds the kthread bookkeeping record for kernel
	// threads, nil otherwise.
	WorkerPrivate any

	state    atomic.Uint64 // holds a State
	flags    atomic.Uint64 // holds Flags
	where    atomic.Int32  // holds a Location
	vruntime atomic.Uint64
	slice    atomic.Int64 // remaining ticks of the current quantum
	cpu      atomic.Int32 // core the task last ran on
	preempt  atomic.Int32 // spinlock/preemption-off nesting depth

	// Parking machinery, see park.go.
	runState atomic.Uint32
	permit   chan struct{}
	yield    chan<- Switch
	started  bool

	fn    func(*Task) int
	stack []byte
}

// NameLen bounds Task.Name, like the fixed name field of the control block
// it models.
const NameLen = 16

var nextID atomic.Int64

// New creates a detached task in the Stopped state that will run fn when
// first resumed. The stack block is only accounting in this implementation
// (plus the overflow canary); the real execution stack belongs to the host.
func New(name string, fn func(*Task) int, stack []byte) *Task {
	if len(name) > NameLen {
		name = name[:NameLen]
	}
	t := &Task{
		ID:     int(nextID.Add(1)),
		Name:   name,
		fn:     fn,
		permit: make(chan struct{}, 1),
		stack:  stack,
	}
	t.state.Store(uint64(Stopped))
	// A fresh task is parked: its execution context does not exist yet, and
	// the first wakeup must report that it needs an enqueue.
	t.runState.Store(RunStatePaused)
	t.cpu.Store(-1)
	t.slice.Store(DefaultSlice)
	writeCanary(stack)
	return t
}

// DefaultSlice is the scheduling quantum, in ticks, granted to a task when
// it is enqueued.
const DefaultSlice = 4

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// SetState replaces the lifecycle state. States are mutually exclusive, so
// this is a plain store, not a bit operation.
func (t *Task) SetState(s State) { t.state.Store(uint64(s)) }

// CasState updates the state only if it still matches old. It returns
// whether the swap happened.
func (t *Task) CasState(old, new State) bool {
	return t.state.CompareAndSwap(uint64(old), uint64(new))
}

// Flags returns the current flag bits.
func (t *Task) Flags() Flags { return Flags(t.flags.Load()) }

// SetFlag sets the given flag bits.
func (t *Task) SetFlag(f Flags) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|uint64(f)) {
			return
		}
	}
}

// ClearFlag clears the given flag bits.
func (t *Task) ClearFlag(f Flags) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old&^uint64(f)) {
			return
		}
	}
}

// TestFlag reports whether all of the given flag bits are set.
func (t *Task) TestFlag(f Flags) bool { return Flags(t.flags.Load())&f == f }

// VRuntime returns the accumulated, priority-weighted runtime.
func (t *Task) VRuntime() uint64 { return t.vruntime.Load() }

// SetVRuntime overwrites the virtual runtime (used when a woken task is
// placed back on a queue, to stop it from starving everyone else).
func (t *Task) SetVRuntime(v uint64) { t.vruntime.Store(v) }

// AddVRuntime advances the virtual runtime and returns the new value.
func (t *Task) AddVRuntime(delta uint64) uint64 { return t.vruntime.Add(delta) }

// Slice returns the remaining ticks of the current quantum.
func (t *Task) Slice() int64 { return t.slice.Load() }

// SetSlice refills the quantum.
func (t *Task) SetSlice(n int64) { t.slice.Store(n) }

// TickSlice burns one tick of quantum and reports whether it is exhausted.
func (t *Task) TickSlice() bool { return t.slice.Add(-1) <= 0 }

// CPU returns the core the task last ran on, or -1.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// SetCPU records the core the task is about to run on.
func (t *Task) SetCPU(id int) { t.cpu.Store(int32(id)) }

// PreemptCount returns the nesting depth of held spinlocks and other
// preemption-disabled regions.
func (t *Task) PreemptCount() int { return int(t.preempt.Load()) }

// PreemptDisable enters a no-preemption region.
func (t *Task) PreemptDisable() { t.preempt.Add(1) }

// PreemptEnable leaves a no-preemption region.
func (t *Task) PreemptEnable() {
	if t.preempt.Add(-1) < 0 {
		panic("task: preempt count underflow")
	}
}

// Where returns the container that currently owns the task.
func (t *Task) Where() Location { return Location(t.where.Load()) }

// MoveTo transitions the task's list membership. The task must currently
// be at from; anything else means it is being put on two containers at
// once, which panics.
func (t *Task) MoveTo(from, to Location) {
	if !t.where.CompareAndSwap(int32(from), int32(to)) {
		panic("task: " + t.Name + " moved to " + to.String() +
			" while " + t.Where().String() + ", expected " + from.String())
	}
}

// KernelStack returns the task's stack block.
func (t *Task) KernelStack() []byte { return t.stack }

// The canary sits at the lowest address of the stack block; if it changes,
// the stack overflowed into the control block below it.
const stackCanary uint64 = 0x6b6b636e7972616e

func writeCanary(stack []byte) {
	if len(stack) >= 8 {
		putUint64(stack[:8], stackCanary)
	}
}

func (t *Task) checkCanary() {
	if len(t.stack) >= 8 && getUint64(t.stack[:8]) != stackCanary {
		panic("task: stack overflow detected on " + t.Name)
	}
}

func putUint64(b []byte, v uint64) {
	_ = b[7]
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	_ = b[7]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
