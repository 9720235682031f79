// Package kthread provides kernel threads: tasks that run a kernel
// function instead of a user program. Creation is funneled through a
// daemon thread, kthreadd, so every kernel thread has the same parent and
// creators never pay the stack-allocation cost on their own path.
package kthread

import (
	"fmt"
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/mm"
	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/ksync"
)

// Fn is a kernel-thread body. It receives its own task, since there is no
// ambient current-task lookup, plus the creator's data word. Its return
// value becomes the thread's exit code, retrievable through Stop.
type Fn func(cur *task.Task, data any) int

// Worker state bits, kept in Info.flags. The stopper and parker set them;
// the thread polls them at its loop points.
const (
	flagShouldStop uint32 = 1 << iota
	flagShouldPark
	flagParked
)

// Info is the per-kernel-thread bookkeeping record, stored in the task's
// WorkerPrivate slot.
type Info struct {
	fn   Fn
	data any

	flags atomic.Uint32

	// sleepq is where the thread sleeps in Sleep and Parkme; Stop, Wake
	// and Unpark wake it there.
	sleepq ksync.WaitQueue

	// parked completes each time the thread reaches the parked state;
	// exited completes exactly once, when the body returns.
	parked ksync.Completion
	exited ksync.Completion

	result int
	task   *task.Task
}

// infoOf returns the bookkeeping record of a kernel thread.
func infoOf(t *task.Task) *Info {
	info, ok := t.WorkerPrivate.(*Info)
	if !ok {
		panic("kthread: " + t.Name + " is not a kernel thread")
	}
	return info
}

// createReq travels from a creating task to kthreadd.
type createReq struct {
	name     string
	fn       Fn
	data     any
	policy   task.Policy
	priority int

	done ksync.Completion
	t    *task.Task
	err  error
}

// Manager owns the kernel-thread machinery of one kernel instance: the
// stack arena threads draw from, the pending-creation list, and the
// kthreadd daemon serving it.
type Manager struct {
	stacks *mm.StackArena
	parent *task.Task // kthreadd, parent of every kernel thread

	lock ksync.Spinlock
	reqs []*createReq
}

// NewManager returns a manager drawing stacks from the given arena. Start
// must run before Create is useful from task context.
func NewManager(stacks *mm.StackArena) *Manager {
	return &Manager{stacks: stacks}
}

// Start builds and activates the kthreadd daemon. Called once at boot,
// from bootstrap context.
func (m *Manager) Start() error {
	t, err := m.build("kthreadd", m.daemon, nil, task.PolicyNormal, 0)
	if err != nil {
		return fmt.Errorf("kthread: starting kthreadd: %w", err)
	}
	t.SetFlag(task.FlagNoFreeze)
	m.parent = t
	task.Activate(t)
	return nil
}

// Daemon returns the kthreadd task, or nil before Start.
func (m *Manager) Daemon() *task.Task { return m.parent }

// daemon is the kthreadd body: drain the creation list, build each
// requested thread, signal the creator, sleep until more work arrives.
func (m *Manager) daemon(cur *task.Task, data any) int {
	info := infoOf(cur)
	for {
		m.lock.Lock(cur)
		if len(m.reqs) == 0 {
			if ShouldStop(cur) {
				m.lock.Unlock(cur)
				return 0
			}
			// Sleep with the list lock held until after we are on the
			// wait list, so an enqueue cannot slip into the gap and its
			// wakeup get lost.
			info.sleepq.SleepOnUnlock(cur, func() { m.lock.Unlock(cur) })
			continue
		}
		req := m.reqs[0]
		m.reqs = m.reqs[1:]
		m.lock.Unlock(cur)

		req.t, req.err = m.build(req.name, req.fn, req.data, req.policy, req.priority)
		req.done.Complete(cur)
	}
}

// build allocates a stack and assembles a Stopped kernel thread. Direct
// path, no daemon involved.
func (m *Manager) build(name string, fn Fn, data any, policy task.Policy, priority int) (*task.Task, error) {
	stack, err := m.stacks.Alloc()
	if err != nil {
		return nil, err
	}
	info := &Info{fn: fn, data: data}
	t := task.New(name, m.body(info), stack)
	t.Policy = policy
	t.Priority = priority
	t.Parent = m.parent
	t.SetFlag(task.FlagKThread)
	t.WorkerPrivate = info
	info.task = t
	return t, nil
}

// body wraps a thread function: run it, record the result, signal any
// joiner. The exit code also reaches the scheduler's exit path.
func (m *Manager) body(info *Info) func(*task.Task) int {
	return func(t *task.Task) int {
		code := info.fn(t, info.data)
		info.result = code
		info.exited.Complete(t)
		return code
	}
}

// Create asks kthreadd to build a Stopped kernel thread and blocks until
// it exists. cur is the creating task; passing nil builds the thread
// directly, for bootstrap use before the scheduler runs the daemon.
func (m *Manager) Create(cur *task.Task, name string, fn Fn, data any) (*task.Task, error) {
	return m.create(cur, name, fn, data, task.PolicyNormal, 0)
}

// CreateRT is Create for the fixed-priority class.
func (m *Manager) CreateRT(cur *task.Task, name string, fn Fn, data any, priority int) (*task.Task, error) {
	return m.create(cur, name, fn, data, task.PolicyRT, priority)
}

func (m *Manager) create(cur *task.Task, name string, fn Fn, data any, policy task.Policy, priority int) (*task.Task, error) {
	if cur == nil {
		return m.build(name, fn, data, policy, priority)
	}
	req := &createReq{name: name, fn: fn, data: data, policy: policy, priority: priority}
	m.lock.Lock(cur)
	m.reqs = append(m.reqs, req)
	m.lock.Unlock(cur)
	m.Wake(cur, m.parent)
	req.done.Wait(cur)
	return req.t, req.err
}

// Run makes a created thread runnable for the first time.
func (m *Manager) Run(t *task.Task) {
	infoOf(t) // assert it is ours
	task.Activate(t)
}

// CreateAndRun is Create followed by Run.
func (m *Manager) CreateAndRun(cur *task.Task, name string, fn Fn, data any) (*task.Task, error) {
	t, err := m.Create(cur, name, fn, data)
	if err != nil {
		return nil, err
	}
	m.Run(t)
	return t, nil
}

// ShouldStop reports whether Stop has been called on the thread. Thread
// bodies poll this at their loop points and return when it flips.
func ShouldStop(t *task.Task) bool {
	return infoOf(t).flags.Load()&flagShouldStop != 0
}

// Stop asks the thread to finish, wakes it if it sleeps in Sleep or a
// park, and blocks until the body returns. The body's return value comes
// back as the result. Stopping a thread twice blocks the second caller
// forever; don't.
func (m *Manager) Stop(cur *task.Task, t *task.Task) int {
	info := infoOf(t)
	setBits(&info.flags, flagShouldStop)
	m.Unpark(cur, t)
	if t.State() == task.Stopped {
		// Created but never run: let it run once so the body can observe
		// the stop request and exit.
		task.Activate(t)
	}
	info.sleepq.WakeupTask(cur, t, task.Blocked)
	info.exited.Wait(cur)
	return info.result
}

// Sleep parks the calling kernel thread interruptibly until Wake, Stop or
// Unpark. Bodies that wait for work sleep here so a Stop can always reach
// them.
func (m *Manager) Sleep(cur *task.Task) {
	info := infoOf(cur)
	if info.flags.Load()&flagShouldStop != 0 {
		return
	}
	info.sleepq.SleepOnInterruptible(cur)
}

// Wake rouses a thread sleeping in Sleep. No-op if it is not sleeping
// there. cur is the waking task, or nil outside task context.
func (m *Manager) Wake(cur *task.Task, t *task.Task) {
	infoOf(t).sleepq.WakeupTask(cur, t, task.Blocked)
}

// Parkme parks the calling thread if a park was requested, not returning
// until Unpark. Bodies call it at their loop points next to ShouldStop.
func (m *Manager) Parkme(cur *task.Task) {
	info := infoOf(cur)
	if info.flags.Load()&flagShouldPark == 0 {
		return
	}
	setBits(&info.flags, flagParked)
	info.parked.Complete(cur)
	for info.flags.Load()&flagShouldPark != 0 {
		info.sleepq.SleepOn(cur)
	}
	clearBits(&info.flags, flagParked)
}

// Park asks the thread to park and blocks until it has. A stopped or
// already parked thread parks trivially.
func (m *Manager) Park(cur *task.Task, t *task.Task) {
	info := infoOf(t)
	if info.flags.Load()&flagParked != 0 {
		return
	}
	setBits(&info.flags, flagShouldPark)
	info.sleepq.WakeupTask(cur, t, task.Blocked)
	info.parked.Wait(cur)
}

// Unpark clears a park request and releases the thread if it sits in
// Parkme.
func (m *Manager) Unpark(cur *task.Task, t *task.Task) {
	info := infoOf(t)
	if info.flags.Load()&flagShouldPark == 0 {
		return
	}
	clearBits(&info.flags, flagShouldPark)
	info.sleepq.WakeupTask(cur, t, task.Blocked)
}

// Parked reports whether the thread currently sits in Parkme.
func Parked(t *task.Task) bool {
	return infoOf(t).flags.Load()&flagParked != 0
}

// Release returns an exited thread's stack to the arena. The reaper calls
// this once per kernel thread after the zombie is collected.
func (m *Manager) Release(t *task.Task) {
	if t.State() != task.Zombie {
		panic("kthread: releasing a live thread")
	}
	if stack := t.KernelStack(); stack != nil {
		m.stacks.Free(stack)
	}
}

func setBits(w *atomic.Uint32, bits uint32) {
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func clearBits(w *atomic.Uint32, bits uint32) {
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}
