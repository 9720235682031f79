// Package sched implements the scheduler façade and its two policies: the
// default virtual-runtime class and the fixed-priority class layered above
// it. Each core owns a run queue; tasks flow between wait lists and run
// queues through Activate, and give their core back through Yield or by
// blocking in a ksync primitive.
package sched

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/percpu"
	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/klog"
)

const schedulerDebug = false

func scheduleLog(format string, args ...any) {
	if schedulerDebug {
		klog.Debugf(format, args...)
	}
}

// ErrNotQueued is returned by Migrate when the task is not sitting on a
// run queue (it is executing, blocked, or dead).
var ErrNotQueued = errors.New("sched: task is not on a run queue")

// Config sizes the scheduler at boot.
type Config struct {
	// Cores is the number of virtual cores.
	Cores int
	// SliceTicks is the scheduling quantum, in timer ticks.
	SliceTicks int64
	// RTBands is the number of fixed-priority bands.
	RTBands int
}

func (c *Config) defaults() {
	if c.Cores <= 0 {
		c.Cores = 1
	}
	if c.SliceTicks <= 0 {
		c.SliceTicks = task.DefaultSlice
	}
	if c.RTBands <= 0 {
		c.RTBands = 100
	}
}

// Scheduler owns every run queue and core loop. There is no ambient
// global scheduler state: all of it hangs off this one instance,
// constructed at boot.
type Scheduler struct {
	cfg  Config
	cpus []*percpu.CPU
	rqs  []*runQueue
	idle []*task.Task

	// OnExit, if set before Start, is invoked by a core loop whenever a
	// task on that core exits. The reaping collaborator hangs off this.
	OnExit func(*task.Task)

	nextCore atomic.Uint32

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a stopped scheduler and binds the task-layer activation hook
// to it.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:  cfg,
		stop: make(chan struct{}),
	}
	for i := 0; i < cfg.Cores; i++ {
		cpu := percpu.New(i)
		s.cpus = append(s.cpus, cpu)
		s.rqs = append(s.rqs, &runQueue{cpu: cpu, rt: newRTQueue(cfg.RTBands)})
		idle := task.New("idle", nil, nil)
		idle.SetCPU(i)
		s.idle = append(s.idle, idle)
	}
	task.Activate = s.Activate
	return s
}

// NumCPU returns the number of cores.
func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// CPU returns core i.
func (s *Scheduler) CPU(i int) *percpu.CPU { return s.cpus[i] }

// Start spawns one scheduling loop per core.
func (s *Scheduler) Start() {
	for i := range s.cpus {
		s.wg.Add(1)
		go s.run(i)
	}
}

// Stop shuts the core loops down and waits for them to park. Tasks still
// blocked on wait lists stay blocked; callers stop their kernel threads
// first.
func (s *Scheduler) Stop() {
	close(s.stop)
	for _, cpu := range s.cpus {
		cpu.WakeUp()
	}
	s.wg.Wait()
}

// run is one core's scheduling loop: pick, switch to, wait for the task
// to come back, repeat. The pick happens under the scheduler lock so a
// task can never be resumed before its pause completed (the lock is held
// across a pausing task's final state transition).
func (s *Scheduler) run(i int) {
	defer s.wg.Done()
	cpu := s.cpus[i]
	rq := s.rqs[i]
	yield := make(chan task.Switch)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		task.LockScheduler()
		rq.lock.Lock(nil)
		t := rq.pickLocked()
		rq.lock.Unlock(nil)

		if t == nil {
			task.UnlockScheduler()
			// Nothing runnable: account the idle task as current so
			// ticks and current-task lookups see it, then wait for work.
			cpu.SetCurrent(s.idle[i])
			rq.idles.Add(1)
			select {
			case <-cpu.Wake:
			case <-s.stop:
				cpu.SetCurrent(nil)
				return
			}
			cpu.SetCurrent(nil)
			continue
		}

		t.MoveTo(task.LocRunQueue, task.LocExecuting)
		t.SetCPU(i)
		cpu.SetCurrent(t)
		task.UnlockScheduler()

		scheduleLog("cpu%d: switching to %s", i, t.Name)
		rq.switches.Add(1)
		t.Resume(yield)
		sw := <-yield
		cpu.SetCurrent(nil)

		if sw.Exited {
			scheduleLog("cpu%d: %s exited with %d", i, t.Name, t.ExitCode)
			if s.OnExit != nil {
				s.OnExit(t)
			}
		}
	}
}

// Activate marks a blocked or freshly created task runnable and places it
// on a run queue. Safe to call from any context; this is the single
// wakeup entry point the wait primitives use.
func (s *Scheduler) Activate(t *task.Task) {
	task.LockScheduler()
	if t.MarkRunnable() {
		s.enqueueLocked(t)
	} else if t.Where() == task.LocDetached {
		// The task is still on its CPU and its upcoming pause just became
		// a no-op. Give it back the location the waker's dequeue took away,
		// or its next transition off the CPU trips the membership check.
		t.MoveTo(task.LocDetached, task.LocExecuting)
	}
	task.UnlockScheduler()
}

// enqueueLocked routes t to a core and enqueues it. Caller holds the
// scheduler lock.
func (s *Scheduler) enqueueLocked(t *task.Task) {
	id := t.CPU()
	if id < 0 || id >= len(s.rqs) {
		// Never ran anywhere: spread fresh tasks round robin.
		id = int(s.nextCore.Add(1)) % len(s.rqs)
		t.SetCPU(id)
	}
	rq := s.rqs[id]
	t.SetSlice(s.cfg.SliceTicks)
	rq.lock.Lock(nil)
	rq.enqueueLocked(t)
	rq.lock.Unlock(nil)

	// A fixed-priority arrival preempts a virtual-runtime task the moment
	// it becomes runnable; the running task is told to reschedule at its
	// next safe point.
	if cur := s.cpus[id].Current(); cur != nil && preempts(t, cur) {
		cur.SetFlag(task.FlagNeedSched)
	}
	s.cpus[id].WakeUp()
}

func preempts(newcomer, cur *task.Task) bool {
	if newcomer.Policy != task.PolicyRT {
		return false
	}
	if cur.Policy != task.PolicyRT {
		return true
	}
	return newcomer.Priority < cur.Priority
}

// Yield re-enqueues the calling task behind its peers and gives the core
// back to the scheduler. It returns when the scheduler selects the task
// again.
func (s *Scheduler) Yield(cur *task.Task) {
	if id := cur.CPU(); id >= 0 && id < len(s.rqs) {
		s.rqs[id].yields.Add(1)
	}
	task.LockScheduler()
	cur.ClearFlag(task.FlagNeedSched)
	cur.MoveTo(task.LocExecuting, task.LocDetached)
	s.enqueueLocked(cur)
	cur.PauseLocked()
}

// CondResched honors a pending reschedule request, if any. Task bodies
// call this at their safe points; it reports whether the task was
// switched out.
func (s *Scheduler) CondResched(cur *task.Task) bool {
	if !cur.TestFlag(task.FlagNeedSched) {
		return false
	}
	s.Yield(cur)
	return true
}

// Tick advances the scheduling clock of core cpuID by one timer tick, for
// whatever that core is running. Called by the timer collaborator, in
// interrupt context.
func (s *Scheduler) Tick(cpuID int) {
	rq := s.rqs[cpuID]
	rq.ticks.Add(1)
	cur := s.cpus[cpuID].Current()
	if cur == nil || cur == s.idle[cpuID] {
		return
	}
	if cur.Policy == task.PolicyNormal {
		v := cur.AddVRuntime(vruntimeDelta(cur))
		scheduleLog("cpu%d: %s vruntime=%d", cpuID, cur.Name, v)
	}
	if cur.TickSlice() {
		cur.SetSlice(s.cfg.SliceTicks)
		cur.SetFlag(task.FlagNeedSched)
	}
}

// Migrate moves a queued task to another core's run queue. Both queue
// locks are taken in ascending core-id order, so two concurrent
// migrations in opposite directions cannot deadlock.
func (s *Scheduler) Migrate(t *task.Task, to int) error {
	from := t.CPU()
	if from < 0 || from >= len(s.rqs) || to < 0 || to >= len(s.rqs) {
		return ErrNotQueued
	}
	if from == to {
		return nil
	}
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}
	s.rqs[lo].lock.Lock(nil)
	s.rqs[hi].lock.Lock(nil)

	if !s.rqs[from].removeLocked(t) {
		s.rqs[hi].lock.Unlock(nil)
		s.rqs[lo].lock.Unlock(nil)
		return ErrNotQueued
	}
	t.SetCPU(to)
	dst := s.rqs[to]
	if t.Policy == task.PolicyRT {
		dst.rt.enqueue(t)
	} else {
		if t.VRuntime() < dst.minVRuntime {
			t.SetVRuntime(dst.minVRuntime)
		}
		dst.cfs.enqueue(t)
	}

	s.rqs[hi].lock.Unlock(nil)
	s.rqs[lo].lock.Unlock(nil)
	s.cpus[to].WakeUp()
	return nil
}

// CPUStats is a point-in-time snapshot of one core's counters.
type CPUStats struct {
	Switches uint64
	Idles    uint64
	Ticks    uint64
	Yields   uint64
	Runnable int
}

// Stats snapshots every core.
func (s *Scheduler) Stats() []CPUStats {
	out := make([]CPUStats, len(s.rqs))
	for i, rq := range s.rqs {
		rq.lock.Lock(nil)
		out[i] = CPUStats{
			Switches: rq.switches.Load(),
			Idles:    rq.idles.Load(),
			Ticks:    rq.ticks.Load(),
			Yields:   rq.yields.Load(),
			Runnable: rq.runnableLocked(),
		}
		rq.lock.Unlock(nil)
	}
	return out
}

// IdleTask returns core i's idle task, the always-present fallback that
// is never enqueued and never picked while real work exists.
func (s *Scheduler) IdleTask(i int) *task.Task { return s.idle[i] }
