// Package kernel assembles the subsystems into one bootable instance: the
// allocators, the scheduler, the softirq table, the kernel-thread
// machinery, the timer interrupt, and the process-lifecycle calls built
// on top of them.
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gokern-org/gokern/config"
	"github.com/gokern-org/gokern/internal/mm"
	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/klog"
	"github.com/gokern-org/gokern/ksync"
	"github.com/gokern-org/gokern/kthread"
	"github.com/gokern-org/gokern/sched"
	"github.com/gokern-org/gokern/softirq"
)

// ErrNoChild is returned by Wait4 when the caller has no children left to
// wait for.
var ErrNoChild = errors.New("kernel: no child processes")

// Kernel is one booted instance. Everything hangs off it; there are no
// package-level singletons to reset between tests.
type Kernel struct {
	cfg config.Config

	heap   *mm.Heap
	stacks *mm.StackArena

	sched    *sched.Scheduler
	softirqs *softirq.Table
	kthreads *kthread.Manager

	// jiffies counts timer-softirq runs since boot.
	jiffies atomic.Uint64

	// reapLock guards zombies and children; reapWait holds parents
	// sleeping in Wait4.
	reapLock ksync.Spinlock
	zombies  []*task.Task
	children map[int]int // parent task ID -> live forked children
	reapWait ksync.WaitQueue

	timerStop chan struct{}
	timerWG   sync.WaitGroup
}

// Boot builds and starts a kernel from the configuration: allocators,
// scheduler, softirq table with the timer vector installed, kthreadd, and
// the timer interrupt.
func Boot(cfg config.Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.LogLevel {
	case "debug":
		klog.SetLevel(klog.LevelDebug)
	case "warn":
		klog.SetLevel(klog.LevelWarn)
	case "error":
		klog.SetLevel(klog.LevelError)
	}
	stackBytes, _ := cfg.StackBytes()
	heapBytes, _ := cfg.HeapBytes()
	period, _ := cfg.TickPeriod()

	k := &Kernel{
		cfg:       cfg,
		heap:      mm.NewHeap(heapBytes),
		stacks:    mm.NewStackArena(stackBytes, cfg.MaxThreads),
		softirqs:  softirq.NewTable(),
		children:  make(map[int]int),
		timerStop: make(chan struct{}),
	}
	k.sched = sched.New(sched.Config{
		Cores:      cfg.Cores,
		SliceTicks: cfg.TimeSlice,
		RTBands:    cfg.RTBands,
	})
	k.sched.OnExit = k.exited
	k.kthreads = kthread.NewManager(k.stacks)

	k.softirqs.Register(softirq.Timer, k.timerSoftirq, nil)

	if err := k.kthreads.Start(); err != nil {
		return nil, err
	}
	k.sched.Start()

	k.timerWG.Add(1)
	go k.timerLoop(period)

	klog.Infof("kernel: booted, %d cores, tick %s, %d thread slots",
		cfg.Cores, period, cfg.MaxThreads)
	return k, nil
}

// Scheduler returns the scheduler instance.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Softirqs returns the softirq table.
func (k *Kernel) Softirqs() *softirq.Table { return k.softirqs }

// KThreads returns the kernel-thread manager.
func (k *Kernel) KThreads() *kthread.Manager { return k.kthreads }

// Heap returns the general allocator.
func (k *Kernel) Heap() *mm.Heap { return k.heap }

// Jiffies returns the number of timer softirq runs since boot.
func (k *Kernel) Jiffies() uint64 { return k.jiffies.Load() }

// timerLoop is the virtual timer interrupt: every period it ticks the
// scheduling clock of each core in interrupt context, raises the timer
// softirq, and drains.
func (k *Kernel) timerLoop(period time.Duration) {
	defer k.timerWG.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-k.timerStop:
			return
		case <-ticker.C:
		}
		k.softirqs.Raise(softirq.Timer)
		for i := 0; i < k.sched.NumCPU(); i++ {
			cpu := k.sched.CPU(i)
			cpu.EnterIRQ()
			k.sched.Tick(i)
			cpu.ExitIRQ()
			k.softirqs.Drain(cpu)
		}
	}
}

func (k *Kernel) timerSoftirq(any) {
	k.jiffies.Add(1)
}

// Spawn creates and activates a task from bootstrap context (no current
// task). The first spawned task conventionally plays the role of init.
func (k *Kernel) Spawn(name string, fn func(*task.Task) int) (*task.Task, error) {
	return k.fork(nil, name, fn)
}

// Fork creates a child of cur running fn and makes it runnable. The child
// is reaped by Wait4 on the parent.
func (k *Kernel) Fork(cur *task.Task, name string, fn func(*task.Task) int) (*task.Task, error) {
	if cur == nil {
		panic("kernel: Fork without a current task")
	}
	return k.fork(cur, name, fn)
}

func (k *Kernel) fork(parent *task.Task, name string, fn func(*task.Task) int) (*task.Task, error) {
	stack, err := k.stacks.Alloc()
	if err != nil {
		return nil, fmt.Errorf("kernel: forking %s: %w", name, err)
	}
	t := task.New(name, fn, stack)
	t.Parent = parent
	if parent != nil {
		k.reapLock.Lock(parent)
		k.children[parent.ID]++
		k.reapLock.Unlock(parent)
	}
	task.Activate(t)
	return t, nil
}

// Exit terminates the calling task. It never returns.
func (k *Kernel) Exit(cur *task.Task, code int) {
	cur.Exit(code)
}

// Wait4 blocks until a child of cur exits and reaps it, returning the
// child's ID and exit code. pid selects one child, or any child when
// negative. ErrNoChild is returned when nothing is left to wait for.
func (k *Kernel) Wait4(cur *task.Task, pid int) (int, int, error) {
	for {
		k.reapLock.Lock(cur)
		if z := k.takeZombieLocked(cur, pid); z != nil {
			k.children[cur.ID]--
			if k.children[cur.ID] == 0 {
				delete(k.children, cur.ID)
			}
			k.reapLock.Unlock(cur)
			if stack := z.KernelStack(); stack != nil {
				k.stacks.Free(stack)
			}
			return z.ID, z.ExitCode, nil
		}
		if k.children[cur.ID] == 0 {
			k.reapLock.Unlock(cur)
			return 0, 0, ErrNoChild
		}
		// Enqueue on the reap list's wait queue before dropping the lock,
		// so a child exiting in between still finds us there.
		k.reapWait.SleepOnUnlock(cur, func() { k.reapLock.Unlock(cur) })
	}
}

// takeZombieLocked removes and returns a matching zombie child of cur, or
// nil. Caller holds reapLock.
func (k *Kernel) takeZombieLocked(cur *task.Task, pid int) *task.Task {
	for i, z := range k.zombies {
		if z.Parent != cur {
			continue
		}
		if pid >= 0 && z.ID != pid {
			continue
		}
		k.zombies = append(k.zombies[:i], k.zombies[i+1:]...)
		return z
	}
	return nil
}

// exited runs on a core loop whenever a task finishes. Kernel threads are
// joined through kthread.Stop, so their stacks go straight back to the
// arena; forked tasks become reapable zombies and their parent is woken.
func (k *Kernel) exited(t *task.Task) {
	if t.TestFlag(task.FlagKThread) {
		k.kthreads.Release(t)
		return
	}
	if t.Parent == nil {
		// Nobody will wait for a bootstrap task; reclaim it here.
		if stack := t.KernelStack(); stack != nil {
			k.stacks.Free(stack)
		}
		return
	}
	// Core-loop context: there is no current task to charge for the locks.
	k.reapLock.Lock(nil)
	k.zombies = append(k.zombies, t)
	k.reapLock.Unlock(nil)
	// Every sleeping parent rechecks; only t's parent finds it.
	k.reapWait.WakeupAll(nil, task.Blocked)
}

// Stats returns the per-core scheduler counters.
func (k *Kernel) Stats() []sched.CPUStats { return k.sched.Stats() }

// Shutdown stops the timer and parks the core loops. Kernel threads
// should be stopped from task context first; tasks still blocked on wait
// lists stay parked and are discarded with the instance.
func (k *Kernel) Shutdown() {
	close(k.timerStop)
	k.timerWG.Wait()
	k.sched.Stop()
	klog.Infof("kernel: shut down after %d jiffies", k.Jiffies())
}
