// Command kernsim boots a kernel instance and runs a few workloads over
// it: mutex contention, a semaphore-paced pipeline, forked children
// reaped with wait4, and a deferred-work vector. It then dumps the
// per-core scheduler counters.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mattn/go-colorable"

	"github.com/gokern-org/gokern/config"
	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/kernel"
	"github.com/gokern-org/gokern/klog"
	"github.com/gokern-org/gokern/ksync"
	"github.com/gokern-org/gokern/softirq"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	k, err := kernel.Boot(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	done := make(chan int, 1)
	if _, err := k.Spawn("init", func(cur *task.Task) int {
		code := runDemos(k, cur)
		done <- code
		return code
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := <-done

	out := colorable.NewColorableStdout()
	fmt.Fprintf(out, "\n\x1b[1mscheduler counters after %d jiffies\x1b[0m\n", k.Jiffies())
	for i, st := range k.Stats() {
		fmt.Fprintf(out, "  \x1b[36mcpu%d\x1b[0m  switches=%-6d idles=%-6d ticks=%-6d yields=%-6d runnable=%d\n",
			i, st.Switches, st.Idles, st.Ticks, st.Yields, st.Runnable)
	}

	k.Shutdown()
	os.Exit(code)
}

// runDemos executes the workloads from init's context. Returns 0 on
// success, 1 when any invariant is off.
func runDemos(k *kernel.Kernel, cur *task.Task) int {
	ok := true
	if !mutexDemo(k, cur) {
		ok = false
	}
	if !pipelineDemo(k, cur) {
		ok = false
	}
	if !forkDemo(k, cur) {
		ok = false
	}
	softirqDemo(k, cur)
	if !ok {
		return 1
	}
	return 0
}

// mutexDemo has three kernel threads hammer one counter under a sleeping
// lock.
func mutexDemo(k *kernel.Kernel, cur *task.Task) bool {
	const workers, iters = 3, 1000
	kt := k.KThreads()
	s := k.Scheduler()
	mu := ksync.NewMutex()
	counter := 0

	var ts []*task.Task
	for i := 0; i < workers; i++ {
		t, err := kt.CreateAndRun(cur, fmt.Sprintf("mutex-%d", i), func(self *task.Task, _ any) int {
			for n := 0; n < iters; n++ {
				mu.Lock(self)
				counter++
				mu.Unlock(self)
				s.CondResched(self)
			}
			return 0
		}, nil)
		if err != nil {
			klog.Errorf("mutex demo: %v", err)
			return false
		}
		ts = append(ts, t)
	}
	for _, t := range ts {
		kt.Stop(cur, t)
	}
	klog.Infof("mutex demo: counter=%d, want %d", counter, workers*iters)
	return counter == workers*iters
}

// pipelineDemo pushes items through a bounded ring paced by a pair of
// semaphores.
func pipelineDemo(k *kernel.Kernel, cur *task.Task) bool {
	const total, depth = 200, 8
	kt := k.KThreads()

	items := ksync.NewSemaphore(0)
	space := ksync.NewSemaphore(depth)
	mu := ksync.NewMutex()
	var ring [depth]int
	head, tail := 0, 0
	sum := 0

	producer, err := kt.CreateAndRun(cur, "producer", func(self *task.Task, _ any) int {
		for i := 1; i <= total; i++ {
			space.Down(self)
			mu.Lock(self)
			ring[head%depth] = i
			head++
			mu.Unlock(self)
			items.Up(self)
		}
		return 0
	}, nil)
	if err != nil {
		klog.Errorf("pipeline demo: %v", err)
		return false
	}
	consumer, err := kt.CreateAndRun(cur, "consumer", func(self *task.Task, _ any) int {
		for i := 0; i < total; i++ {
			items.Down(self)
			mu.Lock(self)
			sum += ring[tail%depth]
			tail++
			mu.Unlock(self)
			space.Up(self)
		}
		return sum
	}, nil)
	if err != nil {
		klog.Errorf("pipeline demo: %v", err)
		kt.Stop(cur, producer)
		return false
	}

	kt.Stop(cur, producer)
	got := kt.Stop(cur, consumer)
	want := total * (total + 1) / 2
	klog.Infof("pipeline demo: sum=%d, want %d", got, want)
	return got == want
}

// forkDemo forks children and reaps every one of them with wait4.
func forkDemo(k *kernel.Kernel, cur *task.Task) bool {
	const kids = 4
	want := make(map[int]int)
	for i := 0; i < kids; i++ {
		t, err := k.Fork(cur, fmt.Sprintf("child-%d", i), func(c *task.Task) int {
			return 40 + c.ID%10
		})
		if err != nil {
			klog.Errorf("fork demo: %v", err)
			return false
		}
		want[t.ID] = 40 + t.ID%10
	}
	for {
		id, code, err := k.Wait4(cur, -1)
		if err == kernel.ErrNoChild {
			break
		}
		if err != nil {
			klog.Errorf("fork demo: wait4: %v", err)
			return false
		}
		if want[id] != code {
			klog.Errorf("fork demo: child %d exited %d, want %d", id, code, want[id])
			return false
		}
		delete(want, id)
	}
	klog.Infof("fork demo: reaped %d children", kids)
	return len(want) == 0
}

// softirqDemo registers a scratch vector and shows that raises coalesce
// until the next drain.
func softirqDemo(k *kernel.Kernel, cur *task.Task) {
	var runs atomic.Uint64
	const vec = softirq.Timer + 1
	k.Softirqs().Register(vec, func(any) { runs.Add(1) }, nil)
	for i := 0; i < 5; i++ {
		k.Softirqs().Raise(vec)
	}
	// The timer loop drains; give it a few quanta.
	for i := 0; i < 50 && runs.Load() == 0; i++ {
		k.Scheduler().Yield(cur)
	}
	klog.Infof("softirq demo: 5 raises, %d run(s)", runs.Load())
	k.Softirqs().Unregister(vec)
}
