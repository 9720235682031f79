package kernel_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gokern-org/gokern/config"
	"github.com/gokern-org/gokern/internal/mm"
	"github.com/gokern-org/gokern/internal/task"
	"github.com/gokern-org/gokern/kernel"
	"github.com/gokern-org/gokern/klog"
	"github.com/gokern-org/gokern/kthread"
)

func TestMain(m *testing.M) {
	klog.Silence()
	os.Exit(m.Run())
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Cores = 2
	cfg.MaxThreads = 16
	cfg.StackSize = "256B"
	cfg.HeapSize = "64KiB"
	cfg.Tick = "1ms"
	cfg.LogLevel = "error"
	return cfg
}

func boot(t *testing.T, cfg config.Config) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Boot(cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

// inInit runs fn as the init task and waits for it.
func inInit(t *testing.T, k *kernel.Kernel, fn func(cur *task.Task)) {
	t.Helper()
	done := make(chan struct{})
	_, err := k.Spawn("init", func(cur *task.Task) int {
		defer close(done)
		fn(cur)
		return 0
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for init")
	}
}

func TestBootRunsTheClock(t *testing.T) {
	k := boot(t, testConfig())
	deadline := time.Now().Add(5 * time.Second)
	for k.Jiffies() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if k.Jiffies() == 0 {
		t.Fatal("the timer never advanced jiffies")
	}
	var ticks uint64
	for _, st := range k.Stats() {
		ticks += st.Ticks
	}
	if ticks == 0 {
		t.Error("no core ever saw a scheduler tick")
	}
}

func TestForkAndReapAll(t *testing.T) {
	k := boot(t, testConfig())
	inInit(t, k, func(cur *task.Task) {
		want := make(map[int]int)
		for i := 0; i < 3; i++ {
			child, err := k.Fork(cur, "child", func(c *task.Task) int {
				return 10 + c.ID%5
			})
			if err != nil {
				t.Errorf("Fork: %v", err)
				return
			}
			want[child.ID] = 10 + child.ID%5
		}
		for len(want) > 0 {
			id, code, err := k.Wait4(cur, -1)
			if err != nil {
				t.Errorf("Wait4: %v", err)
				return
			}
			if wantCode, ok := want[id]; !ok || wantCode != code {
				t.Errorf("reaped child %d with code %d, want %v", id, code, want)
				return
			}
			delete(want, id)
		}
		if _, _, err := k.Wait4(cur, -1); !errors.Is(err, kernel.ErrNoChild) {
			t.Errorf("Wait4 with nothing left returned %v, want ErrNoChild", err)
		}
	})
}

func TestWait4SpecificChild(t *testing.T) {
	k := boot(t, testConfig())
	inInit(t, k, func(cur *task.Task) {
		first, err := k.Fork(cur, "first", func(c *task.Task) int { return 1 })
		if err != nil {
			t.Errorf("Fork: %v", err)
			return
		}
		second, err := k.Fork(cur, "second", func(c *task.Task) int { return 2 })
		if err != nil {
			t.Errorf("Fork: %v", err)
			return
		}

		id, code, err := k.Wait4(cur, second.ID)
		if err != nil {
			t.Errorf("Wait4(second): %v", err)
			return
		}
		if id != second.ID || code != 2 {
			t.Errorf("Wait4(second) = (%d, %d), want (%d, 2)", id, code, second.ID)
		}
		id, code, err = k.Wait4(cur, -1)
		if err != nil {
			t.Errorf("Wait4(-1): %v", err)
			return
		}
		if id != first.ID || code != 1 {
			t.Errorf("Wait4(-1) = (%d, %d), want (%d, 1)", id, code, first.ID)
		}
	})
}

func TestWait4WithoutChildren(t *testing.T) {
	k := boot(t, testConfig())
	inInit(t, k, func(cur *task.Task) {
		if _, _, err := k.Wait4(cur, -1); !errors.Is(err, kernel.ErrNoChild) {
			t.Errorf("Wait4 = %v, want ErrNoChild", err)
		}
	})
}

func TestKernelThreads(t *testing.T) {
	k := boot(t, testConfig())
	inInit(t, k, func(cur *task.Task) {
		kt := k.KThreads()
		w, err := kt.CreateAndRun(cur, "unit", func(self *task.Task, data any) int {
			for !kthread.ShouldStop(self) {
				kt.Sleep(self)
			}
			return data.(int)
		}, 99)
		if err != nil {
			t.Errorf("CreateAndRun: %v", err)
			return
		}
		if got := kt.Stop(cur, w); got != 99 {
			t.Errorf("Stop returned %d, want 99", got)
		}
	})
}

func TestForkStackExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxThreads = 2 // kthreadd plus init
	k := boot(t, cfg)
	inInit(t, k, func(cur *task.Task) {
		_, err := k.Fork(cur, "doomed", func(c *task.Task) int { return 0 })
		if !errors.Is(err, mm.ErrOutOfMemory) {
			t.Errorf("Fork with a full arena returned %v, want ErrOutOfMemory", err)
		}
	})
}
