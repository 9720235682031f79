package task_test

import (
	"testing"

	"github.com/gokern-org/gokern/internal/task"
)

func TestNewTask(t *testing.T) {
	tk := task.New("worker", nil, nil)
	if tk.State() != task.Stopped {
		t.Errorf("fresh task state is %v, want stopped", tk.State())
	}
	if tk.Where() != task.LocDetached {
		t.Errorf("fresh task location is %v, want detached", tk.Where())
	}
	if tk.CPU() != -1 {
		t.Errorf("fresh task cpu is %d, want -1", tk.CPU())
	}
	if tk.ID == 0 {
		t.Error("task did not get an ID")
	}
}

func TestNameTruncation(t *testing.T) {
	tk := task.New("a-very-long-task-name-indeed", nil, nil)
	if len(tk.Name) != task.NameLen {
		t.Errorf("name %q has length %d, want %d", tk.Name, len(tk.Name), task.NameLen)
	}
}

func TestBlockedMask(t *testing.T) {
	if task.Interruptible&task.Blocked == 0 {
		t.Error("interruptible does not match the blocked mask")
	}
	if task.Uninterruptible&task.Blocked == 0 {
		t.Error("uninterruptible does not match the blocked mask")
	}
	if task.Running&task.Blocked != 0 {
		t.Error("running matches the blocked mask")
	}
	if task.Zombie&task.Blocked != 0 {
		t.Error("zombie matches the blocked mask")
	}
}

func TestFlags(t *testing.T) {
	tk := task.New("f", nil, nil)
	tk.SetFlag(task.FlagKThread | task.FlagNoFreeze)
	if !tk.TestFlag(task.FlagKThread) || !tk.TestFlag(task.FlagNoFreeze) {
		t.Fatalf("flags not set, got %b", tk.Flags())
	}
	tk.ClearFlag(task.FlagNoFreeze)
	if tk.TestFlag(task.FlagNoFreeze) {
		t.Error("FlagNoFreeze still set after clear")
	}
	if !tk.TestFlag(task.FlagKThread) {
		t.Error("clear took FlagKThread with it")
	}
}

func TestCasState(t *testing.T) {
	tk := task.New("c", nil, nil)
	if tk.CasState(task.Running, task.Zombie) {
		t.Error("CasState succeeded from the wrong old state")
	}
	if !tk.CasState(task.Stopped, task.Running) {
		t.Error("CasState failed from the right old state")
	}
	if tk.State() != task.Running {
		t.Errorf("state is %v after CAS, want running", tk.State())
	}
}

func TestMoveToWrongLocationPanics(t *testing.T) {
	tk := task.New("m", nil, nil)
	defer func() {
		if recover() == nil {
			t.Error("moving a detached task out of a run queue did not panic")
		}
	}()
	tk.MoveTo(task.LocRunQueue, task.LocExecuting)
}

func TestPreemptCount(t *testing.T) {
	tk := task.New("p", nil, nil)
	tk.PreemptDisable()
	tk.PreemptDisable()
	tk.PreemptEnable()
	if tk.PreemptCount() != 1 {
		t.Errorf("preempt count is %d, want 1", tk.PreemptCount())
	}
	tk.PreemptEnable()

	defer func() {
		if recover() == nil {
			t.Error("preempt count underflow did not panic")
		}
	}()
	tk.PreemptEnable()
}

func TestSlice(t *testing.T) {
	tk := task.New("s", nil, nil)
	tk.SetSlice(2)
	if tk.TickSlice() {
		t.Error("slice expired after one of two ticks")
	}
	if !tk.TickSlice() {
		t.Error("slice did not expire after two ticks")
	}
}

func TestVRuntime(t *testing.T) {
	tk := task.New("v", nil, nil)
	tk.SetVRuntime(100)
	if got := tk.AddVRuntime(28); got != 128 {
		t.Errorf("AddVRuntime returned %d, want 128", got)
	}
	if tk.VRuntime() != 128 {
		t.Errorf("VRuntime is %d, want 128", tk.VRuntime())
	}
}
