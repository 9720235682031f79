// Package softirq implements deferred execution: work raised from
// interrupt context and drained at a safe point after interrupt handling,
// outside hardware-interrupt context but below the scheduler (handlers
// must never suspend).
package softirq

import (
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/percpu"
	"github.com/gokern-org/gokern/ksync"
)

// MaxEntries is the size of the action table; ids are 0..MaxEntries-1.
const MaxEntries = 64

// ID names one softirq vector.
type ID uint

// Well-known vectors. The rest of the table is free for collaborators.
const (
	// Timer runs scheduler bookkeeping deferred from the tick interrupt.
	Timer ID = iota
	// Video and network style vectors would follow here in the full
	// system; the core only reserves Timer.
)

// Handler is a softirq action. It runs with interrupts enabled, at most
// once concurrently per id across all cores, and must not block or
// suspend.
type Handler func(data any)

type action struct {
	h    Handler
	data any
}

// Table is the softirq subsystem: a fixed action table plus the pending
// and running bitmasks. It is owned by the kernel instance and
// constructed once at boot; nothing here is ambient global state.
type Table struct {
	modifyLock ksync.Spinlock
	pending    atomic.Uint64
	running    atomic.Uint64
	actions    [MaxEntries]atomic.Pointer[action]
}

// NewTable returns an empty softirq table.
func NewTable() *Table {
	return &Table{}
}

func checkID(id ID) {
	if id >= MaxEntries {
		panic("softirq: vector id out of range")
	}
}

// Register installs the action for id. Registering over an installed
// action is an internal logic error and panics.
func (t *Table) Register(id ID, h Handler, data any) {
	checkID(id)
	if h == nil {
		panic("softirq: nil handler")
	}
	t.modifyLock.Lock(nil)
	defer t.modifyLock.Unlock(nil)
	if t.actions[id].Load() != nil {
		panic("softirq: vector already registered")
	}
	t.actions[id].Store(&action{h: h, data: data})
}

// Unregister removes the action for id and clears its pending bit.
func (t *Table) Unregister(id ID) {
	checkID(id)
	t.modifyLock.Lock(nil)
	defer t.modifyLock.Unlock(nil)
	t.actions[id].Store(nil)
	clearBit(&t.pending, id)
}

// Raise marks id pending. Callable from interrupt context; the handler
// itself only runs at the next Drain.
func (t *Table) Raise(id ID) {
	checkID(id)
	setBit(&t.pending, id)
}

// Pending reports whether id is raised and not yet run.
func (t *Table) Pending(id ID) bool {
	return t.pending.Load()&(1<<id) != 0
}

// Drain runs every pending, registered, not-already-running action once.
// Invoked at the end of interrupt handling on cpu. A given id executes on
// at most one core at a time; distinct ids run concurrently on distinct
// cores. Re-raises during execution schedule a fresh run.
func (t *Table) Drain(cpu *percpu.CPU) {
	mask := t.pending.Load()
	if mask == 0 {
		return
	}
	for id := ID(0); id < MaxEntries; id++ {
		if mask&(1<<id) == 0 {
			continue
		}
		act := t.actions[id].Load()
		if act == nil || t.running.Load()&(1<<id) != 0 {
			continue
		}
		if !t.modifyLock.TryLock(nil) {
			// Another core is dispatching; it will see the bit.
			continue
		}
		// Double-check under the lock: the id may have started running
		// (or been consumed) since the unlocked test.
		if t.running.Load()&(1<<id) != 0 || t.pending.Load()&(1<<id) == 0 {
			t.modifyLock.Unlock(nil)
			continue
		}
		clearBit(&t.pending, id)
		setBit(&t.running, id)
		t.modifyLock.Unlock(nil)

		// The hardware-interrupt frame is gone and interrupts are back on;
		// only the running bit keeps the id exclusive.
		if !cpu.IRQEnabled() {
			panic("softirq: drain with interrupts masked")
		}
		act.h(act.data)

		clearBit(&t.running, id)
	}
}

func setBit(w *atomic.Uint64, id ID) {
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old|1<<id) {
			return
		}
	}
}

func clearBit(w *atomic.Uint64, id ID) {
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old&^(1<<id)) {
			return
		}
	}
}
