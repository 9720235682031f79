// Package percpu models per-core identity: which task a core is running,
// and the core's virtual local-interrupt state.
//
// On real hardware the current control block is found by masking the
// stack pointer down to the stack block's alignment. Here each core
// carries an explicit current-task slot instead, written only at
// context-switch time, which keeps the O(1) lookup while decoupling
// control blocks from their stacks.
package percpu

import (
	"sync/atomic"

	"github.com/gokern-org/gokern/internal/task"
)

// IRQState is the saved interrupt-enable state returned by DisableIRQ and
// consumed by RestoreIRQ.
type IRQState int32

// CPU is one virtual core.
type CPU struct {
	id      int
	current atomic.Pointer[task.Task]

	// irqDepth > 0 means local interrupt delivery is masked. Nesting
	// counts so that spinlock irqsave sections compose.
	irqDepth atomic.Int32

	// irqNest > 0 means the core is executing an interrupt handler.
	irqNest atomic.Int32

	// Wake kicks the core loop out of its idle wait. Capacity 1: wakeups
	// coalesce, they never queue.
	Wake chan struct{}
}

// New returns a core with interrupts enabled and no current task.
func New(id int) *CPU {
	return &CPU{id: id, Wake: make(chan struct{}, 1)}
}

// ID returns the core number.
func (c *CPU) ID() int { return c.id }

// Current returns the task executing on this core, or nil. Safe from any
// context, including interrupt handlers.
func (c *CPU) Current() *task.Task { return c.current.Load() }

// SetCurrent records the task about to execute on this core.
func (c *CPU) SetCurrent(t *task.Task) { c.current.Store(t) }

// DisableIRQ masks local interrupt delivery and returns the state to pass
// to RestoreIRQ. Calls nest.
func (c *CPU) DisableIRQ() IRQState {
	return IRQState(c.irqDepth.Add(1) - 1)
}

// RestoreIRQ undoes a matching DisableIRQ.
func (c *CPU) RestoreIRQ(s IRQState) {
	if c.irqDepth.Add(-1) != int32(s) {
		panic("percpu: unbalanced interrupt disable/restore")
	}
}

// IRQEnabled reports whether local interrupt delivery is unmasked.
func (c *CPU) IRQEnabled() bool { return c.irqDepth.Load() == 0 }

// EnterIRQ marks the core as executing an interrupt handler.
func (c *CPU) EnterIRQ() { c.irqNest.Add(1) }

// ExitIRQ marks the end of an interrupt handler.
func (c *CPU) ExitIRQ() {
	if c.irqNest.Add(-1) < 0 {
		panic("percpu: ExitIRQ without EnterIRQ")
	}
}

// InIRQ reports whether the core is in interrupt context. Blocking is
// forbidden there.
func (c *CPU) InIRQ() bool { return c.irqNest.Load() > 0 }

// WakeUp kicks the core loop if it is waiting for work. No-op if a wakeup
// is already pending.
func (c *CPU) WakeUp() {
	select {
	case c.Wake <- struct{}{}:
	default:
	}
}
