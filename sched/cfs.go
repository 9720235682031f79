package sched

import (
	"sort"

	"github.com/gokern-org/gokern/internal/task"
)

// vruntimeGranule is the virtual-runtime cost of one tick at the highest
// normal priority. Lower-priority tasks are charged proportionally more,
// so equal wall time pushes them further right in the queue.
const vruntimeGranule = 64

// vruntimeDelta is the virtual runtime charged to t for one tick.
func vruntimeDelta(t *task.Task) uint64 {
	return uint64(t.Priority+1) * vruntimeGranule
}

// cfsQueue is the per-core run queue of the virtual-runtime policy: tasks
// ordered by ascending vruntime, FIFO among equal keys. Guarded by the
// owning runQueue's lock.
type cfsQueue struct {
	tasks []*task.Task
}

func (q *cfsQueue) enqueue(t *task.Task) {
	key := t.VRuntime()
	// Insertion point after all entries with the same key keeps equal
	// keys in arrival order.
	i := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].VRuntime() > key
	})
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
}

// pick removes and returns the minimum-vruntime task, or nil.
func (q *cfsQueue) pick() *task.Task {
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	copy(q.tasks, q.tasks[1:])
	q.tasks[len(q.tasks)-1] = nil
	q.tasks = q.tasks[:len(q.tasks)-1]
	return t
}

func (q *cfsQueue) remove(t *task.Task) bool {
	for i, c := range q.tasks {
		if c != t {
			continue
		}
		copy(q.tasks[i:], q.tasks[i+1:])
		q.tasks[len(q.tasks)-1] = nil
		q.tasks = q.tasks[:len(q.tasks)-1]
		return true
	}
	return false
}

func (q *cfsQueue) len() int { return len(q.tasks) }
