package sched

import (
	"github.com/gokern-org/gokern/internal/task"
)

// rtQueue is the per-core fixed-priority run queue: an array of FIFO
// queues indexed by priority band, band 0 being the highest priority.
// Round robin within a band falls out of enqueueing an expired task at the
// tail of its own band. Guarded by the owning runQueue's lock.
type rtQueue struct {
	bands []task.Queue
	count int
}

func newRTQueue(bands int) rtQueue {
	return rtQueue{bands: make([]task.Queue, bands)}
}

func (q *rtQueue) band(t *task.Task) int {
	b := t.Priority
	if b < 0 {
		b = 0
	}
	if b >= len(q.bands) {
		b = len(q.bands) - 1
	}
	return b
}

func (q *rtQueue) enqueue(t *task.Task) {
	q.bands[q.band(t)].Push(t)
	q.count++
}

// pick removes and returns the head of the first non-empty band, scanning
// from the highest priority down.
func (q *rtQueue) pick() *task.Task {
	if q.count == 0 {
		return nil
	}
	for i := range q.bands {
		if t := q.bands[i].Pop(); t != nil {
			q.count--
			return t
		}
	}
	return nil
}

func (q *rtQueue) remove(t *task.Task) bool {
	if q.bands[q.band(t)].Remove(t) {
		q.count--
		return true
	}
	return false
}

func (q *rtQueue) len() int { return q.count }
