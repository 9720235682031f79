package task

const asserts = true

// Queue is a FIFO container of tasks, linked through the Next field.
// The zero value is an empty queue.
//
// Queues do no locking of their own: every queue in the kernel is guarded
// by the spinlock of the structure that embeds it, so adding another lock
// here would only hide missing serialization.
type Queue struct {
	head, tail *Task
}

// Push a task onto the queue.
func (q *Queue) Push(t *Task) {
	if asserts && t.Next != nil {
		panic("task: pushing a task to a queue with a non-nil Next pointer")
	}
	if q.tail != nil {
		q.tail.Next = t
	}
	q.tail = t
	t.Next = nil
	if q.head == nil {
		q.head = t
	}
}

// Pop a task off of the queue.
func (q *Queue) Pop() *Task {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.Next
	if q.tail == t {
		q.tail = nil
	}
	t.Next = nil
	return t
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() *Task {
	return q.head
}

// Remove unlinks an arbitrary task from the queue. It reports whether the
// task was found.
func (q *Queue) Remove(t *Task) bool {
	for p := &q.head; *p != nil; p = &(*p).Next {
		if *p != t {
			continue
		}
		*p = t.Next
		if q.tail == t {
			q.tail = nil
			for n := q.head; n != nil; n = n.Next {
				q.tail = n
			}
		}
		t.Next = nil
		return true
	}
	return false
}

// Empty checks if the queue is empty.
func (q *Queue) Empty() bool {
	return q.head == nil
}

// Len walks the queue and counts its members.
func (q *Queue) Len() int {
	n := 0
	for t := q.head; t != nil; t = t.Next {
		n++
	}
	return n
}

// Stack is a LIFO container of tasks.
// The zero value is an empty stack.
// This is slightly cheaper than a queue, so it can be preferable when
// strict ordering is not necessary.
type Stack struct {
	top *Task
}

// Push a task onto the stack.
func (s *Stack) Push(t *Task) {
	if asserts && t.Next != nil {
		panic("task: pushing a task to a stack with a non-nil Next pointer")
	}
	s.top, t.Next = t, s.top
}

// Pop a task off of the stack.
func (s *Stack) Pop() *Task {
	t := s.top
	if t != nil {
		s.top = t.Next
		t.Next = nil
	}
	return t
}

// Empty checks if the stack is empty.
func (s *Stack) Empty() bool {
	return s.top == nil
}
