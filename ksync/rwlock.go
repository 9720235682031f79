package ksync

import (
	"github.com/gokern-org/gokern/internal/task"
)

// RWLock is a readers-writer sleeping lock for kernel-internal sections
// that are read-mostly.
//
// The reader count lives in a futex word and can be in two states: a base
// of 0 means normal uncontended operation; a base of -rwMaxReaders means a
// writer holds or is trying to get the lock, and readers must wait until
// the count turns non-negative again to give the writer a chance.
type RWLock struct {
	readers Futex

	// Writer futex, normally 0. 1 while a writer waits for the last
	// reader to unlock; the last reader flips it to 2 and wakes.
	writer Futex

	// Writer lock, held between Lock and Unlock.
	writerLock Mutex
}

const rwMaxReaders = 1 << 30

// NewRWLock returns an unlocked readers-writer lock.
func NewRWLock() *RWLock {
	rw := &RWLock{}
	rw.writerLock.Init()
	return rw
}

// Lock locks rw for writing, blocking until every reader has unlocked.
func (rw *RWLock) Lock(cur *task.Task) {
	// Exclusive lock for writers.
	rw.writerLock.Lock(cur)

	// Flag that we need to be awakened after the last read-lock unlocks.
	rw.writer.Store(1)

	// Signal to readers that they can't lock this anymore.
	n := uint32(rwMaxReaders)
	waiting := rw.readers.Add(-n)
	if int32(waiting) == -rwMaxReaders {
		// All readers were already unlocked, so we don't need to wait
		// for them.
		rw.writer.Store(0)
		return
	}

	// There is at least one reader. Wait until all readers are unlocked.
	// The last reader to unlock will set rw.writer to 2 and awaken us.
	for rw.writer.Load() == 1 {
		rw.writer.Wait(cur, 1)
	}
	rw.writer.Store(0)
}

// Unlock unlocks rw for writing.
func (rw *RWLock) Unlock(cur *task.Task) {
	// Signal that new readers can lock this again.
	waiting := rw.readers.Add(rwMaxReaders)
	if waiting != 0 {
		// Awaken all waiting readers.
		rw.readers.WakeAll(cur)
	}

	// Done with this lock (next writer can try to get a lock).
	rw.writerLock.Unlock(cur)
}

// TryLock locks rw for writing only if no reader or writer holds it.
func (rw *RWLock) TryLock(cur *task.Task) bool {
	if !rw.writerLock.TryLock(cur) {
		return false
	}
	n := uint32(rwMaxReaders)
	if !rw.readers.CompareAndSwap(0, -n) {
		// Active readers, give up the write lock.
		rw.writerLock.Unlock(cur)
		return false
	}
	return true
}

// RLock locks rw for reading. It must not be used recursively: a blocked
// Lock call excludes new readers.
func (rw *RWLock) RLock(cur *task.Task) {
	// Add us as a reader.
	newVal := rw.readers.Add(1)

	// Wait until the lock is available for readers.
	for int32(newVal) <= 0 {
		rw.readers.Wait(cur, newVal)
		newVal = rw.readers.Load()
	}
}

// RUnlock undoes a single RLock call. RUnlock of an unlocked RWLock is a
// programming error and panics.
func (rw *RWLock) RUnlock(cur *task.Task) {
	// Remove us as a reader.
	one := uint32(1)
	readers := int32(rw.readers.Add(-one))

	// Check whether RUnlock was called too often.
	if readers == -1 || readers == (-rwMaxReaders)-1 {
		panic("ksync: RUnlock of unlocked RWLock")
	}

	if readers == -rwMaxReaders {
		// This was the last read lock. Check whether we need to wake up
		// a write lock.
		if rw.writer.CompareAndSwap(1, 2) {
			rw.writer.Wake(cur)
		}
	}
}

// TryRLock locks rw for reading only if no writer holds or wants the lock.
func (rw *RWLock) TryRLock() bool {
	for {
		c := int32(rw.readers.Load())
		if c < 0 {
			// There is a writer waiting or writing.
			return false
		}
		if rw.readers.CompareAndSwap(uint32(c), uint32(c+1)) {
			return true
		}
	}
}
