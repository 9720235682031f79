// Package mm provides the scheduling core's view of memory management:
// an allocator contract plus a fixed arena for task stack blocks.
//
// The real memory manager is a collaborator outside this core. All the
// core requires of it is "give me a zeroed block of N bytes or tell me you
// are out of memory", so that is the whole interface.
package mm

import (
	"errors"
	"sync"
)

// ErrOutOfMemory is returned when an allocation cannot be satisfied.
var ErrOutOfMemory = errors.New("mm: out of memory")

// Allocator hands out zeroed blocks.
type Allocator interface {
	// Alloc returns a zeroed block of n bytes or ErrOutOfMemory.
	Alloc(n int) ([]byte, error)
	// Free returns a block to the allocator. Freeing a block twice is a
	// programming error.
	Free(b []byte)
}

// Heap is a budget-limited allocator backed by the host heap. It models
// the kernel general-purpose allocator closely enough for this core: a
// finite capacity and zeroed blocks.
type Heap struct {
	mu       sync.Mutex
	capacity int
	used     int
}

// NewHeap returns a heap that will hand out at most capacity bytes at a
// time.
func NewHeap(capacity int) *Heap {
	return &Heap{capacity: capacity}
}

// Alloc returns a zeroed block of n bytes or ErrOutOfMemory.
func (h *Heap) Alloc(n int) ([]byte, error) {
	if n < 0 {
		panic("mm: negative allocation")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used+n > h.capacity {
		return nil, ErrOutOfMemory
	}
	h.used += n
	return make([]byte, n), nil
}

// Free returns a block's bytes to the budget.
func (h *Heap) Free(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.used -= len(b)
	if h.used < 0 {
		panic("mm: free of more bytes than allocated")
	}
}

// Used returns the number of bytes currently handed out.
func (h *Heap) Used() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// StackArena is a pool of equal-size stack blocks. Control blocks and
// stacks are managed independently here; the arena only guarantees that a
// recycled block comes back zeroed, like a fresh one.
type StackArena struct {
	mu        sync.Mutex
	blockSize int
	limit     int
	allocated int
	free      [][]byte
}

// NewStackArena returns an arena of at most count blocks of blockSize
// bytes each.
func NewStackArena(blockSize, count int) *StackArena {
	return &StackArena{blockSize: blockSize, limit: count}
}

// BlockSize returns the size of every block in the arena.
func (a *StackArena) BlockSize() int { return a.blockSize }

// Alloc returns a zeroed stack block or ErrOutOfMemory.
func (a *StackArena) Alloc() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		b := a.free[n-1]
		a.free = a.free[:n-1]
		for i := range b {
			b[i] = 0
		}
		return b, nil
	}
	if a.allocated >= a.limit {
		return nil, ErrOutOfMemory
	}
	a.allocated++
	return make([]byte, a.blockSize), nil
}

// Free returns a stack block to the arena.
func (a *StackArena) Free(b []byte) {
	if len(b) != a.blockSize {
		panic("mm: freeing a block of the wrong size")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, b)
}

// InUse returns the number of blocks currently handed out.
func (a *StackArena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated - len(a.free)
}
