package memory

import (
	"sync"

	"github.com/pkg/errors"
)

// HeapAllocator allocates blocks on the go heap.
// freed blocks are kept in free lists per size and reused by later allocations.
type HeapAllocator struct {
	mu sync.Mutex
	// blocks is indexed with handle-1. freed block is kept here for reuse
	blocks [][]byte
	// allocated indicates whether the block is currently allocated
	allocated []bool
	// freeList is free handles per block size
	freeList map[int][]Handle
	stats    Stats
}

// NewHeapAllocator initializes heap allocator
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{
		freeList: make(map[int][]Handle),
	}
}

// Allocate allocates zero-filled block of size bytes
func (a *HeapAllocator) Allocate(size int) (Handle, error) {
	if size <= 0 {
		return InvalidHandle, errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var h Handle
	if free := a.freeList[size]; len(free) > 0 {
		// reuse freed block. it has to be zero-filled again
		h = free[len(free)-1]
		a.freeList[size] = free[:len(free)-1]
		clear(a.blocks[h-1])
		a.allocated[h-1] = true
	} else {
		a.blocks = append(a.blocks, make([]byte, size))
		a.allocated = append(a.allocated, true)
		h = Handle(len(a.blocks))
	}
	a.stats.Allocations++
	a.stats.Live++
	a.stats.Peak = max(a.stats.Peak, a.stats.Live)
	return h, nil
}

// Get returns the first length bytes of the block
func (a *HeapAllocator) Get(h Handle, length int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isAllocated(h) {
		invalidHandlePanic(h)
	}
	return a.blocks[h-1][:length]
}

// Free returns the block to the free list
func (a *HeapAllocator) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isAllocated(h) {
		invalidHandlePanic(h)
	}
	a.allocated[h-1] = false
	size := len(a.blocks[h-1])
	a.freeList[size] = append(a.freeList[size], h)
	a.stats.Frees++
	a.stats.Live--
}

// Stats returns the statistics
func (a *HeapAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// isAllocated checks handle. the caller must hold mu
func (a *HeapAllocator) isAllocated(h Handle) bool {
	return h != InvalidHandle && int(h) <= len(a.blocks) && a.allocated[h-1]
}
