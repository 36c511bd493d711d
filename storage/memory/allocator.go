/*
Package memory provides the direct-memory allocator used by the buffer pool.

The buffer pool never keeps page content in garbage collected structures owned by the policy.
Instead, it asks the allocator for a block, receives an opaque Handle and frees the handle explicitly
when the page is evicted. The handle is reusable after Free.

Two implementations are provided:
- HeapAllocator: blocks are Go byte slices recycled through per-size free lists. this is used in tests.
- MmapAllocator: blocks are carved from anonymous mmap'ed chunks outside of the Go heap (unix only).
*/
package memory

import (
	"github.com/pkg/errors"
)

// Handle is opaque identifier of allocated memory block
type Handle uint64

// InvalidHandle is never returned by Allocate
const InvalidHandle Handle = 0

var (
	// ErrBlockTooLarge is returned when the requested size exceeds the block size of allocator
	ErrBlockTooLarge = errors.New("requested size exceeds block size")
	// ErrInvalidSize is returned when the requested size is not positive
	ErrInvalidSize = errors.New("invalid allocation size")
)

// Allocator allocates fixed-size opaque memory blocks
type Allocator interface {
	// Allocate allocates zero-filled memory block which holds at least size bytes
	Allocate(size int) (Handle, error)
	// Get returns the first length bytes of the block.
	// the returned slice is valid until the handle is freed.
	Get(h Handle, length int) []byte
	// Free releases the block. the handle must not be used afterward.
	Free(h Handle)
}

// Stats is the statistics of allocator
type Stats struct {
	// Allocations is the number of Allocate calls which succeeded
	Allocations uint64
	// Frees is the number of Free calls
	Frees uint64
	// Live is the number of blocks currently allocated
	Live int
	// Peak is the max of Live so far
	Peak int
}

// invalidHandlePanic is called when the handle is not allocated.
// this is caller misuse so it panics
func invalidHandlePanic(h Handle) {
	panic(errors.Errorf("memory handle %d is not allocated", h))
}
