//go:build unix

package memory

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// defaultBlocksPerChunk is the number of blocks mapped at once
	defaultBlocksPerChunk = 256

	// freeListInvalidID indicates the end of the free list
	freeListInvalidID = -1
)

// MmapAllocator allocates fixed-size blocks from anonymous memory mappings.
// the memory is outside of the go heap so the garbage collector never scans or moves it.
// chunks are mapped lazily and are unmapped only by Close.
type MmapAllocator struct {
	mu             sync.Mutex
	blockSize      int
	blocksPerChunk int
	chunks         [][]byte
	// nextFree links free blocks (index = handle-1). the head is freeList.
	// this is the same free list structure as buffer descriptors in postgres
	nextFree  []int
	allocated []bool
	freeList  int
	stats     Stats
}

// NewMmapAllocator initializes allocator which hands out blocks of blockSize bytes
func NewMmapAllocator(blockSize, blocksPerChunk int) (*MmapAllocator, error) {
	if blockSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "block size %d", blockSize)
	}
	if blocksPerChunk <= 0 {
		blocksPerChunk = defaultBlocksPerChunk
	}
	return &MmapAllocator{
		blockSize:      blockSize,
		blocksPerChunk: blocksPerChunk,
		freeList:       freeListInvalidID,
	}, nil
}

// Allocate returns zero-filled block. size must not exceed the block size
func (a *MmapAllocator) Allocate(size int) (Handle, error) {
	if size <= 0 {
		return InvalidHandle, errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	if size > a.blockSize {
		return InvalidHandle, errors.Wrapf(ErrBlockTooLarge, "size %d, block size %d", size, a.blockSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeList == freeListInvalidID {
		if err := a.mapChunk(); err != nil {
			return InvalidHandle, errors.Wrap(err, "mapChunk failed")
		}
	}
	id := a.freeList
	a.freeList = a.nextFree[id]
	a.nextFree[id] = freeListInvalidID
	a.allocated[id] = true

	// freed block may hold old content. fresh mapping is already zero-filled but clear anyway
	clear(a.block(id))
	a.stats.Allocations++
	a.stats.Live++
	a.stats.Peak = max(a.stats.Peak, a.stats.Live)
	return Handle(id + 1), nil
}

// Get returns the first length bytes of the block
func (a *MmapAllocator) Get(h Handle, length int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isAllocated(h) {
		invalidHandlePanic(h)
	}
	return a.block(int(h - 1))[:length]
}

// Free pushes the block to the head of free list
func (a *MmapAllocator) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isAllocated(h) {
		invalidHandlePanic(h)
	}
	id := int(h - 1)
	a.allocated[id] = false
	a.nextFree[id] = a.freeList
	a.freeList = id
	a.stats.Frees++
	a.stats.Live--
}

// Stats returns the statistics
func (a *MmapAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close unmaps all chunks. any handle becomes invalid
func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, chunk := range a.chunks {
		if err := unix.Munmap(chunk); err != nil {
			return errors.Wrap(err, "unix.Munmap failed")
		}
	}
	a.chunks = nil
	a.nextFree = nil
	a.allocated = nil
	a.freeList = freeListInvalidID
	a.stats.Live = 0
	return nil
}

// mapChunk maps new chunk and links its blocks into free list. the caller must hold mu
func (a *MmapAllocator) mapChunk() error {
	chunk, err := unix.Mmap(-1, 0, a.blockSize*a.blocksPerChunk,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "unix.Mmap failed")
	}
	first := len(a.nextFree)
	a.chunks = append(a.chunks, chunk)
	for i := 0; i < a.blocksPerChunk; i++ {
		a.nextFree = append(a.nextFree, first+i+1)
		a.allocated = append(a.allocated, false)
	}
	a.nextFree[len(a.nextFree)-1] = a.freeList
	a.freeList = first
	return nil
}

// block returns the whole block of id. the caller must hold mu
func (a *MmapAllocator) block(id int) []byte {
	chunk := a.chunks[id/a.blocksPerChunk]
	off := (id % a.blocksPerChunk) * a.blockSize
	return chunk[off : off+a.blockSize : off+a.blockSize]
}

// isAllocated checks handle. the caller must hold mu
func (a *MmapAllocator) isAllocated(h Handle) bool {
	return h != InvalidHandle && int(h) <= len(a.allocated) && a.allocated[h-1]
}
