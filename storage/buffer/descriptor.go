/*
Buffer descriptor stores metadata about each cached page.

A descriptor is owned by exactly one container at any instant:
one of the page tables of the active policy, or the parked buffer of deferred LRU.
The ghost entries of ARC are descriptors whose memory has been freed (handle is invalid).

About state field:
State is uint32 and consists of flags which indicates page state.
The flags are updated with atomic operations so that they can be read without the bookkeeping lock
(ex: tests and statistics), although policies only modify them while holding the bookkeeping lock.

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L199-L227
*/
package buffer

import (
	"sync/atomic"

	"github.com/HayatoShiba/pagecache/storage/memory"
	"github.com/HayatoShiba/pagecache/storage/page"
)

// descriptor is buffer descriptor of cached page
type descriptor struct {
	// key is page key. it never changes
	key page.Key
	// handle is the memory block holding page content. invalid for ghost entry
	handle memory.Handle
	// state field. see the comment at the head of this file
	state uint32
}

// for flags in state field
const (
	// bmDirty indicates page content is modified and not written out to disk yet
	bmDirty uint32 = (1 << 8)
	// bmExternal indicates the memory is supplied by the caller. the pool never frees it
	bmExternal uint32 = (1 << 6)
)

// newDescriptor initializes descriptor of resident page
func newDescriptor(key page.Key, handle memory.Handle, external bool) *descriptor {
	d := &descriptor{
		key:    key,
		handle: handle,
	}
	if external {
		d.state = bmExternal
	}
	return d
}

// setDirty sets the dirty bit
func (d *descriptor) setDirty() {
	atomic.OrUint32(&d.state, bmDirty)
}

// clearDirty clears the dirty bit
func (d *descriptor) clearDirty() {
	atomic.AndUint32(&d.state, ^bmDirty)
}

// isDirty checks whether the page is dirty
func (d *descriptor) isDirty() bool {
	return atomic.LoadUint32(&d.state)&bmDirty != 0
}

// isExternal checks whether the memory is managed by the caller
func (d *descriptor) isExternal() bool {
	return atomic.LoadUint32(&d.state)&bmExternal != 0
}

// isResident checks whether the descriptor holds memory
func (d *descriptor) isResident() bool {
	return d.handle != memory.InvalidHandle
}

// toGhost drops memory and flags. the caller must have flushed and freed the memory
func (d *descriptor) toGhost() {
	d.handle = memory.InvalidHandle
	atomic.StoreUint32(&d.state, 0)
}

// revive attaches memory to ghost descriptor
func (d *descriptor) revive(handle memory.Handle, external bool) {
	d.handle = handle
	var state uint32
	if external {
		state = bmExternal
	}
	atomic.StoreUint32(&d.state, state)
}
