/*
This is page table: hash index combined with intrusive doubly linked list.

The hash index gives O(1) lookup, and the list keeps pages in recency order
so that promotion to the most recently used end and eviction of the least recently used page are O(1).

Nodes of the list are slots in an arena addressed by integer index instead of pointers.
Freed slots are linked into free list and reused, the same way as free list of buffer descriptors in postgres.
The arena makes the structure easy to inspect in tests.

Page table is not safe for concurrent use. It is protected by the bookkeeping lock of manager.
*/
package buffer

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/storage/page"
)

// slotID is index of slot within arena
type slotID int32

// invalidSlotID indicates the end of list (and the end of free list)
const invalidSlotID slotID = -1

// slot is node of the list
type slot struct {
	d          *descriptor
	prev, next slotID
}

// pageTable is hash-indexed, recency-ordered container of descriptors
type pageTable struct {
	// index is mapping from page key to slot
	index map[page.Key]slotID
	// slots is arena
	slots []slot
	// freeList points to the head of free slots
	freeList slotID
	// lru is the least recently used end, mru is the most recently used end
	lru, mru slotID
}

// newPageTable initializes page table. capacity is a hint
func newPageTable(capacity int) *pageTable {
	return &pageTable{
		index:    make(map[page.Key]slotID, capacity),
		slots:    make([]slot, 0, capacity),
		freeList: invalidSlotID,
		lru:      invalidSlotID,
		mru:      invalidSlotID,
	}
}

// get returns descriptor of key
func (t *pageTable) get(key page.Key) (*descriptor, bool) {
	id, ok := t.index[key]
	if !ok {
		return nil, false
	}
	return t.slots[id].d, true
}

// contains checks whether key is in the table
func (t *pageTable) contains(key page.Key) bool {
	_, ok := t.index[key]
	return ok
}

// size returns the number of entries
func (t *pageTable) size() int {
	return len(t.index)
}

// putToMRU inserts descriptor at the most recently used end.
// when an entry of the same key exists, its payload is replaced with d's and it is moved to MRU end.
// the descriptor stored in the table is returned
func (t *pageTable) putToMRU(d *descriptor) *descriptor {
	if id, ok := t.index[d.key]; ok {
		cur := t.slots[id].d
		if cur != d {
			cur.revive(d.handle, d.isExternal())
			if d.isDirty() {
				cur.setDirty()
			}
		}
		t.unlink(id)
		t.linkMRU(id)
		return cur
	}
	id := t.allocateSlot()
	t.slots[id].d = d
	t.linkMRU(id)
	t.index[d.key] = id
	return d
}

// remove removes the entry of key
func (t *pageTable) remove(key page.Key) (*descriptor, bool) {
	id, ok := t.index[key]
	if !ok {
		return nil, false
	}
	d := t.slots[id].d
	t.unlink(id)
	t.freeSlot(id)
	delete(t.index, key)
	return d, true
}

// peekLRU returns the least recently used entry without removing it
func (t *pageTable) peekLRU() (*descriptor, bool) {
	if t.lru == invalidSlotID {
		return nil, false
	}
	return t.slots[t.lru].d, true
}

// removeLRU removes the least recently used entry.
// calling this on empty table is caller misuse and panics
func (t *pageTable) removeLRU() *descriptor {
	if t.lru == invalidSlotID {
		panic(errors.New("removeLRU is called on empty page table"))
	}
	d, _ := t.remove(t.slots[t.lru].d.key)
	return d
}

// all iterates entries from LRU to MRU.
// the table must not be structurally modified during iteration
func (t *pageTable) all() iter.Seq[*descriptor] {
	return func(yield func(*descriptor) bool) {
		for id := t.lru; id != invalidSlotID; id = t.slots[id].next {
			if !yield(t.slots[id].d) {
				return
			}
		}
	}
}

// keys returns keys from LRU to MRU
func (t *pageTable) keys() []page.Key {
	keys := make([]page.Key, 0, t.size())
	for d := range t.all() {
		keys = append(keys, d.key)
	}
	return keys
}

// clear removes all entries
func (t *pageTable) clear() {
	clear(t.index)
	t.slots = t.slots[:0]
	t.freeList = invalidSlotID
	t.lru = invalidSlotID
	t.mru = invalidSlotID
}

// allocateSlot returns a slot from free list, or appends new slot to arena
func (t *pageTable) allocateSlot() slotID {
	if t.freeList != invalidSlotID {
		id := t.freeList
		t.freeList = t.slots[id].next
		return id
	}
	t.slots = append(t.slots, slot{})
	return slotID(len(t.slots) - 1)
}

// freeSlot pushes the slot to the head of free list
func (t *pageTable) freeSlot(id slotID) {
	t.slots[id] = slot{prev: invalidSlotID, next: t.freeList}
	t.freeList = id
}

// linkMRU links the slot at MRU end
func (t *pageTable) linkMRU(id slotID) {
	t.slots[id].prev = t.mru
	t.slots[id].next = invalidSlotID
	if t.mru != invalidSlotID {
		t.slots[t.mru].next = id
	} else {
		t.lru = id
	}
	t.mru = id
}

// unlink removes the slot from list. the slot is still in arena
func (t *pageTable) unlink(id slotID) {
	s := t.slots[id]
	if s.prev != invalidSlotID {
		t.slots[s.prev].next = s.next
	} else {
		t.lru = s.next
	}
	if s.next != invalidSlotID {
		t.slots[s.next].prev = s.prev
	} else {
		t.mru = s.prev
	}
}
