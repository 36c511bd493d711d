package buffer

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/common"
	"github.com/HayatoShiba/pagecache/storage/memory"
	"github.com/HayatoShiba/pagecache/storage/page"
)

// errAllPagesLocked is returned by policy when no page can be evicted because callers lock all of them
var errAllPagesLocked = errors.New("all evictable pages are locked")

// fetchFunc produces the memory of missed page.
// external reports whether the memory is managed by the caller
type fetchFunc func(key page.Key) (h memory.Handle, external bool, err error)

// policy is cache replacement policy.
// all methods are called with the bookkeeping lock of manager held, and none of them waits for page locks:
// the pages locked by callers are skipped and reported to manager, which waits without the bookkeeping lock.
type policy interface {
	// load returns the resident descriptor of key. fetch is called only on miss, after room is made,
	// and nothing fails after fetch succeeds.
	// when fetch fails, no page is inserted. errAllPagesLocked is returned when no page can be evicted
	load(key page.Key, fetch fetchFunc) (*descriptor, error)
	// get returns the resident descriptor of key without touching recency
	get(key page.Key) (*descriptor, bool)
	// flush writes out dirty pages holding page lock in mode. dirty pages locked by callers are returned
	flush(mode lockMode) ([]*descriptor, error)
	// clear writes out and drops all pages. the keys of pages locked by callers are returned
	clear() ([]page.Key, error)
	// removeFile drops all pages of the file. dirty pages are written out when writeBack.
	// the keys of pages locked by callers are returned
	removeFile(id common.FileIdentity, writeBack bool) ([]page.Key, error)
	// clearDirtyFlag marks the page as not needing write
	clearDirtyFlag(key page.Key)
	// stats returns the snapshot of sizes
	stats() Stats
}

// Stats is snapshot of buffer pool sizes
type Stats struct {
	// MaxPages is the capacity of resident pages
	MaxPages int
	// Resident is the number of pages holding memory (excluding parked pages)
	Resident int
	// Ghost is the number of ghost entries (ARC only)
	Ghost int
	// Parked is the number of dirty pages waiting for batch flush (deferred LRU only)
	Parked int
	// Target is the adaptive target size of recency list (ARC only)
	Target int
}
