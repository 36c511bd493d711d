/*
Page is the unit of I/O and the unit of caching.
The paged file is organized as a collection of fixed-size pages and the buffer pool caches them.
Unlike postgres, page size is not a compile-time constant: each file is opened with its own page size
and the byte offset of a page is always pageIndex * pageSize.

The on-disk layout of the page content is not managed here. The buffer pool treats the page as opaque bytes.
*/
package page

import (
	"math"
)

// DefaultPageSize is the byte size of page used when file config does not specify it.
// 8KB is the default size in postgres
// see block_size parameter in https://www.postgresql.org/docs/current/runtime-config-preset.html
const DefaultPageSize = 8192

// PageID is the index of page within file, which is called blockNumber in postgres
type PageID uint64

const (
	// first page id in file
	FirstPageID PageID = 0
	// invalid page id
	InvalidPageID PageID = math.MaxUint64
)

// CalculateFileOffset calculates the page's offset within the file
func CalculateFileOffset(pageID PageID, pageSize int) int64 {
	return int64(pageID) * int64(pageSize)
}

// CalculatePageCount returns how many whole pages fit in size bytes
func CalculatePageCount(size int64, pageSize int) uint64 {
	if pageSize <= 0 || size <= 0 {
		return 0
	}
	return uint64(size / int64(pageSize))
}
