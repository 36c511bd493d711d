package page

import (
	"fmt"
	"strings"

	"github.com/HayatoShiba/pagecache/common"
)

// Key identifies a cached page: file identity and page index.
// Key is comparable so it can be used as map key, and totally ordered by Compare.
// this corresponds to buffer tag in postgres
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L79-L98
type Key struct {
	// File is the identity of the file the page belongs to
	File common.FileIdentity
	// Index is the page index within the file
	Index PageID
}

// NewKey initializes page key
func NewKey(file common.FileIdentity, index PageID) Key {
	return Key{File: file, Index: index}
}

// Compare orders keys lexicographically by file identity then numerically by page index.
// it returns -1, 0 or +1
func (k Key) Compare(other Key) int {
	if c := strings.Compare(string(k.File), string(other.File)); c != 0 {
		return c
	}
	switch {
	case k.Index < other.Index:
		return -1
	case k.Index > other.Index:
		return 1
	}
	return 0
}

// Less reports whether k is ordered before other
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// String returns human readable key. this is used for logging
func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.File, k.Index)
}

// KeyComparer compares page keys. this can be passed to sorted containers
type KeyComparer struct{}

// Compare compares two keys
func (KeyComparer) Compare(a, b Key) int {
	return a.Compare(b)
}
