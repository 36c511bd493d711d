//go:build !unix

package main

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/storage/memory"
)

// newAllocator returns allocator and the function to release it. mmap is not supported
func newAllocator(kind string, _ int) (memory.Allocator, func() error, error) {
	if kind == allocatorMmap {
		return nil, nil, errors.New("mmap allocator is not supported on this platform")
	}
	return memory.NewHeapAllocator(), func() error { return nil }, nil
}
