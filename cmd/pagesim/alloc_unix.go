//go:build unix

package main

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/storage/memory"
)

// newAllocator returns allocator and the function to release it
func newAllocator(kind string, pageSize int) (memory.Allocator, func() error, error) {
	if kind != allocatorMmap {
		return memory.NewHeapAllocator(), func() error { return nil }, nil
	}
	a, err := memory.NewMmapAllocator(pageSize, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "memory.NewMmapAllocator failed")
	}
	return a, a.Close, nil
}
