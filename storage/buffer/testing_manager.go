package buffer

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/storage/disk"
	"github.com/HayatoShiba/pagecache/storage/memory"
)

// TestingNewManager initializes buffer pool manager over in-memory disk and heap allocator
func TestingNewManager(cfg Config, opts ...Option) (*Manager, error) {
	return NewManager(cfg, disk.TestingNewBufferManager(), memory.NewHeapAllocator(), opts...)
}

// TestingNewManagerWithFile initializes buffer pool manager and opens the file
func TestingNewManagerWithFile(cfg Config, fileCfg disk.FileConfig, extension string, opts ...Option) (*Manager, error) {
	m, err := TestingNewManager(cfg, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "TestingNewManager failed")
	}
	if err := m.OpenFile(fileCfg, extension); err != nil {
		return nil, errors.Wrap(err, "OpenFile failed")
	}
	return m, nil
}

// TestingDiskManager returns disk manager for inspection of IO
func (m *Manager) TestingDiskManager() *disk.Manager {
	return m.dm
}

// TestingAllocator returns allocator for inspection of memory
func (m *Manager) TestingAllocator() memory.Allocator {
	return m.alloc
}
