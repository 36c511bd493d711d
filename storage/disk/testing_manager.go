package disk

import (
	"testing"

	"github.com/pkg/errors"
)

// testingBaseDir is base directory of buffer storage. nothing is created on disk
const testingBaseDir = "mem"

// TestingNewFileManager initializes disk manager with file storage under t.TempDir()
// because we want to remove the generated file after test is completed
func TestingNewFileManager(t *testing.T) (*Manager, error) {
	m, err := NewManager(t.TempDir(), 0)
	if err != nil {
		return nil, errors.Wrap(err, "NewManager failed")
	}
	return m, nil
}

// TestingNewBufferManager initializes disk manager with buffer storage instead of file storage. This prevents unnecessary disk I/O.
func TestingNewBufferManager() *Manager {
	return &Manager{
		baseDir: testingBaseDir,
		opener:  newBufferOpener(),
	}
}

// TestingWrites returns writes observed by buffer storage in order
func (m *Manager) TestingWrites() []Write {
	rec := m.testingRecorder()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	writes := make([]Write, len(rec.writes))
	copy(writes, rec.writes)
	return writes
}

// TestingResetWrites forgets the writes observed so far
func (m *Manager) TestingResetWrites() {
	rec := m.testingRecorder()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.writes = nil
}

// TestingSyncs returns how many times the storage of path was synced
func (m *Manager) TestingSyncs(path string) int {
	rec := m.testingRecorder()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.syncs[path]
}

// TestingFailIO makes buffer storage fail reads and/or writes
func (m *Manager) TestingFailIO(reads, writes bool) {
	rec := m.testingRecorder()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.failReads = reads
	rec.failWrites = writes
}

// testingRecorder returns recorder of buffer opener. this panics for file manager
func (m *Manager) testingRecorder() *recorder {
	bo, ok := m.opener.(*bufferOpener)
	if !ok {
		panic("disk manager is not initialized with buffer storage")
	}
	return bo.rec
}
