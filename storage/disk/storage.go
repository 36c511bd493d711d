/*
This file defines storage interface and its implementations.
We don't want to execute disk I/O in test, so it's better to use byte slice instead of actual file in test.
For this reason, storage interface is defined. Possible operation with storage is positional read/write,
sync, truncate and getting size. Each segment of paged file is one storage.
The implementations are:
- fileStorage: wrapper of os.File
- bufferStorage: this consists of byte slice. it records writes and can inject I/O failures for test.
*/
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// storage is storage which implements multiple operations necessary for one segment of paged file.
type storage interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// fileStorage is file storage
type fileStorage struct {
	*os.File
}

// Size returns the storage's size
func (fs fileStorage) Size() (int64, error) {
	stat, err := fs.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "Stat failed")
	}
	return stat.Size(), nil
}

// bufferStorage is buffer storage
type bufferStorage struct {
	path string
	// buf is actual contents
	buf []byte
	// rec is shared by all buffer storages of the same opener
	rec *recorder
	mu  sync.Mutex
}

// newBufferStorage initializes bufferStorage
func newBufferStorage(path string, rec *recorder) *bufferStorage {
	return &bufferStorage{
		path: path,
		rec:  rec,
	}
}

// Size returns the buffer size
func (bs *bufferStorage) Size() (int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return int64(len(bs.buf)), nil
}

// Sync doesn't do anything
func (bs *bufferStorage) Sync() error {
	// on-memory byte slice doesn't need sync
	return bs.rec.sync(bs.path)
}

// ReadAt reads buffer at off into p. the range beyond the buffer is read as zero
func (bs *bufferStorage) ReadAt(p []byte, off int64) (int, error) {
	if err := bs.rec.read(bs.path, off, len(p)); err != nil {
		return 0, err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if off >= int64(len(bs.buf)) {
		return 0, io.EOF
	}
	n := copy(p, bs.buf[off:])
	if n != len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p into buffer at off. the buffer is extended if necessary
func (bs *bufferStorage) WriteAt(p []byte, off int64) (int, error) {
	if err := bs.rec.write(bs.path, off, p); err != nil {
		return 0, err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(bs.buf)) {
		bs.grow(end)
	}
	return copy(bs.buf[off:], p), nil
}

// Truncate changes the size of buffer. extended range is zero-filled
func (bs *bufferStorage) Truncate(size int64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if size <= int64(len(bs.buf)) {
		bs.buf = bs.buf[:size]
		return nil
	}
	bs.grow(size)
	return nil
}

// Close doesn't do anything. the content survives so that the file can be reopened
func (bs *bufferStorage) Close() error {
	return nil
}

// grow extends buffer to size with zero. the caller must hold mu
func (bs *bufferStorage) grow(size int64) {
	extended := make([]byte, size)
	copy(extended, bs.buf)
	bs.buf = extended
}

// Write is a write observed by buffer storage
type Write struct {
	Path   string
	Offset int64
	Data   []byte
}

// recorder records writes to buffer storages and injects I/O failures
type recorder struct {
	mu         sync.Mutex
	writes     []Write
	syncs      map[string]int
	failReads  bool
	failWrites bool
}

// errInjected is returned by buffer storage when failure is injected
var errInjected = errors.New("injected I/O failure")

func newRecorder() *recorder {
	return &recorder{syncs: make(map[string]int)}
}

func (r *recorder) read(path string, off int64, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failReads {
		return errors.Wrapf(errInjected, "read %s at %d (%d bytes)", path, off, n)
	}
	return nil
}

func (r *recorder) write(path string, off int64, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites {
		return errors.Wrapf(errInjected, "write %s at %d (%d bytes)", path, off, len(p))
	}
	data := make([]byte, len(p))
	copy(data, p)
	r.writes = append(r.writes, Write{Path: path, Offset: off, Data: data})
	return nil
}

func (r *recorder) sync(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites {
		return errors.Wrapf(errInjected, "sync %s", path)
	}
	r.syncs[path]++
	return nil
}
