/*
This file defines opener interface and its implementations.
We don't want to execute disk I/O in test, so it's better to use byte slice instead of actual file in test.
For this reason, opener interface is defined. Opener opens the storage of each segment. The implementations are:
- fileOpener: open and return file. file descriptors are cached in bounded reference counted cache.
- bufferOpener: open and return byte slice. this is intended to be used in test.

Postgres manages file descriptors by itself not to exceed system limits on the number of open files
a single process can have (virtual file descriptor).
see https://github.com/postgres/postgres/blob/2d4f1ba6cfc2f0a977f1c30bda9848041343e248/src/backend/storage/file/fd.c#L1-L71
fileOpener does the similar thing with refcache: the descriptor in use is never closed,
and idle descriptors are closed in least-recently-released order when the bound is exceeded.
*/
package disk

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/storage/refcache"
)

// opener opens storage
type opener interface {
	// acquire opens the storage of path. when create is true, the storage is created if missing.
	// the caller must call release after use
	acquire(path string, create bool) (storage, error)
	// release releases the storage acquired
	release(path string)
	// exists checks whether the storage of path exists
	exists(path string) bool
	// forget closes the cached storage of path if nobody uses it
	forget(path string)
	// remove deletes the storage of path
	remove(path string) error
}

// defaultMaxOpenFiles is the bound of cached file descriptors
const defaultMaxOpenFiles = 64

// fileOpener opens file
type fileOpener struct {
	fds *refcache.Cache[string, storage]
}

// newFileOpener initializes fileOpener
func newFileOpener(maxOpenFiles int) (*fileOpener, error) {
	if maxOpenFiles <= 0 {
		maxOpenFiles = defaultMaxOpenFiles
	}
	fds, err := refcache.New[string, storage](maxOpenFiles, func(_ string, st storage) {
		// close error is ignored. the data has been synced explicitly if required
		_ = st.Close()
	})
	if err != nil {
		return nil, errors.Wrap(err, "refcache.New failed")
	}
	return &fileOpener{fds: fds}, nil
}

// acquire opens and returns the file of path
func (fo *fileOpener) acquire(path string, create bool) (storage, error) {
	st, err := fo.fds.Acquire(path, func() (storage, error) {
		flag := os.O_RDWR
		if create {
			flag |= os.O_CREATE
		}
		fd, err := os.OpenFile(path, flag, 0600)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrap(ErrFileNotFound, path)
			}
			return nil, errors.Wrap(err, "os.OpenFile failed")
		}
		return fileStorage{fd}, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "fds.Acquire failed")
	}
	return st, nil
}

func (fo *fileOpener) release(path string) {
	fo.fds.Release(path)
}

func (fo *fileOpener) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (fo *fileOpener) forget(path string) {
	fo.fds.Remove(path)
}

func (fo *fileOpener) remove(path string) error {
	fo.fds.Remove(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "os.Remove failed")
	}
	return nil
}

// bufferOpener opens buffer
type bufferOpener struct {
	mu  sync.Mutex
	st  map[string]*bufferStorage
	rec *recorder
}

// newBufferOpener initializes bufferOpener
func newBufferOpener() *bufferOpener {
	return &bufferOpener{
		st:  make(map[string]*bufferStorage),
		rec: newRecorder(),
	}
}

// acquire returns specified buffer
func (bo *bufferOpener) acquire(path string, create bool) (storage, error) {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	buf, ok := bo.st[path]
	if ok {
		return buf, nil
	}
	if !create {
		return nil, errors.Wrap(ErrFileNotFound, path)
	}
	buf = newBufferStorage(path, bo.rec)
	bo.st[path] = buf
	return buf, nil
}

func (bo *bufferOpener) release(string) {}

func (bo *bufferOpener) exists(path string) bool {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	_, ok := bo.st[path]
	return ok
}

func (bo *bufferOpener) forget(string) {}

func (bo *bufferOpener) remove(path string) error {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	delete(bo.st, path)
	return nil
}
