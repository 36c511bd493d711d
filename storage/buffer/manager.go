/*
Buffer pool manager caches fixed-size pages of paged files in memory.
Disk IO is expensive so pages should be cached on memory and buffer pool manager is responsible for this.

The design is based on /src/backend/storage/buffer in postgres,
but the replacement policy is pluggable: ARC or deferred LRU (see arc.go and lru.go).
see great README: https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L1

----

There are two locks:
- bookkeeping lock (Manager.mu):
  - this protects the policy state (page tables, ghost lists, parked pages) and the open file registry.
  - miss IO is done while holding this lock, so concurrent requests for the same missing page
    cause exactly one fetch. (postgres uses BM_IO_IN_PROGRESS for this)
- page lock (see lock.go):
  - this is advisory read/write lock per page, which corresponds to buffer content lock.
  - the caller reads page content while holding read lock, and modifies it while holding write lock.

the order of acquisition is always: bookkeeping lock -> page lock -> release bookkeeping lock.
the page lock is acquired before the bookkeeping lock is released,
so the page cannot be evicted between the policy decision and the lock acquisition.

the bookkeeping lock is never held while waiting for a page lock, so a caller holding page lock
for a long time blocks only the callers of that page, not the whole pool:
- page locks are taken with tryAcquire under the bookkeeping lock.
- when the page requested is locked by another caller, the bookkeeping lock is released while waiting,
  and the request starts over if the page was evicted meanwhile.
- eviction skips the pages locked by callers and picks the least recently used page among the others.
  only when every evictable page is locked, the bookkeeping lock is released until some page lock is released.
- flush, clear and file removal handle the pages locked by callers after releasing the bookkeeping lock.

the flow when read the page is described below:
- LoadAndLockForRead -> read the content via Bytes -> ReleaseReadLock
the flow when update the page is described below:
- LoadAndLockForWrite -> update the content -> ReleaseWriteLock
- the page is marked dirty when write lock is acquired, and written out at eviction or flush.
*/
package buffer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pagecache/common"
	"github.com/HayatoShiba/pagecache/storage/disk"
	"github.com/HayatoShiba/pagecache/storage/memory"
	"github.com/HayatoShiba/pagecache/storage/page"
)

var (
	// ErrFileNotOpened is returned when the file is not opened through the manager
	ErrFileNotOpened = errors.New("file is not opened")
	// ErrFileAlreadyOpened is returned when the file is opened with another config
	ErrFileAlreadyOpened = errors.New("file is already opened")
)

// Option configures manager
type Option func(*Manager)

// WithLogger sets logger. no log is output by default
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRegisterer sets registerer of metrics. metrics are not registered by default
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = reg
	}
}

// Manager manages buffer pool
type Manager struct {
	// mu is the bookkeeping lock
	mu sync.Mutex
	// disk manager
	dm *disk.Manager
	// alloc allocates memory of pages
	alloc memory.Allocator
	// locks is page lock table. this is not protected by mu
	locks *lockTable
	// files is registry of opened files
	files map[common.FileIdentity]*disk.File
	// policy is cache replacement policy
	policy policy

	logger     *zap.Logger
	registerer prometheus.Registerer
	metrics    *metrics
}

// NewManager initializes buffer pool manager
func NewManager(cfg Config, dm *disk.Manager, alloc memory.Allocator, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cfg.Validate failed")
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		dm:     dm,
		alloc:  alloc,
		locks:  newLockTable(),
		files:  make(map[common.FileIdentity]*disk.File),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics, err := newMetrics(m.registerer)
	if err != nil {
		return nil, errors.Wrap(err, "newMetrics failed")
	}
	m.metrics = metrics

	switch cfg.Policy {
	case PolicyARC:
		m.policy = newARCPolicy(m, cfg.MaxPages)
	case PolicyDeferredLRU:
		m.policy = newLRUPolicy(m, cfg.MaxPages, cfg.ParkedPages)
	}
	m.logger.Info("buffer pool initialized",
		zap.String("policy", string(cfg.Policy)),
		zap.Int("max_pages", cfg.MaxPages))
	return m, nil
}

// OpenFile opens the file, or creates it when it does not exist.
// opening opened file does nothing
func (m *Manager) OpenFile(cfg disk.FileConfig, extension string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.dm.File(cfg, extension)
	if err != nil {
		return errors.Wrap(err, "dm.File failed")
	}
	if opened, ok := m.files[f.Identity()]; ok {
		if opened.PageSize() != f.PageSize() {
			return errors.Wrapf(ErrFileAlreadyOpened, "%s with page size %d", f.Identity(), opened.PageSize())
		}
		return nil
	}
	if f.Exists() {
		err = f.Open()
	} else {
		err = f.Create()
	}
	if err != nil {
		return errors.Wrap(err, "open file failed")
	}
	m.files[f.Identity()] = f
	m.logger.Info("file opened", zap.Stringer("file", f.Identity()), zap.Int64("size", f.FilledUpTo()))
	return nil
}

// LoadAndLockForRead returns the page holding read lock.
// the caller has to call ReleaseReadLock after reading the page
func (m *Manager) LoadAndLockForRead(ctx context.Context, fileName, extension string, pageIndex page.PageID) (memory.Handle, error) {
	return m.loadAndLock(ctx, fileName, extension, pageIndex, modeRead)
}

// LoadAndLockForWrite returns the page holding write lock. the page is marked dirty.
// the caller has to call ReleaseWriteLock after updating the page
func (m *Manager) LoadAndLockForWrite(ctx context.Context, fileName, extension string, pageIndex page.PageID) (memory.Handle, error) {
	return m.loadAndLock(ctx, fileName, extension, pageIndex, modeWrite)
}

func (m *Manager) loadAndLock(ctx context.Context, fileName, extension string, pageIndex page.PageID, mode lockMode) (memory.Handle, error) {
	o := ownerFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		f, err := m.file(fileName, extension)
		if err != nil {
			return memory.InvalidHandle, err
		}
		key := page.NewKey(f.Identity(), pageIndex)
		d, loaded, err := m.load(key, m.fetchFromFile(f))
		if err != nil {
			return memory.InvalidHandle, errors.Wrap(err, "load failed")
		}
		if !loaded || !m.lockLoaded(o, d, mode) {
			continue
		}
		if mode == modeWrite {
			d.setDirty()
		}
		m.metrics.observe(m.policy.stats())
		return d.handle, nil
	}
}

// ReleaseReadLock releases read lock acquired by LoadAndLockForRead
func (m *Manager) ReleaseReadLock(ctx context.Context, fileName, extension string, pageIndex page.PageID) {
	key := page.NewKey(common.NewFileIdentity(fileName, extension), pageIndex)
	m.locks.release(ownerFrom(ctx), key, modeRead)
}

// ReleaseWriteLock releases write lock acquired by LoadAndLockForWrite or AllocateAndLockForWrite
func (m *Manager) ReleaseWriteLock(ctx context.Context, fileName, extension string, pageIndex page.PageID) {
	key := page.NewKey(common.NewFileIdentity(fileName, extension), pageIndex)
	m.locks.release(ownerFrom(ctx), key, modeWrite)
}

// AllocateAndLockForWrite appends a new zero-filled page to the end of file
// and returns it holding write lock. no read from disk happens.
// the file is extended only after room for the page is made
func (m *Manager) AllocateAndLockForWrite(ctx context.Context, fileName, extension string) (page.PageID, memory.Handle, error) {
	o := ownerFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		f, err := m.file(fileName, extension)
		if err != nil {
			return page.InvalidPageID, memory.InvalidHandle, err
		}
		// the page next to the last one is beyond the end of file, so fetchFromFile extends the file
		key := page.NewKey(f.Identity(), page.PageID(page.CalculatePageCount(f.FilledUpTo(), f.PageSize())))
		d, loaded, err := m.load(key, m.fetchFromFile(f))
		if err != nil {
			return page.InvalidPageID, memory.InvalidHandle, errors.Wrap(err, "load failed")
		}
		if !loaded || !m.lockLoaded(o, d, modeWrite) {
			continue
		}
		d.setDirty()
		m.metrics.observe(m.policy.stats())
		return key.Index, d.handle, nil
	}
}

// CacheHit registers the page content the caller has already fetched.
// when externallyManaged, the pool never frees the memory.
// when the page is already cached, the cached content is kept and h is freed (unless externallyManaged).
// when error is returned, h is freed too (unless externallyManaged), so the caller must not use h any more
func (m *Manager) CacheHit(fileName, extension string, pageIndex page.PageID, h memory.Handle, externallyManaged bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		f, err := m.file(fileName, extension)
		if err != nil {
			m.discard(h, externallyManaged)
			return err
		}
		key := page.NewKey(f.Identity(), pageIndex)
		fetched := false
		d, loaded, err := m.load(key, func(page.Key) (memory.Handle, bool, error) {
			fetched = true
			return h, externallyManaged, nil
		})
		if err != nil {
			// h is owned by the policy once fetched
			if !fetched {
				m.discard(h, externallyManaged)
			}
			return errors.Wrap(err, "load failed")
		}
		if !loaded {
			continue
		}
		if d.handle != h {
			m.discard(h, externallyManaged)
		}
		m.metrics.observe(m.policy.stats())
		return nil
	}
}

// ClearDirtyFlag marks the page as not needing write.
// the page evicted but not written yet is dropped without write
func (m *Manager) ClearDirtyFlag(fileName, extension string, pageIndex page.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := page.NewKey(common.NewFileIdentity(fileName, extension), pageIndex)
	m.policy.clearDirtyFlag(key)
	m.metrics.observe(m.policy.stats())
}

// GetFilledUpTo returns the number of pages of the file
func (m *Manager) GetFilledUpTo(fileName, extension string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.file(fileName, extension)
	if err != nil {
		return 0, err
	}
	return page.CalculatePageCount(f.FilledUpTo(), f.PageSize()), nil
}

// PageSize returns the page size of the file
func (m *Manager) PageSize(fileName, extension string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.file(fileName, extension)
	if err != nil {
		return 0, err
	}
	return f.PageSize(), nil
}

// Bytes returns the content of memory h.
// the caller has to hold page lock of the page
func (m *Manager) Bytes(h memory.Handle, length int) []byte {
	return m.alloc.Get(h, length)
}

// Flush writes out all dirty pages and syncs opened files.
// when exclusive, exclusive page lock is held during write of each page, otherwise shared lock.
// the bookkeeping lock is released while waiting for the pages locked by callers
func (m *Manager) Flush(exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := modeRead
	if exclusive {
		mode = modeWrite
	}
	busy, err := m.policy.flush(mode)
	if err != nil {
		return errors.Wrap(err, "policy.flush failed")
	}
	for _, d := range busy {
		if err := m.flushLockedPage(d, mode); err != nil {
			return errors.Wrap(err, "flushLockedPage failed")
		}
	}
	m.metrics.observe(m.policy.stats())
	return m.syncFiles()
}

// Clear writes out and drops all pages.
// the pages locked by callers are dropped after they are released
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clear()
}

// Close writes out and drops all pages, and closes all opened files
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.clear(); err != nil {
		return err
	}
	for id, f := range m.files {
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "Close failed")
		}
		delete(m.files, id)
	}
	m.logger.Info("buffer pool closed")
	return nil
}

// CloseFile writes out dirty pages of the file, drops them and closes the file.
// closing the file which is not opened does nothing
func (m *Manager) CloseFile(fileName, extension string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.file(fileName, extension)
	if errors.Is(err, ErrFileNotOpened) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.removeFilePages(f, true); err != nil {
		if errors.Is(err, ErrFileNotOpened) {
			return nil
		}
		return err
	}
	if err := f.Synch(); err != nil {
		return errors.Wrap(err, "Synch failed")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "Close failed")
	}
	delete(m.files, f.Identity())
	m.metrics.observe(m.policy.stats())
	m.logger.Info("file closed", zap.Stringer("file", f.Identity()))
	return nil
}

// DeleteFile drops all pages of the file without write and removes the file
func (m *Manager) DeleteFile(fileName, extension string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.file(fileName, extension)
	if err != nil {
		return err
	}
	if err := m.removeFilePages(f, false); err != nil {
		return err
	}
	if err := f.Delete(); err != nil {
		return errors.Wrap(err, "Delete failed")
	}
	delete(m.files, f.Identity())
	m.metrics.observe(m.policy.stats())
	m.logger.Info("file deleted", zap.Stringer("file", f.Identity()))
	return nil
}

// TruncateFile drops all pages of the file without write and removes its content.
// the file stays opened
func (m *Manager) TruncateFile(fileName, extension string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.file(fileName, extension)
	if err != nil {
		return err
	}
	if err := m.removeFilePages(f, false); err != nil {
		return err
	}
	if err := f.Truncate(); err != nil {
		return errors.Wrap(err, "Truncate failed")
	}
	m.metrics.observe(m.policy.stats())
	m.logger.Info("file truncated", zap.Stringer("file", f.Identity()))
	return nil
}

// Stats returns snapshot of sizes
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.stats()
}

// file returns opened file. the caller must hold mu
func (m *Manager) file(fileName, extension string) (*disk.File, error) {
	if err := common.ValidateFileIdentity(fileName, extension); err != nil {
		return nil, errors.Wrap(err, "ValidateFileIdentity failed")
	}
	id := common.NewFileIdentity(fileName, extension)
	f, ok := m.files[id]
	if !ok {
		return nil, errors.Wrap(ErrFileNotOpened, id.String())
	}
	return f, nil
}

// fetchFromFile returns fetchFunc which reads the page from f.
// the page beyond the end of file is allocated on the file and returned as zero-filled page
func (m *Manager) fetchFromFile(f *disk.File) fetchFunc {
	return func(key page.Key) (memory.Handle, bool, error) {
		pageSize := f.PageSize()
		h, err := m.alloc.Allocate(pageSize)
		if err != nil {
			return memory.InvalidHandle, false, errors.Wrap(err, "Allocate failed")
		}
		offset := page.CalculateFileOffset(key.Index, pageSize)
		filled := f.FilledUpTo()
		if end := offset + int64(pageSize); end > filled {
			if _, err := f.AllocateSpace(end - filled); err != nil {
				m.alloc.Free(h)
				return memory.InvalidHandle, false, errors.Wrap(err, "AllocateSpace failed")
			}
		}
		if offset < filled {
			if err := f.ReadContinuously(offset, m.alloc.Get(h, pageSize)); err != nil {
				m.alloc.Free(h)
				return memory.InvalidHandle, false, errors.Wrap(err, "ReadContinuously failed")
			}
		}
		return h, false, nil
	}
}

// load loads the page through policy. when every evictable page is locked by callers,
// mu is released until some page lock is released and false is returned:
// the caller has to start over because the state may have changed. the caller must hold mu
func (m *Manager) load(key page.Key, fetch fetchFunc) (*descriptor, bool, error) {
	gen := m.locks.generation()
	d, err := m.policy.load(key, fetch)
	if errors.Is(err, errAllPagesLocked) {
		m.mu.Unlock()
		m.locks.waitRelease(gen)
		m.mu.Lock()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// lockLoaded acquires page lock of the loaded page d for o.
// when the lock is not available now, mu is released while waiting for it,
// and false is returned if d was evicted meanwhile. the caller must hold mu
func (m *Manager) lockLoaded(o Owner, d *descriptor, mode lockMode) bool {
	if m.locks.tryAcquire(o, d.key, mode) {
		return true
	}
	h := d.handle
	m.mu.Unlock()
	m.locks.acquire(o, d.key, mode)
	m.mu.Lock()
	if cur, ok := m.policy.get(d.key); ok && cur == d && d.handle == h {
		return true
	}
	m.locks.release(o, d.key, mode)
	return false
}

// waitForPage releases mu until the page lock of key becomes available. the caller must hold mu
func (m *Manager) waitForPage(key page.Key) {
	o := NewOwner()
	m.mu.Unlock()
	m.locks.acquire(o, key, modeWrite)
	m.locks.release(o, key, modeWrite)
	m.mu.Lock()
}

// lockVictim returns the least recently used page of t which no caller locks, holding its write lock.
// false is returned when every page of t is locked
func (m *Manager) lockVictim(t *pageTable) (*descriptor, func(), bool) {
	o := NewOwner()
	for d := range t.all() {
		if m.locks.tryAcquire(o, d.key, modeWrite) {
			return d, func() { m.locks.release(o, d.key, modeWrite) }, true
		}
	}
	return nil, nil, false
}

// writePage writes out the page content and clears dirty flag.
// the caller must hold mu and page lock of the page (or the page is not reachable from callers)
func (m *Manager) writePage(d *descriptor) error {
	f, ok := m.files[d.key.File]
	if !ok {
		return errors.Wrap(ErrFileNotOpened, d.key.File.String())
	}
	pageSize := f.PageSize()
	offset := page.CalculateFileOffset(d.key.Index, pageSize)
	if err := f.WriteContinuously(offset, m.alloc.Get(d.handle, pageSize)); err != nil {
		m.logger.Warn("failed to write page", zap.Stringer("key", d.key), zap.Error(err))
		return errors.Wrap(err, "WriteContinuously failed")
	}
	d.clearDirty()
	m.metrics.flushedPages.Inc()
	return nil
}

// flushPages writes out the dirty pages of t which can be locked in mode without waiting.
// the dirty pages locked by callers are appended to busy
func (m *Manager) flushPages(t *pageTable, mode lockMode, busy []*descriptor) ([]*descriptor, error) {
	o := NewOwner()
	for d := range t.all() {
		if !d.isDirty() {
			continue
		}
		if !m.locks.tryAcquire(o, d.key, mode) {
			busy = append(busy, d)
			continue
		}
		err := m.writePage(d)
		m.locks.release(o, d.key, mode)
		if err != nil {
			return busy, err
		}
	}
	return busy, nil
}

// flushLockedPage writes out the page which was locked by a caller.
// mu is released while waiting for the page lock. the caller must hold mu
func (m *Manager) flushLockedPage(d *descriptor, mode lockMode) error {
	o := NewOwner()
	m.mu.Unlock()
	m.locks.acquire(o, d.key, mode)
	m.mu.Lock()
	defer m.locks.release(o, d.key, mode)

	// the page may have been written or evicted while mu was released
	if cur, ok := m.policy.get(d.key); !ok || cur != d || !d.isDirty() {
		return nil
	}
	return m.writePage(d)
}

// dropPages removes the pages of t matching match and frees their memory.
// dirty pages are written out first when writeBack. the keys of pages locked by callers are returned
func (m *Manager) dropPages(t *pageTable, match func(page.Key) bool, writeBack bool) ([]page.Key, error) {
	o := NewOwner()
	var busy []page.Key
	for _, key := range t.keys() {
		if !match(key) {
			continue
		}
		if !m.locks.tryAcquire(o, key, modeWrite) {
			busy = append(busy, key)
			continue
		}
		err := m.dropPage(t, key, writeBack)
		m.locks.release(o, key, modeWrite)
		if err != nil {
			return busy, err
		}
	}
	return busy, nil
}

// dropPage removes the page of key from t. the caller must hold write lock of the page
func (m *Manager) dropPage(t *pageTable, key page.Key, writeBack bool) error {
	d, _ := t.get(key)
	if writeBack && d.isDirty() {
		if err := m.writePage(d); err != nil {
			return errors.Wrap(err, "writePage failed")
		}
	}
	t.remove(key)
	m.freeMemory(d)
	return nil
}

// clear drops all pages and syncs files.
// mu is released while waiting for the pages locked by callers. the caller must hold mu
func (m *Manager) clear() error {
	for {
		busy, err := m.policy.clear()
		if err != nil {
			return errors.Wrap(err, "policy.clear failed")
		}
		if len(busy) == 0 {
			break
		}
		m.waitForPage(busy[0])
	}
	m.metrics.observe(m.policy.stats())
	return m.syncFiles()
}

// removeFilePages drops all pages of f.
// mu is released while waiting for the pages locked by callers,
// and ErrFileNotOpened is returned if f was closed meanwhile. the caller must hold mu
func (m *Manager) removeFilePages(f *disk.File, writeBack bool) error {
	id := f.Identity()
	for {
		busy, err := m.policy.removeFile(id, writeBack)
		if err != nil {
			return errors.Wrap(err, "policy.removeFile failed")
		}
		if len(busy) == 0 {
			return nil
		}
		m.waitForPage(busy[0])
		if m.files[id] != f {
			return errors.Wrap(ErrFileNotOpened, id.String())
		}
	}
}

// freeMemory frees the memory of page unless it is managed by the caller
func (m *Manager) freeMemory(d *descriptor) {
	if d.isExternal() {
		return
	}
	m.alloc.Free(d.handle)
}

// discard frees the memory which is not inserted to the pool
func (m *Manager) discard(h memory.Handle, external bool) {
	if external {
		return
	}
	m.alloc.Free(h)
}

// syncFiles syncs all opened files
func (m *Manager) syncFiles() error {
	for _, f := range m.files {
		if err := f.Synch(); err != nil {
			return errors.Wrap(err, "Synch failed")
		}
	}
	return nil
}
