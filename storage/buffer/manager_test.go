package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/HayatoShiba/pagecache/common"
	"github.com/HayatoShiba/pagecache/storage/disk"
	"github.com/HayatoShiba/pagecache/storage/memory"
	"github.com/HayatoShiba/pagecache/storage/page"
)

const (
	testFile     = "users"
	testExt      = "pcl"
	testPageSize = 16
)

var testFileConfig = disk.FileConfig{Name: testFile, PageSize: testPageSize}

var policies = []PolicyKind{PolicyARC, PolicyDeferredLRU}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := TestingNewManagerWithFile(cfg, testFileConfig, testExt, opts...)
	require.NoError(t, err)
	return m
}

func testKey(idx page.PageID) page.Key {
	return page.NewKey(common.NewFileIdentity(testFile, testExt), idx)
}

// touch reads the page and releases it at once
func touch(t *testing.T, m *Manager, idx page.PageID) {
	t.Helper()
	ctx := context.Background()
	_, err := m.LoadAndLockForRead(ctx, testFile, testExt, idx)
	require.NoError(t, err)
	m.ReleaseReadLock(ctx, testFile, testExt, idx)
}

// writePage overwrites the page with content
func writePage(t *testing.T, m *Manager, idx page.PageID, content []byte) {
	t.Helper()
	ctx := context.Background()
	h, err := m.LoadAndLockForWrite(ctx, testFile, testExt, idx)
	require.NoError(t, err)
	copy(m.Bytes(h, testPageSize), content)
	m.ReleaseWriteLock(ctx, testFile, testExt, idx)
}

func readPage(t *testing.T, m *Manager, idx page.PageID) []byte {
	t.Helper()
	ctx := context.Background()
	h, err := m.LoadAndLockForRead(ctx, testFile, testExt, idx)
	require.NoError(t, err)
	defer m.ReleaseReadLock(ctx, testFile, testExt, idx)
	return append([]byte(nil), m.Bytes(h, testPageSize)...)
}

func content(b byte) []byte {
	c := make([]byte, testPageSize)
	for i := range c {
		c[i] = b
	}
	return c
}

func liveBlocks(m *Manager) int {
	return m.TestingAllocator().(*memory.HeapAllocator).Stats().Live
}

func writtenOffsets(m *Manager) []int64 {
	var offsets []int64
	for _, w := range m.TestingDiskManager().TestingWrites() {
		offsets = append(offsets, w.Offset)
	}
	return offsets
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  DefaultConfig(),
		},
		{
			name: "policy is empty",
			cfg:  Config{MaxPages: 4},
		},
		{
			name:    "unknown policy",
			cfg:     Config{Policy: "clock", MaxPages: 4},
			wantErr: true,
		},
		{
			name:    "max pages is zero",
			cfg:     Config{Policy: PolicyARC},
			wantErr: true,
		},
		{
			name:    "negative parked pages",
			cfg:     Config{Policy: PolicyDeferredLRU, MaxPages: 4, ParkedPages: -1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TestingNewManager(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFileNotOpened(t *testing.T) {
	m, err := TestingNewManager(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.LoadAndLockForRead(ctx, testFile, testExt, 0)
	assert.ErrorIs(t, err, ErrFileNotOpened)
	_, err = m.LoadAndLockForWrite(ctx, testFile, testExt, 0)
	assert.ErrorIs(t, err, ErrFileNotOpened)
	_, _, err = m.AllocateAndLockForWrite(ctx, testFile, testExt)
	assert.ErrorIs(t, err, ErrFileNotOpened)
	_, err = m.GetFilledUpTo(testFile, testExt)
	assert.ErrorIs(t, err, ErrFileNotOpened)
	assert.ErrorIs(t, m.DeleteFile(testFile, testExt), ErrFileNotOpened)
	// closing the file not opened does nothing
	assert.NoError(t, m.CloseFile(testFile, testExt))
}

func TestOpenFileTwice(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	assert.NoError(t, m.OpenFile(testFileConfig, testExt))

	err := m.OpenFile(disk.FileConfig{Name: testFile, PageSize: 32}, testExt)
	assert.ErrorIs(t, err, ErrFileAlreadyOpened)
}

func TestDirtyPageRoundTrip(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 4})
			writePage(t, m, 0, content('c'))
			require.NoError(t, m.Flush(false))
			// the page is clean now, so close writes nothing more
			require.NoError(t, m.Close())

			// exactly one write of the page content at offset 0
			writes := m.TestingDiskManager().TestingWrites()
			require.Len(t, writes, 1)
			assert.Equal(t, int64(0), writes[0].Offset)
			assert.Equal(t, content('c'), writes[0].Data)
			assert.Equal(t, 0, liveBlocks(m))

			// reopen on the same disk
			reopened, err := NewManager(Config{Policy: policy, MaxPages: 4}, m.TestingDiskManager(), memory.NewHeapAllocator())
			require.NoError(t, err)
			require.NoError(t, reopened.OpenFile(testFileConfig, testExt))
			assert.Equal(t, content('c'), readPage(t, reopened, 0))
		})
	}
}

func TestSingleFlight(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 4})
			ctx := context.Background()

			var eg errgroup.Group
			for i := 0; i < 32; i++ {
				eg.Go(func() error {
					_, err := m.LoadAndLockForRead(ctx, testFile, testExt, 3)
					if err != nil {
						return err
					}
					m.ReleaseReadLock(ctx, testFile, testExt, 3)
					return nil
				})
			}
			require.NoError(t, eg.Wait())
			stats := m.TestingAllocator().(*memory.HeapAllocator).Stats()
			assert.Equal(t, uint64(1), stats.Allocations)
			assert.Equal(t, 1, m.Stats().Resident)
		})
	}
}

func TestReadBeyondEndExtendsFile(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	assert.Equal(t, content(0), readPage(t, m, 2))
	n, err := m.GetFilledUpTo(testFile, testExt)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Empty(t, m.TestingDiskManager().TestingWrites())
}

func TestAllocateAndLockForWrite(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 4})
			ctx := context.Background()
			m.TestingDiskManager().TestingFailIO(true, false)

			for i := 0; i < 2; i++ {
				idx, h, err := m.AllocateAndLockForWrite(ctx, testFile, testExt)
				require.NoError(t, err)
				assert.Equal(t, page.PageID(i), idx)
				// new page is zero-filled and needs no read
				assert.Equal(t, content(0), m.Bytes(h, testPageSize))
				copy(m.Bytes(h, testPageSize), content(byte('a'+i)))
				m.ReleaseWriteLock(ctx, testFile, testExt, idx)
			}
			n, err := m.GetFilledUpTo(testFile, testExt)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), n)

			m.TestingDiskManager().TestingFailIO(false, false)
			require.NoError(t, m.Flush(false))
			assert.ElementsMatch(t, []int64{0, testPageSize}, writtenOffsets(m))
		})
	}
}

func TestReentrantLockThroughManager(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := WithOwner(context.Background(), NewOwner())

	h1, err := m.LoadAndLockForWrite(ctx, testFile, testExt, 0)
	require.NoError(t, err)
	h2, err := m.LoadAndLockForWrite(ctx, testFile, testExt, 0)
	require.NoError(t, err)
	h3, err := m.LoadAndLockForRead(ctx, testFile, testExt, 0)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, h3)

	m.ReleaseReadLock(ctx, testFile, testExt, 0)
	m.ReleaseWriteLock(ctx, testFile, testExt, 0)
	m.ReleaseWriteLock(ctx, testFile, testExt, 0)
	assert.Panics(t, func() {
		m.ReleaseWriteLock(ctx, testFile, testExt, 0)
	})
}

// waitingFor reports whether someone is waiting for the page lock of key
func waitingFor(m *Manager, key page.Key) bool {
	m.locks.mu.Lock()
	defer m.locks.mu.Unlock()
	e, ok := m.locks.entries[key]
	return ok && (e.waiters > 0 || e.waitingWriters > 0)
}

// within runs fn in another goroutine and fails when fn does not return within a second
func within(t *testing.T, fn func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked by the locked page")
	}
}

// touchPage is touch which can be called outside of test goroutine
func touchPage(m *Manager, idx page.PageID) error {
	ctx := context.Background()
	if _, err := m.LoadAndLockForRead(ctx, testFile, testExt, idx); err != nil {
		return err
	}
	m.ReleaseReadLock(ctx, testFile, testExt, idx)
	return nil
}

func TestEvictionWaitsWhenAllPagesLocked(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 1})
			ctx := context.Background()
			_, err := m.LoadAndLockForRead(ctx, testFile, testExt, 0)
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				_, err := m.LoadAndLockForRead(ctx, testFile, testExt, 1)
				done <- err
			}()
			select {
			case <-done:
				t.Fatal("locked page was evicted")
			case <-time.After(50 * time.Millisecond):
			}
			// the waiting load does not hold the bookkeeping lock
			within(t, func() error {
				_, err := m.GetFilledUpTo(testFile, testExt)
				return err
			})

			m.ReleaseReadLock(ctx, testFile, testExt, 0)
			select {
			case err := <-done:
				require.NoError(t, err)
				m.ReleaseReadLock(ctx, testFile, testExt, 1)
			case <-time.After(time.Second):
				t.Fatal("eviction was not resumed")
			}
			_, ok := m.policy.get(testKey(1))
			assert.True(t, ok)
			_, ok = m.policy.get(testKey(0))
			assert.False(t, ok)
		})
	}
}

func TestLockedPageDoesNotBlockOtherPages(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 2})
			holder := WithOwner(context.Background(), NewOwner())
			h, err := m.LoadAndLockForWrite(holder, testFile, testExt, 0)
			require.NoError(t, err)
			copy(m.Bytes(h, testPageSize), content('a'))
			touch(t, m, 1)

			// hit on page 1, miss on page 2 evicting page 1, and another miss evicting page 2
			within(t, func() error {
				for _, idx := range []page.PageID{1, 2, 3} {
					if err := touchPage(m, idx); err != nil {
						return err
					}
				}
				return nil
			})
			_, ok := m.policy.get(testKey(0))
			assert.True(t, ok)
			_, ok = m.policy.get(testKey(3))
			assert.True(t, ok)
			assert.Equal(t, 2, m.Stats().Resident)

			// another caller of page 0 waits without blocking the pool
			read := make(chan []byte, 1)
			go func() {
				ctx := context.Background()
				h, err := m.LoadAndLockForRead(ctx, testFile, testExt, 0)
				if err != nil {
					read <- nil
					return
				}
				read <- append([]byte(nil), m.Bytes(h, testPageSize)...)
				m.ReleaseReadLock(ctx, testFile, testExt, 0)
			}()
			assert.Eventually(t, func() bool { return waitingFor(m, testKey(0)) }, time.Second, time.Millisecond)
			within(t, func() error { return touchPage(m, 4) })

			m.ReleaseWriteLock(holder, testFile, testExt, 0)
			select {
			case c := <-read:
				assert.Equal(t, content('a'), c)
			case <-time.After(time.Second):
				t.Fatal("reader of page 0 was not woken up")
			}
		})
	}
}

func TestFlushWaitsForLockedPageWithoutBlockingPool(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 4})
			holder := WithOwner(context.Background(), NewOwner())
			writePage(t, m, 1, content('b'))
			h, err := m.LoadAndLockForWrite(holder, testFile, testExt, 0)
			require.NoError(t, err)
			copy(m.Bytes(h, testPageSize), content('a'))

			flushed := make(chan error, 1)
			go func() {
				flushed <- m.Flush(false)
			}()
			assert.Eventually(t, func() bool { return waitingFor(m, testKey(0)) }, time.Second, time.Millisecond)

			// the holder of page 0 goes on to page 2 while flush waits for page 0
			within(t, func() error {
				if _, err := m.LoadAndLockForRead(holder, testFile, testExt, 2); err != nil {
					return err
				}
				m.ReleaseReadLock(holder, testFile, testExt, 2)
				return nil
			})
			select {
			case <-flushed:
				t.Fatal("flush did not wait for the locked page")
			default:
			}

			m.ReleaseWriteLock(holder, testFile, testExt, 0)
			select {
			case err := <-flushed:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("flush was not resumed")
			}
			assert.ElementsMatch(t, []int64{0, testPageSize}, writtenOffsets(m))
			assert.Equal(t, content('a'), m.TestingDiskManager().TestingWrites()[1].Data)
		})
	}
}

func TestClearWaitsForLockedPage(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 4})
			holder := WithOwner(context.Background(), NewOwner())
			_, err := m.LoadAndLockForWrite(holder, testFile, testExt, 0)
			require.NoError(t, err)
			touch(t, m, 1)

			cleared := make(chan error, 1)
			go func() {
				cleared <- m.Clear()
			}()
			assert.Eventually(t, func() bool { return waitingFor(m, testKey(0)) }, time.Second, time.Millisecond)
			within(t, func() error { return touchPage(m, 2) })

			m.ReleaseWriteLock(holder, testFile, testExt, 0)
			select {
			case err := <-cleared:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("clear was not resumed")
			}
			assert.Equal(t, 0, m.Stats().Resident)
			assert.Equal(t, 0, liveBlocks(m))
			assert.Equal(t, []int64{0}, writtenOffsets(m))
		})
	}
}

func TestConcurrentWriters(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 3, ParkedPages: 2})
			var eg errgroup.Group
			for w := 0; w < 8; w++ {
				eg.Go(func() error {
					ctx := WithOwner(context.Background(), NewOwner())
					for i := 0; i < 50; i++ {
						idx := page.PageID(i % 6)
						h, err := m.LoadAndLockForWrite(ctx, testFile, testExt, idx)
						if err != nil {
							return err
						}
						// first byte counts increments of the page
						m.Bytes(h, testPageSize)[0]++
						m.ReleaseWriteLock(ctx, testFile, testExt, idx)
					}
					return nil
				})
			}
			require.NoError(t, eg.Wait())

			total := 0
			for idx := page.PageID(0); idx < 6; idx++ {
				total += int(readPage(t, m, idx)[0])
			}
			assert.Equal(t, 400, total)
		})
	}
}

func TestCacheHit(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			t.Run("not cached", func(t *testing.T) {
				m := newTestManager(t, Config{Policy: policy, MaxPages: 2})
				h, err := m.TestingAllocator().Allocate(testPageSize)
				require.NoError(t, err)
				copy(m.Bytes(h, testPageSize), content('h'))

				require.NoError(t, m.CacheHit(testFile, testExt, 0, h, false))
				m.TestingDiskManager().TestingFailIO(true, false)
				assert.Equal(t, content('h'), readPage(t, m, 0))
				assert.Equal(t, 1, liveBlocks(m))
			})
			t.Run("already cached", func(t *testing.T) {
				m := newTestManager(t, Config{Policy: policy, MaxPages: 2})
				writePage(t, m, 0, content('a'))
				h, err := m.TestingAllocator().Allocate(testPageSize)
				require.NoError(t, err)

				require.NoError(t, m.CacheHit(testFile, testExt, 0, h, false))
				// the cached content is kept and the supplied memory is freed
				assert.Equal(t, content('a'), readPage(t, m, 0))
				assert.Equal(t, 1, liveBlocks(m))
			})
			t.Run("externally managed", func(t *testing.T) {
				m := newTestManager(t, Config{Policy: policy, MaxPages: 1})
				h, err := m.TestingAllocator().Allocate(testPageSize)
				require.NoError(t, err)
				copy(m.Bytes(h, testPageSize), content('e'))
				require.NoError(t, m.CacheHit(testFile, testExt, 0, h, true))

				// evict the external page
				touch(t, m, 1)
				// the pool never frees external memory
				assert.Equal(t, 2, liveBlocks(m))
				assert.Equal(t, content('e'), m.Bytes(h, testPageSize))
				assert.Equal(t, 0, m.Stats().Parked)
				require.NoError(t, m.Clear())
				assert.Equal(t, 1, liveBlocks(m))
			})
		})
	}
}

func TestCacheHitFailureFreesMemory(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 1, ParkedPages: 1})
			// page 1 is resident and dirty, and no room can be made for another page
			writePage(t, m, 0, content('a'))
			writePage(t, m, 1, content('b'))
			m.TestingDiskManager().TestingFailIO(false, true)
			live := liveBlocks(m)

			tests := []struct {
				name     string
				fileName string
				idx      page.PageID
			}{
				{name: "new page", fileName: testFile, idx: 5},
				{name: "file not opened", fileName: "orders", idx: 0},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					h, err := m.TestingAllocator().Allocate(testPageSize)
					require.NoError(t, err)
					assert.Error(t, m.CacheHit(tt.fileName, testExt, tt.idx, h, false))
					assert.Equal(t, live, liveBlocks(m))

					// externally managed memory stays with the caller
					h, err = m.TestingAllocator().Allocate(testPageSize)
					require.NoError(t, err)
					assert.Error(t, m.CacheHit(tt.fileName, testExt, tt.idx, h, true))
					assert.Equal(t, live+1, liveBlocks(m))
					m.TestingAllocator().Free(h)
				})
			}
		})
	}
}

func TestAllocateAndLockForWriteFailureKeepsFileSize(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 1, ParkedPages: 1})
			writePage(t, m, 0, content('a'))
			writePage(t, m, 1, content('b'))
			before, err := m.GetFilledUpTo(testFile, testExt)
			require.NoError(t, err)

			// no room is made because the dirty victim cannot be written
			m.TestingDiskManager().TestingFailIO(false, true)
			_, _, err = m.AllocateAndLockForWrite(context.Background(), testFile, testExt)
			assert.Error(t, err)
			after, err := m.GetFilledUpTo(testFile, testExt)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestAmbiguousFileIdentity(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	err := m.OpenFile(testFileConfig, "pcl.idx")
	assert.ErrorIs(t, err, common.ErrInvalidFileIdentity)

	require.NoError(t, m.OpenFile(disk.FileConfig{Name: "users.v2", PageSize: testPageSize}, testExt))
	// users + v2.pcl would build the same identity as users.v2 + pcl
	_, err = m.LoadAndLockForRead(context.Background(), testFile, "v2.pcl", 0)
	assert.ErrorIs(t, err, common.ErrInvalidFileIdentity)
	_, err = m.LoadAndLockForRead(context.Background(), "users.v2", testExt, 0)
	assert.NoError(t, err)
	m.ReleaseReadLock(context.Background(), "users.v2", testExt, 0)
}

func TestCloseFile(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 1})
			writePage(t, m, 0, content('a'))
			// page 0 is evicted (ghost in ARC, parked in deferred LRU)
			writePage(t, m, 1, content('b'))
			require.NoError(t, m.CloseFile(testFile, testExt))

			assert.ElementsMatch(t, []int64{0, testPageSize}, writtenOffsets(m))
			assert.Equal(t, Stats{MaxPages: 1, Target: m.Stats().Target}, m.Stats())
			assert.Equal(t, 0, liveBlocks(m))
			_, err := m.LoadAndLockForRead(context.Background(), testFile, testExt, 0)
			assert.ErrorIs(t, err, ErrFileNotOpened)
			assert.NoError(t, m.CloseFile(testFile, testExt))

			require.NoError(t, m.OpenFile(testFileConfig, testExt))
			assert.Equal(t, content('a'), readPage(t, m, 0))
			assert.Equal(t, content('b'), readPage(t, m, 1))
		})
	}
}

func TestDeleteFile(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 2})
			writePage(t, m, 0, content('a'))
			writePage(t, m, 1, content('b'))
			require.NoError(t, m.DeleteFile(testFile, testExt))

			// dirty pages of deleted file are never written
			assert.Empty(t, m.TestingDiskManager().TestingWrites())
			assert.Equal(t, 0, liveBlocks(m))
			_, err := m.LoadAndLockForRead(context.Background(), testFile, testExt, 0)
			assert.ErrorIs(t, err, ErrFileNotOpened)

			// the file is created again
			require.NoError(t, m.OpenFile(testFileConfig, testExt))
			n, err := m.GetFilledUpTo(testFile, testExt)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), n)
		})
	}
}

func TestTruncateFile(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 2})
			writePage(t, m, 0, content('a'))
			writePage(t, m, 1, content('b'))
			require.NoError(t, m.TruncateFile(testFile, testExt))

			assert.Empty(t, m.TestingDiskManager().TestingWrites())
			assert.Equal(t, 0, liveBlocks(m))
			n, err := m.GetFilledUpTo(testFile, testExt)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), n)
			// the file stays opened
			assert.Equal(t, content(0), readPage(t, m, 0))
		})
	}
}

func TestFlushSyncsFiles(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	writePage(t, m, 0, content('a'))
	require.NoError(t, m.Flush(true))

	dm := m.TestingDiskManager()
	assert.Equal(t, []int64{0}, writtenOffsets(m))
	assert.Equal(t, 1, dm.TestingSyncs(dm.Path(common.NewFileIdentity(testFile, testExt))))

	// clean pages are not written again
	require.NoError(t, m.Flush(false))
	assert.Equal(t, []int64{0}, writtenOffsets(m))
	// the page stays resident
	assert.Equal(t, 1, m.Stats().Resident)
}

func TestClearDirtyFlagOfResidentPage(t *testing.T) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			m := newTestManager(t, Config{Policy: policy, MaxPages: 2})
			writePage(t, m, 0, content('a'))
			m.ClearDirtyFlag(testFile, testExt, 0)
			require.NoError(t, m.Flush(false))
			assert.Empty(t, m.TestingDiskManager().TestingWrites())
			// the content stays in memory
			assert.Equal(t, content('a'), readPage(t, m, 0))
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newTestManager(t, Config{Policy: PolicyARC, MaxPages: 2}, WithRegisterer(reg))
	touch(t, m, 0)
	touch(t, m, 0)
	touch(t, m, 1)
	touch(t, m, 2)
	touch(t, m, 1)
	writePage(t, m, 0, content('a'))
	require.NoError(t, m.Flush(false))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.hits))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.metrics.misses.WithLabelValues(missCold)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.misses.WithLabelValues(missRecency)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.misses.WithLabelValues(missFrequency)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.metrics.evictions.WithLabelValues(string(PolicyARC))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.flushedPages))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.metrics.residentPages))

	count, err := testutil.GatherAndCount(reg, "pagecache_hits_total", "pagecache_resident_pages")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// registering twice fails
	_, err = TestingNewManager(DefaultConfig(), WithRegisterer(reg))
	assert.Error(t, err)
}

func TestLoggerOption(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := newTestManager(t, Config{Policy: PolicyDeferredLRU, MaxPages: 1}, WithLogger(zap.New(core)))
	writePage(t, m, 0, content('a'))
	touch(t, m, 1)
	require.NoError(t, m.Flush(false))
	require.NoError(t, m.CloseFile(testFile, testExt))

	assert.Equal(t, 1, logs.FilterMessage("file opened").Len())
	assert.Equal(t, 1, logs.FilterMessage("page evicted").Len())
	assert.Equal(t, 1, logs.FilterMessage("parked pages flushed").Len())
	assert.Equal(t, 1, logs.FilterMessage("file closed").Len())

	m.TestingDiskManager().TestingFailIO(false, true)
	require.NoError(t, m.OpenFile(testFileConfig, testExt))
	writePage(t, m, 0, content('b'))
	assert.Error(t, m.Flush(false))
	assert.Equal(t, 1, logs.FilterMessage("failed to write page").FilterLevelExact(zap.WarnLevel).Len())
}
