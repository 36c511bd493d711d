/*
Page lock table provides advisory read/write lock per page key.
This corresponds to buffer content lock in postgres, but the lock is keyed by page key instead of buffer id,
because the same page may move between memory blocks (ex: parked and revived in deferred LRU).

Rules:
- many readers or one writer per key.
- when a writer is waiting, new readers wait too so that writers are not starved.
- the lock is reentrant per (owner, key, mode). the owner is carried in context (see WithOwner).
  anonymous owner (zero) is never reentrant.
- the owner holding write lock may also acquire read lock of the same key.
- upgrade from read to write is not supported and blocks forever.
- releasing a lock which is not held is caller misuse and panics.

The buffer pool never waits for a page lock while holding its bookkeeping lock.
It uses tryAcquire under the bookkeeping lock, and when that fails it releases the bookkeeping lock
and waits (acquire for one key, or waitRelease for any key).

Goroutines are not identified in go, so the caller who wants reentrancy has to bring its own owner.
*/
package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/HayatoShiba/pagecache/storage/page"
)

// Owner identifies the holder of page locks
type Owner uint64

// anonymousOwner is the owner of context without owner
const anonymousOwner Owner = 0

// ownerSeq is used for issuing owners
var ownerSeq atomic.Uint64

// NewOwner issues a new owner
func NewOwner() Owner {
	return Owner(ownerSeq.Add(1))
}

type ownerKey struct{}

// WithOwner returns context carrying the owner
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// ownerFrom returns the owner carried in context
func ownerFrom(ctx context.Context) Owner {
	if ctx == nil {
		return anonymousOwner
	}
	o, _ := ctx.Value(ownerKey{}).(Owner)
	return o
}

// lockMode is read or write
type lockMode int

const (
	modeRead lockMode = iota
	modeWrite
)

func (mode lockMode) String() string {
	if mode == modeWrite {
		return "write"
	}
	return "read"
}

// lockEntry is the lock state of one key
type lockEntry struct {
	// cond is signaled on every release
	cond *sync.Cond
	// readers is read hold count per owner
	readers map[Owner]int
	// nreaders is the sum of readers
	nreaders int
	// writer is valid only when writes > 0
	writer Owner
	// writes is write hold count of writer
	writes int
	// waitingWriters is the number of writers waiting
	waitingWriters int
	// waiters is the number of goroutines sleeping on cond
	waiters int
}

func (e *lockEntry) canRead(o Owner) bool {
	if e.writes > 0 {
		return o != anonymousOwner && e.writer == o
	}
	if e.waitingWriters > 0 {
		// the reader already holding this lock proceeds to avoid self-deadlock
		return o != anonymousOwner && e.readers[o] > 0
	}
	return true
}

func (e *lockEntry) canWrite(o Owner) bool {
	if e.writes > 0 {
		return o != anonymousOwner && e.writer == o
	}
	return e.nreaders == 0
}

func (e *lockEntry) idle() bool {
	return e.nreaders == 0 && e.writes == 0 && e.waiters == 0 && e.waitingWriters == 0
}

// lockTable is page lock table
type lockTable struct {
	mu      sync.Mutex
	entries map[page.Key]*lockEntry
	// gen is incremented on every release
	gen uint64
	// released is broadcast on every release
	released *sync.Cond
}

func newLockTable() *lockTable {
	t := &lockTable{
		entries: make(map[page.Key]*lockEntry),
	}
	t.released = sync.NewCond(&t.mu)
	return t
}

// entry returns the lock state of key. the caller must hold mu
func (t *lockTable) entry(key page.Key) *lockEntry {
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{
			cond:    sync.NewCond(&t.mu),
			readers: make(map[Owner]int),
		}
		t.entries[key] = e
	}
	return e
}

// tryAcquire acquires the lock of key in mode only when it is available now
func (t *lockTable) tryAcquire(o Owner, key page.Key, mode lockMode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(key)
	switch mode {
	case modeRead:
		if !e.canRead(o) {
			t.forgetIfIdle(key, e)
			return false
		}
		e.readers[o]++
		e.nreaders++
	case modeWrite:
		// waiting writers go first unless o already holds write lock
		if !e.canWrite(o) || (e.writes == 0 && e.waitingWriters > 0) {
			t.forgetIfIdle(key, e)
			return false
		}
		e.writer = o
		e.writes++
	}
	return true
}

// generation returns the number of releases so far
func (t *lockTable) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// waitRelease blocks until any lock is released after gen was observed
func (t *lockTable) waitRelease(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.gen == gen {
		t.released.Wait()
	}
}

func (t *lockTable) forgetIfIdle(key page.Key, e *lockEntry) {
	if e.idle() {
		delete(t.entries, key)
	}
}

// acquire blocks until the lock of key is acquired in mode
func (t *lockTable) acquire(o Owner, key page.Key, mode lockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(key)
	switch mode {
	case modeRead:
		for !e.canRead(o) {
			e.wait()
		}
		e.readers[o]++
		e.nreaders++
	case modeWrite:
		e.waitingWriters++
		for !e.canWrite(o) {
			e.wait()
		}
		e.waitingWriters--
		e.writer = o
		e.writes++
	}
}

func (e *lockEntry) wait() {
	e.waiters++
	e.cond.Wait()
	e.waiters--
}

// release releases the lock of key held in mode
func (t *lockTable) release(o Owner, key page.Key, mode lockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		panic(fmt.Sprintf("%s lock of %s is released but not held", mode, key))
	}
	switch mode {
	case modeRead:
		if e.readers[o] == 0 {
			panic(fmt.Sprintf("read lock of %s is released but not held by owner %d", key, o))
		}
		e.readers[o]--
		if e.readers[o] == 0 {
			delete(e.readers, o)
		}
		e.nreaders--
	case modeWrite:
		if e.writes == 0 || e.writer != o {
			panic(fmt.Sprintf("write lock of %s is released but not held by owner %d", key, o))
		}
		e.writes--
		if e.writes == 0 {
			e.writer = anonymousOwner
		}
	}
	e.cond.Broadcast()
	t.forgetIfIdle(key, e)
	t.gen++
	t.released.Broadcast()
}

// holders returns hold counts of key. this is for inspection
func (t *lockTable) holders(key page.Key) (readers, writes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return 0, 0
	}
	return e.nreaders, e.writes
}

// size returns the number of keys with lock state
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
