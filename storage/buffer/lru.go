/*
Deferred LRU keeps one resident list ordered by recency.
When a dirty page is evicted, it is not written out at once but parked.
When the parked pages reach the bound, all of them are written out in key order in a batch
and their memory is freed. Writing in key order makes the batch close to sequential IO.

Parked pages are not resident but still the authoritative copy of the page,
so the request for parked page revives it without IO.

External pages (memory supplied by the caller) are never parked:
they are written out at eviction if dirty, and their memory is never freed by the pool.
*/
package buffer

import (
	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pagecache/common"
	"github.com/HayatoShiba/pagecache/storage/page"
)

// lruPolicy is deferred LRU
type lruPolicy struct {
	m       *Manager
	maxSize int
	// bound is the max number of parked pages
	bound    int
	resident *pageTable
	// parked holds evicted dirty pages sorted by key
	parked *immutable.SortedMap[page.Key, *descriptor]
}

func newLRUPolicy(m *Manager, maxSize, bound int) *lruPolicy {
	return &lruPolicy{
		m:        m,
		maxSize:  maxSize,
		bound:    bound,
		resident: newPageTable(maxSize),
		parked:   immutable.NewSortedMap[page.Key, *descriptor](page.KeyComparer{}),
	}
}

func (l *lruPolicy) load(key page.Key, fetch fetchFunc) (*descriptor, error) {
	if d, ok := l.resident.get(key); ok {
		l.resident.putToMRU(d)
		l.m.metrics.hits.Inc()
		return d, nil
	}
	if d, ok := l.parked.Get(key); ok {
		l.parked = l.parked.Delete(key)
		if err := l.makeRoom(); err != nil {
			l.parked = l.parked.Set(key, d)
			return nil, err
		}
		l.resident.putToMRU(d)
		l.m.metrics.hits.Inc()
		return d, nil
	}

	if err := l.makeRoom(); err != nil {
		return nil, err
	}
	h, external, err := fetch(key)
	if err != nil {
		return nil, errors.Wrap(err, "fetch failed")
	}
	d := newDescriptor(key, h, external)
	l.resident.putToMRU(d)
	l.m.metrics.misses.WithLabelValues(missCold).Inc()
	return d, nil
}

// makeRoom evicts LRU pages until a page can be inserted
func (l *lruPolicy) makeRoom() error {
	for l.resident.size() >= l.maxSize {
		if err := l.evict(); err != nil {
			return err
		}
	}
	return nil
}

// evict evicts the least recently used page which no caller locks
func (l *lruPolicy) evict() error {
	d, unlock, ok := l.m.lockVictim(l.resident)
	if !ok {
		return errAllPagesLocked
	}
	defer unlock()

	switch {
	case d.isExternal():
		if d.isDirty() {
			if err := l.m.writePage(d); err != nil {
				return errors.Wrap(err, "writePage failed")
			}
		}
		l.resident.remove(d.key)
	case d.isDirty():
		if l.parked.Len() >= l.bound {
			if err := l.flushParked(); err != nil {
				return errors.Wrap(err, "flushParked failed")
			}
		}
		l.resident.remove(d.key)
		l.parked = l.parked.Set(d.key, d)
	default:
		l.resident.remove(d.key)
		l.m.freeMemory(d)
	}
	l.m.metrics.evictions.WithLabelValues(string(PolicyDeferredLRU)).Inc()
	l.m.logger.Debug("page evicted", zap.Stringer("key", d.key), zap.Bool("parked", d.isDirty() && !d.isExternal()))
	return nil
}

// flushParked writes out all parked pages in key order and frees them.
// when write fails, the pages written so far are freed and the rest stay parked
func (l *lruPolicy) flushParked() error {
	n := l.parked.Len()
	itr := l.parked.Iterator()
	for !itr.Done() {
		key, d, _ := itr.Next()
		if err := l.m.writePage(d); err != nil {
			return errors.Wrap(err, "writePage failed")
		}
		l.parked = l.parked.Delete(key)
		l.m.freeMemory(d)
	}
	if n > 0 {
		l.m.logger.Debug("parked pages flushed", zap.Int("pages", n))
	}
	return nil
}

func (l *lruPolicy) get(key page.Key) (*descriptor, bool) {
	return l.resident.get(key)
}

func (l *lruPolicy) flush(mode lockMode) ([]*descriptor, error) {
	busy, err := l.m.flushPages(l.resident, mode, nil)
	if err != nil {
		return busy, err
	}
	return busy, l.flushParked()
}

func (l *lruPolicy) clear() ([]page.Key, error) {
	busy, err := l.m.dropPages(l.resident, func(page.Key) bool { return true }, true)
	if err != nil {
		return busy, err
	}
	return busy, l.flushParked()
}

func (l *lruPolicy) removeFile(id common.FileIdentity, writeBack bool) ([]page.Key, error) {
	busy, err := l.m.dropPages(l.resident, func(key page.Key) bool { return key.File == id }, writeBack)
	if err != nil {
		return busy, err
	}
	itr := l.parked.Iterator()
	for !itr.Done() {
		key, d, _ := itr.Next()
		if key.File != id {
			continue
		}
		if writeBack {
			if err := l.m.writePage(d); err != nil {
				return busy, errors.Wrap(err, "writePage failed")
			}
		}
		l.parked = l.parked.Delete(key)
		l.m.freeMemory(d)
	}
	return busy, nil
}

// clearDirtyFlag drops parked page without write, or clears dirty flag of resident page
func (l *lruPolicy) clearDirtyFlag(key page.Key) {
	if d, ok := l.parked.Get(key); ok {
		l.parked = l.parked.Delete(key)
		l.m.freeMemory(d)
		return
	}
	if d, ok := l.resident.get(key); ok {
		d.clearDirty()
	}
}

func (l *lruPolicy) stats() Stats {
	return Stats{
		MaxPages: l.maxSize,
		Resident: l.resident.size(),
		Parked:   l.parked.Len(),
	}
}
