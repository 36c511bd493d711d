/*
ARC (adaptive replacement cache) keeps two resident lists and two ghost lists.
- T1: pages seen once recently
- T2: pages seen at least twice recently
- B1: keys recently evicted from T1 (ghost, no memory)
- B2: keys recently evicted from T2 (ghost, no memory)

p is the adaptive target size of T1.
A hit in B1 means T1 was too small, so p grows. A hit in B2 means T2 was too small, so p shrinks.

invariants:
- |T1| + |T2| <= maxSize
- |T2| + |B2| <= maxSize
- 0 <= p <= maxSize
- |T1| + |B1| <= maxSize before a page is inserted into T1

see "ARC: A Self-Tuning, Low Overhead Replacement Cache" by Nimrod Megiddo and Dharmendra S. Modha
https://www.usenix.org/legacy/events/fast03/tech/full_papers/megiddo/megiddo.pdf
*/
package buffer

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/HayatoShiba/pagecache/common"
	"github.com/HayatoShiba/pagecache/storage/page"
)

// arcPolicy is ARC
type arcPolicy struct {
	m       *Manager
	maxSize int
	// p is the target size of t1
	p              int
	t1, t2, b1, b2 *pageTable
}

func newARCPolicy(m *Manager, maxSize int) *arcPolicy {
	return &arcPolicy{
		m:       m,
		maxSize: maxSize,
		t1:      newPageTable(maxSize),
		t2:      newPageTable(maxSize),
		b1:      newPageTable(maxSize),
		b2:      newPageTable(maxSize),
	}
}

func (a *arcPolicy) load(key page.Key, fetch fetchFunc) (*descriptor, error) {
	// hit in t1: the page is seen twice, promote to t2
	if d, ok := a.t1.remove(key); ok {
		a.t2.putToMRU(d)
		a.trimFrequencyGhosts()
		a.m.metrics.hits.Inc()
		return d, nil
	}
	// hit in t2
	if d, ok := a.t2.get(key); ok {
		a.t2.putToMRU(d)
		a.m.metrics.hits.Inc()
		return d, nil
	}

	// hit in b1: recency list should be larger
	if a.b1.contains(key) {
		prevP := a.p
		delta := max(1, a.b2.size()/a.b1.size())
		a.p = min(a.p+delta, a.maxSize)

		// room is made before fetch, so at most maxSize pages hold memory
		if err := a.makeRoom(false); err != nil {
			a.p = prevP
			return nil, err
		}
		h, external, err := fetch(key)
		if err != nil {
			a.p = prevP
			return nil, errors.Wrap(err, "fetch failed")
		}
		d, _ := a.b1.remove(key)
		d.revive(h, external)
		a.t2.putToMRU(d)
		a.trimFrequencyGhosts()
		a.m.metrics.misses.WithLabelValues(missRecency).Inc()
		return d, nil
	}

	// hit in b2: frequency list should be larger
	if a.b2.contains(key) {
		prevP := a.p
		delta := max(1, a.b1.size()/a.b2.size())
		a.p = max(a.p-delta, 0)

		if err := a.makeRoom(true); err != nil {
			a.p = prevP
			return nil, err
		}
		h, external, err := fetch(key)
		if err != nil {
			a.p = prevP
			return nil, errors.Wrap(err, "fetch failed")
		}
		d, _ := a.b2.remove(key)
		d.revive(h, external)
		a.t2.putToMRU(d)
		a.m.metrics.misses.WithLabelValues(missFrequency).Inc()
		return d, nil
	}

	// complete miss
	if a.t1.size()+a.b1.size() >= a.maxSize {
		dropGhost := a.t1.size() < a.maxSize
		if err := a.makeRoom(false); err != nil {
			return nil, err
		}
		if dropGhost {
			a.b1.removeLRU()
		}
		// when t1 alone filled the cache, its LRU page became ghost of b1
		for a.t1.size()+a.b1.size() > a.maxSize {
			a.b1.removeLRU()
		}
	} else {
		dropGhost := a.t1.size()+a.t2.size()+a.b1.size()+a.b2.size() >= 2*a.maxSize && a.b2.size() > 0
		if err := a.makeRoom(false); err != nil {
			return nil, err
		}
		if dropGhost {
			a.b2.removeLRU()
		}
	}
	h, external, err := fetch(key)
	if err != nil {
		return nil, errors.Wrap(err, "fetch failed")
	}
	d := newDescriptor(key, h, external)
	a.t1.putToMRU(d)
	a.m.metrics.misses.WithLabelValues(missCold).Inc()
	return d, nil
}

// makeRoom calls replace only when resident lists are full
func (a *arcPolicy) makeRoom(inB2 bool) error {
	if a.t1.size()+a.t2.size() < a.maxSize {
		return nil
	}
	return a.replace(inB2)
}

// replace evicts one resident page into the ghost list.
// t1 is chosen when t1 exceeds target p (or equals p and the requested key is in b2),
// otherwise t2 is chosen. when every page of the chosen list is locked by callers (or the list is empty),
// the other list is used
func (a *arcPolicy) replace(inB2 bool) error {
	fromT1 := a.t1.size() > a.p || (inB2 && a.t1.size() == a.p)
	recency, frequency := [2]*pageTable{a.t1, a.b1}, [2]*pageTable{a.t2, a.b2}
	order := [][2]*pageTable{recency, frequency}
	if !fromT1 {
		order = [][2]*pageTable{frequency, recency}
	}
	for _, lists := range order {
		evicted, err := a.evict(lists[0], lists[1])
		if err != nil {
			return err
		}
		if evicted {
			a.trimFrequencyGhosts()
			return nil
		}
	}
	return errAllPagesLocked
}

// evict moves the least recently used page of from which no caller locks into ghost list to.
// the dirty page is written out before its memory is freed. when write fails, nothing is changed.
// false is returned when every page of from is locked
func (a *arcPolicy) evict(from, to *pageTable) (bool, error) {
	d, unlock, ok := a.m.lockVictim(from)
	if !ok {
		return false, nil
	}
	defer unlock()

	if d.isDirty() {
		if err := a.m.writePage(d); err != nil {
			return false, errors.Wrap(err, "writePage failed")
		}
	}
	from.remove(d.key)
	a.m.freeMemory(d)
	d.toGhost()
	to.putToMRU(d)
	a.m.metrics.evictions.WithLabelValues(string(PolicyARC)).Inc()
	a.m.logger.Debug("page evicted", zap.Stringer("key", d.key), zap.Int("p", a.p))
	return true, nil
}

// trimFrequencyGhosts keeps |t2|+|b2| <= maxSize
func (a *arcPolicy) trimFrequencyGhosts() {
	for a.t2.size()+a.b2.size() > a.maxSize && a.b2.size() > 0 {
		a.b2.removeLRU()
	}
}

func (a *arcPolicy) get(key page.Key) (*descriptor, bool) {
	if d, ok := a.t1.get(key); ok {
		return d, true
	}
	return a.t2.get(key)
}

func (a *arcPolicy) flush(mode lockMode) ([]*descriptor, error) {
	var busy []*descriptor
	for _, t := range []*pageTable{a.t1, a.t2} {
		var err error
		if busy, err = a.m.flushPages(t, mode, busy); err != nil {
			return busy, err
		}
	}
	return busy, nil
}

func (a *arcPolicy) clear() ([]page.Key, error) {
	var busy []page.Key
	for _, t := range []*pageTable{a.t1, a.t2} {
		locked, err := a.m.dropPages(t, func(page.Key) bool { return true }, true)
		busy = append(busy, locked...)
		if err != nil {
			return busy, err
		}
	}
	if len(busy) > 0 {
		return busy, nil
	}
	a.b1.clear()
	a.b2.clear()
	a.p = 0
	return nil, nil
}

func (a *arcPolicy) removeFile(id common.FileIdentity, writeBack bool) ([]page.Key, error) {
	inFile := func(key page.Key) bool { return key.File == id }
	var busy []page.Key
	for _, t := range []*pageTable{a.t1, a.t2} {
		locked, err := a.m.dropPages(t, inFile, writeBack)
		busy = append(busy, locked...)
		if err != nil {
			return busy, err
		}
	}
	for _, t := range []*pageTable{a.b1, a.b2} {
		for _, key := range t.keys() {
			if inFile(key) {
				t.remove(key)
			}
		}
	}
	return busy, nil
}

func (a *arcPolicy) clearDirtyFlag(key page.Key) {
	if d, ok := a.get(key); ok {
		d.clearDirty()
	}
}

func (a *arcPolicy) stats() Stats {
	return Stats{
		MaxPages: a.maxSize,
		Resident: a.t1.size() + a.t2.size(),
		Ghost:    a.b1.size() + a.b2.size(),
		Target:   a.p,
	}
}
