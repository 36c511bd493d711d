package disk

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/common"
)

// File is paged file consisting of one or more segments.
// the byte offset of page is pageIndex * pageSize, and reads/writes may span segment boundaries.
// File is safe for concurrent use.
type File struct {
	mu          sync.Mutex
	m           *Manager
	id          common.FileIdentity
	pageSize    int
	segmentSize int64
	opened      bool
	// filledUpTo is the logical size of the file in bytes
	filledUpTo int64
}

// newFile initializes File
func newFile(m *Manager, id common.FileIdentity, cfg FileConfig) *File {
	return &File{
		m:           m,
		id:          id,
		pageSize:    cfg.PageSize,
		segmentSize: cfg.SegmentSize,
	}
}

// Identity returns the identity of file
func (f *File) Identity() common.FileIdentity {
	return f.id
}

// PageSize returns the page size of file
func (f *File) PageSize() int {
	return f.pageSize
}

// Exists checks whether the file exists on disk
func (f *File) Exists() bool {
	return f.m.opener.exists(f.segmentPath(0))
}

// IsOpened checks whether the file is opened
func (f *File) IsOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Create creates the empty file and opens it
func (f *File) Create() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Exists() {
		return errors.Wrap(ErrFileExists, f.id.String())
	}
	path := f.segmentPath(0)
	if _, err := f.m.opener.acquire(path, true); err != nil {
		return errors.Wrap(err, "acquire failed")
	}
	f.m.opener.release(path)
	f.opened = true
	f.filledUpTo = 0
	return nil
}

// Open opens the existing file. the filled size is the sum of segment sizes
func (f *File) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened {
		return nil
	}
	if !f.Exists() {
		return errors.Wrap(ErrFileNotFound, f.id.String())
	}
	var filled int64
	for segment := 0; f.m.opener.exists(f.segmentPath(segment)); segment++ {
		size, err := f.segmentSizeOf(segment)
		if err != nil {
			return errors.Wrap(err, "segmentSizeOf failed")
		}
		filled += size
	}
	f.filledUpTo = filled
	f.opened = true
	return nil
}

// FilledUpTo returns the logical size of the file in bytes
func (f *File) FilledUpTo() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filledUpTo
}

// AllocateSpace extends the file by size bytes and returns the offset of the allocated range.
// the allocated range is zero-filled
func (f *File) AllocateSpace(size int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return 0, errors.Wrap(ErrClosed, f.id.String())
	}
	offset := f.filledUpTo
	if err := f.extend(offset + size); err != nil {
		return 0, errors.Wrap(err, "extend failed")
	}
	return offset, nil
}

// ReadContinuously reads len(buf) bytes at offset into buf
func (f *File) ReadContinuously(offset int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return errors.Wrap(ErrClosed, f.id.String())
	}
	if offset < 0 || offset+int64(len(buf)) > f.filledUpTo {
		return errors.Wrapf(ErrOutOfBounds, "%s: offset %d, length %d, filled %d", f.id, offset, len(buf), f.filledUpTo)
	}
	return f.span(offset, buf, false, func(st storage, chunk []byte, off int64) error {
		n, err := st.ReadAt(chunk, off)
		if err != nil && !(errors.Is(err, io.EOF)) {
			return errors.Wrap(err, "ReadAt failed")
		}
		// the range not written yet is zero
		clear(chunk[n:])
		return nil
	})
}

// WriteContinuously writes buf at offset. the file is extended when buf goes beyond its end
func (f *File) WriteContinuously(offset int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return errors.Wrap(ErrClosed, f.id.String())
	}
	if offset < 0 {
		return errors.Errorf("negative offset %d", offset)
	}
	err := f.span(offset, buf, true, func(st storage, chunk []byte, off int64) error {
		n, err := st.WriteAt(chunk, off)
		if err != nil {
			return errors.Wrap(err, "WriteAt failed")
		}
		if n != len(chunk) {
			return errors.Errorf("WriteAt failed to write the whole chunk: %d", n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if end := offset + int64(len(buf)); end > f.filledUpTo {
		f.filledUpTo = end
	}
	return nil
}

// Truncate removes all content of the file
func (f *File) Truncate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return errors.Wrap(ErrClosed, f.id.String())
	}
	if err := f.removeSegmentsFrom(1); err != nil {
		return errors.Wrap(err, "removeSegmentsFrom failed")
	}
	err := f.withSegment(0, true, func(st storage) error {
		return st.Truncate(0)
	})
	if err != nil {
		return errors.Wrap(err, "Truncate failed")
	}
	f.filledUpTo = 0
	return nil
}

// Synch flushes the content of all segments to stable storage
func (f *File) Synch() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return nil
	}
	for segment := 0; segment < f.segmentCount(); segment++ {
		if err := f.withSegment(segment, true, func(st storage) error {
			return st.Sync()
		}); err != nil {
			return errors.Wrap(err, "Sync failed")
		}
	}
	return nil
}

// Close closes the file. closing closed file does nothing
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return nil
	}
	for segment := 0; segment < f.segmentCount(); segment++ {
		f.m.opener.forget(f.segmentPath(segment))
	}
	f.opened = false
	return nil
}

// Delete closes and removes all segments of the file
func (f *File) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeSegmentsFrom(0); err != nil {
		return errors.Wrap(err, "removeSegmentsFrom failed")
	}
	f.opened = false
	f.filledUpTo = 0
	return nil
}

// extend grows the file to size bytes. the caller must hold mu
func (f *File) extend(size int64) error {
	if size <= f.filledUpTo {
		return nil
	}
	first := f.segmentOf(f.filledUpTo)
	last := f.segmentOf(size - 1)
	for segment := first; segment <= last; segment++ {
		end := f.segmentSize
		if segment == last {
			end = size - int64(segment)*f.segmentSize
		}
		if err := f.withSegment(segment, true, func(st storage) error {
			return st.Truncate(end)
		}); err != nil {
			return errors.Wrap(err, "Truncate failed")
		}
	}
	f.filledUpTo = size
	return nil
}

// span splits the range [offset, offset+len(buf)) by segments and calls fn for each chunk.
// the caller must hold mu
func (f *File) span(offset int64, buf []byte, create bool, fn func(st storage, chunk []byte, off int64) error) error {
	for len(buf) > 0 {
		segment := f.segmentOf(offset)
		off := offset % f.segmentSize
		n := int64(len(buf))
		if rest := f.segmentSize - off; n > rest {
			n = rest
		}
		chunk := buf[:n]
		if err := f.withSegment(segment, create, func(st storage) error {
			return fn(st, chunk, off)
		}); err != nil {
			return err
		}
		buf = buf[n:]
		offset += n
	}
	return nil
}

// withSegment acquires the storage of segment during fn
func (f *File) withSegment(segment int, create bool, fn func(st storage) error) error {
	path := f.segmentPath(segment)
	st, err := f.m.opener.acquire(path, create)
	if err != nil {
		return errors.Wrap(err, "acquire failed")
	}
	defer f.m.opener.release(path)
	return fn(st)
}

// segmentSizeOf returns the size of segment on disk
func (f *File) segmentSizeOf(segment int) (int64, error) {
	var size int64
	err := f.withSegment(segment, false, func(st storage) error {
		var err error
		size, err = st.Size()
		return err
	})
	return size, err
}

// removeSegmentsFrom removes segments from the segment to the end. the caller must hold mu
func (f *File) removeSegmentsFrom(from int) error {
	for segment := from; f.m.opener.exists(f.segmentPath(segment)); segment++ {
		if err := f.m.opener.remove(f.segmentPath(segment)); err != nil {
			return errors.Wrap(err, "remove failed")
		}
	}
	return nil
}

// segmentCount returns the number of segments covering filled size (at least one)
func (f *File) segmentCount() int {
	if f.filledUpTo == 0 {
		return 1
	}
	return f.segmentOf(f.filledUpTo-1) + 1
}

func (f *File) segmentOf(offset int64) int {
	return int(offset / f.segmentSize)
}

func (f *File) segmentPath(segment int) string {
	return getSegmentFilePath(f.m.baseDir, f.id, segment)
}
