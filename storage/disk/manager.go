/*
Disk manager deals with the paged files under base directory.
The buffer pool reads and writes pages through the files this manager hands out.

The implementation of disk manager is based on src/backend/storage/smgr directory in postgres.
See smgr README https://github.com/postgres/postgres/blob/b0a55e43299c4ea2a9a8c757f9c26352407d0ccc/src/backend/storage/smgr/README#L1

Each paged file is divided into segments of fixed size (1GB by default, like postgres RELSEG_SIZE)
so that one logical file never becomes too large for the filesystem.
*/
package disk

import (
	"os"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/pagecache/common"
	"github.com/HayatoShiba/pagecache/storage/page"
)

var (
	// ErrFileNotFound is returned when the file does not exist
	ErrFileNotFound = errors.New("file not found")
	// ErrFileExists is returned when the file to create already exists
	ErrFileExists = errors.New("file already exists")
	// ErrClosed is returned when the file is not opened
	ErrClosed = errors.New("file is not opened")
	// ErrOutOfBounds is returned when read range exceeds the filled size
	ErrOutOfBounds = errors.New("read beyond filled size")
	// ErrInvalidConfig is returned when file config is invalid
	ErrInvalidConfig = errors.New("invalid file config")
)

// DefaultSegmentSize is the byte size of one segment
const DefaultSegmentSize int64 = 1 << 30

// FileConfig is the configuration of paged file
type FileConfig struct {
	// Name is the file name without extension
	Name string `yaml:"name"`
	// PageSize is the byte size of page. page.DefaultPageSize is used when zero
	PageSize int `yaml:"page_size"`
	// SegmentSize is the byte size of each segment. it is rounded down to multiple of page size.
	// DefaultSegmentSize is used when zero
	SegmentSize int64 `yaml:"segment_size"`
}

// normalize fills default values and validates config
func (cfg FileConfig) normalize() (FileConfig, error) {
	if cfg.Name == "" {
		return cfg, errors.Wrap(ErrInvalidConfig, "name is empty")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = page.DefaultPageSize
	}
	if cfg.PageSize < 0 {
		return cfg, errors.Wrapf(ErrInvalidConfig, "page size %d", cfg.PageSize)
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	cfg.SegmentSize -= cfg.SegmentSize % int64(cfg.PageSize)
	if cfg.SegmentSize <= 0 {
		return cfg, errors.Wrapf(ErrInvalidConfig, "segment size is smaller than page size %d", cfg.PageSize)
	}
	return cfg, nil
}

// Manager manages paged files under base directory
type Manager struct {
	baseDir string
	opener  opener
}

// NewManager initializes disk manager. at most maxOpenFiles idle descriptors are kept open
func NewManager(baseDir string, maxOpenFiles int) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, errors.Wrap(err, "os.MkdirAll failed")
	}
	fo, err := newFileOpener(maxOpenFiles)
	if err != nil {
		return nil, errors.Wrap(err, "newFileOpener failed")
	}
	return &Manager{
		baseDir: baseDir,
		opener:  fo,
	}, nil
}

// File returns the paged file of cfg with extension. the file is neither opened nor created yet
func (m *Manager) File(cfg FileConfig, extension string) (*File, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, errors.Wrap(err, "normalize failed")
	}
	if err := common.ValidateFileIdentity(cfg.Name, extension); err != nil {
		return nil, errors.Wrap(err, "ValidateFileIdentity failed")
	}
	return newFile(m, common.NewFileIdentity(cfg.Name, extension), cfg), nil
}

// Path returns the path of the first segment of the file
func (m *Manager) Path(id common.FileIdentity) string {
	return getSegmentFilePath(m.baseDir, id, 0)
}
