package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	pagemanager "github.com/sushant-115/hdbstore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMaxOpenFiles bounds how many registered files keep an open descriptor.
const DefaultMaxOpenFiles = 64

// DiskManager is the file-backed block store and appender. Files are
// registered by name and addressed by handle afterwards; descriptors are
// opened lazily and kept in an LRU so a large number of registered files
// does not exhaust descriptors.
//
// All I/O is serialized by mu.
type DiskManager struct {
	blockSize int
	logger    *zap.Logger

	mu         sync.Mutex
	paths      map[pagemanager.FileHandle]string
	handles    map[string]pagemanager.FileHandle
	nextHandle pagemanager.FileHandle
	open       *lru.Cache[pagemanager.FileHandle, *os.File]
	closeErr   error // close failures of evicted descriptors, reported by Close
	closed     bool
}

// NewDiskManager creates a DiskManager for blocks of blockSize bytes.
func NewDiskManager(blockSize, maxOpenFiles int, logger *zap.Logger) (*DiskManager, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if maxOpenFiles <= 0 {
		maxOpenFiles = DefaultMaxOpenFiles
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{
		blockSize:  blockSize,
		logger:     logger.Named("disk_manager"),
		paths:      make(map[pagemanager.FileHandle]string),
		handles:    make(map[string]pagemanager.FileHandle),
		nextHandle: 1,
	}
	cache, err := lru.NewWithEvict(maxOpenFiles, dm.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create open file cache: %w", err)
	}
	dm.open = cache
	return dm, nil
}

// onEvict runs in the goroutine that triggered the eviction, which always
// holds dm.mu.
func (dm *DiskManager) onEvict(handle pagemanager.FileHandle, f *os.File) {
	if err := f.Close(); err != nil {
		dm.closeErr = multierr.Append(dm.closeErr, fmt.Errorf("closing %s: %w", f.Name(), err))
		dm.logger.Warn("Failed to close evicted file", zap.Uint32("handle", uint32(handle)), zap.Error(err))
		return
	}
	dm.logger.Debug("Closed evicted file descriptor", zap.Uint32("handle", uint32(handle)), zap.String("path", f.Name()))
}

// GetBlockSize returns the block size every read and write uses.
func (dm *DiskManager) GetBlockSize() int {
	return dm.blockSize
}

// Register records filename and returns its handle. Registering the same
// path twice returns the same handle. The file is not touched.
func (dm *DiskManager) Register(filename string) (pagemanager.FileHandle, error) {
	path, err := filepath.Abs(filename)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", filename, err)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return 0, ErrDiskManagerClosed
	}
	if h, ok := dm.handles[path]; ok {
		return h, nil
	}
	h := dm.nextHandle
	dm.nextHandle++
	dm.paths[h] = path
	dm.handles[path] = h
	dm.logger.Debug("Registered file", zap.Uint32("handle", uint32(h)), zap.String("path", path))
	return h, nil
}

// Unregister forgets handle and closes its descriptor. Unknown handles are
// ignored.
func (dm *DiskManager) Unregister(handle pagemanager.FileHandle) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	path, ok := dm.paths[handle]
	if !ok {
		return
	}
	dm.open.Remove(handle)
	delete(dm.paths, handle)
	delete(dm.handles, path)
}

// Path returns the path registered for handle.
func (dm *DiskManager) Path(handle pagemanager.FileHandle) (string, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	p, ok := dm.paths[handle]
	return p, ok
}

// fileFor returns an open descriptor for handle. create controls whether a
// missing file is created; reads fall back to a read-only descriptor when the
// file cannot be opened for writing. Must be called with dm.mu held.
func (dm *DiskManager) fileFor(handle pagemanager.FileHandle, create bool) (*os.File, error) {
	if dm.closed {
		return nil, ErrDiskManagerClosed
	}
	if f, ok := dm.open.Get(handle); ok {
		return f, nil
	}
	path, ok := dm.paths[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrFileNotRegistered, handle)
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil && !create && errors.Is(err, fs.ErrPermission) {
		// Read-only data files stay readable; writes to them fail with ErrIO.
		f, err = os.Open(path)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: file %s does not exist", ErrBlockNotFound, path)
		}
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	dm.open.Add(handle, f)
	return f, nil
}

// ReadBlock fills frame with block number block of the file. frame must be
// exactly one block long. A short final block is zero padded; a block past
// the end of the file (or a missing file) yields ErrBlockNotFound.
func (dm *DiskManager) ReadBlock(handle pagemanager.FileHandle, block uint32, frame []byte) error {
	if len(frame) != dm.blockSize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidBlockSize, len(frame), dm.blockSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	f, err := dm.fileFor(handle, false)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrIO, f.Name(), err)
	}
	offset := int64(block) * int64(dm.blockSize)
	if offset >= info.Size() {
		return fmt.Errorf("%w: block %d of %s (size %d)", ErrBlockNotFound, block, f.Name(), info.Size())
	}
	n, err := f.ReadAt(frame, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading block %d of %s: %v", ErrIO, block, f.Name(), err)
	}
	clear(frame[n:])
	return nil
}

// WriteBlock writes data as block number block, creating the file if needed.
func (dm *DiskManager) WriteBlock(handle pagemanager.FileHandle, block uint32, data []byte) error {
	if len(data) != dm.blockSize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidBlockSize, len(data), dm.blockSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	f, err := dm.fileFor(handle, true)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, int64(block)*int64(dm.blockSize)); err != nil {
		return fmt.Errorf("%w: writing block %d of %s: %v", ErrIO, block, f.Name(), err)
	}
	return nil
}

// Append writes p at the current end of the file, creating it if needed.
func (dm *DiskManager) Append(handle pagemanager.FileHandle, p []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	f, err := dm.fileFor(handle, true)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("%w: seeking end of %s: %v", ErrIO, f.Name(), err)
	}
	if _, err := f.Write(p); err != nil {
		return fmt.Errorf("%w: appending to %s: %v", ErrIO, f.Name(), err)
	}
	return nil
}

// Sync flushes the file's contents to stable storage.
func (dm *DiskManager) Sync(handle pagemanager.FileHandle) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	f, err := dm.fileFor(handle, true)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, f.Name(), err)
	}
	return nil
}

// NumBlocks returns the number of blocks in the file, counting a partial
// final block. A missing file has zero blocks.
func (dm *DiskManager) NumBlocks(handle pagemanager.FileHandle) (uint32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	f, err := dm.fileFor(handle, false)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return 0, nil
		}
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, f.Name(), err)
	}
	bs := int64(dm.blockSize)
	return uint32((info.Size() + bs - 1) / bs), nil
}

// Close closes every open descriptor. Further calls fail with
// ErrDiskManagerClosed.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return nil
	}
	dm.open.Purge()
	dm.closed = true
	err := dm.closeErr
	dm.closeErr = nil
	dm.logger.Info("DiskManager closed", zap.Int("registeredFiles", len(dm.paths)))
	return err
}
