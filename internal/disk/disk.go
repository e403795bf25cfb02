// Package disk implements the DiskManager collaborator the buffer pool
// reads and writes through: raw page I/O and page id allocation/
// deallocation. The buffer pool never interprets page bytes or reaches
// into this package's internals beyond the Manager interface.
package disk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/novabuf/bufferpool/internal/page"
)

const (
	logPrefix = "disk: "

	fileMode0644 = 0o644
	fileMode0755 = 0o755
)

// Manager is the disk-manager surface the buffer pool depends on.
// Implementations are assumed thread-safe or externally serialized.
type Manager interface {
	ReadPage(id page.ID, dst *page.Page) error
	WritePage(id page.ID, src *page.Page) error
	AllocatePage() (page.ID, error)
	DeallocatePage(id page.ID) error
}

var _ Manager = (*FileManager)(nil)

// FileManager is a single growing file holding fixed-size pages back to
// back, addressed by page.ID * page.Size. Freed page ids are tracked in a
// bitset and handed back out before the file is extended, so AllocatePage
// reuses space left by DeallocatePage instead of leaking it.
type FileManager struct {
	mu     sync.Mutex
	f      *os.File
	nextID uint32
	free   *bitset.BitSet
}

// Open opens (creating if necessary) the database file at path.
func Open(path string) (*FileManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, fileMode0644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}

	return &FileManager{
		f:      f,
		nextID: uint32(info.Size() / page.Size),
		free:   bitset.New(0),
	}, nil
}

// Close closes the underlying file.
func (m *FileManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}

// ReadPage reads page id into dst. Reading past the end of the file (a page
// that was allocated but never written) yields a zero-filled page.
func (m *FileManager) ReadPage(id page.ID, dst *page.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := int64(id) * page.Size
	n, err := m.f.ReadAt(dst.Buf[:], off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("disk: read page %d: %w", id, err)
	}
	for i := n; i < page.Size; i++ {
		dst.Buf[i] = 0
	}

	slog.Debug(logPrefix+"read page", "pageID", id)
	return nil
}

// WritePage writes src to page id's slot in the file.
func (m *FileManager) WritePage(id page.ID, src *page.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := int64(id) * page.Size
	n, err := m.f.WriteAt(src.Buf[:], off)
	if err != nil {
		return fmt.Errorf("disk: write page %d: %w", id, err)
	}
	if n != page.Size {
		return fmt.Errorf("disk: write page %d: %w", id, io.ErrShortWrite)
	}

	slog.Debug(logPrefix+"wrote page", "pageID", id)
	return nil
}

// AllocatePage returns a fresh page id, preferring one freed by a prior
// DeallocatePage over extending the file.
func (m *FileManager) AllocatePage() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.free.NextSet(0); ok {
		m.free.Clear(idx)
		slog.Debug(logPrefix+"allocate page (reused)", "pageID", idx)
		return page.ID(idx), nil
	}

	id := m.nextID
	m.nextID++
	slog.Debug(logPrefix+"allocate page (new)", "pageID", id)
	return page.ID(id), nil
}

// DeallocatePage marks id as free for reuse by a future AllocatePage.
func (m *FileManager) DeallocatePage(id page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.free.Set(uint(id))
	slog.Debug(logPrefix+"deallocate page", "pageID", id)
	return nil
}

// OpenInDir opens (creating if necessary) a database file named name inside
// dir, creating dir itself if it doesn't exist.
func OpenInDir(dir, name string) (*FileManager, error) {
	if err := os.MkdirAll(dir, fileMode0755); err != nil {
		return nil, fmt.Errorf("disk: create dir %s: %w", dir, err)
	}
	return Open(filepath.Join(dir, name))
}
