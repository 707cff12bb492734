// Package disk is the external collaborator the buffer pool reads
// through and writes back to: a flat, page-addressed file. It gives no
// concurrency guarantee beyond per-call atomicity of a single
// read/write/allocate — the buffer pool is the only thing that
// serializes access to a given page.
package disk

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/ZachVec/DatabaseSystem15445/storage/page"
)

// Manager is the disk manager every buffer.PoolManager is constructed
// with. Pages are addressed by page.ID and are page.Size bytes wide;
// AllocatePage hands out ids monotonically and DeallocatePage is
// intentionally a no-op (spec: "no-op allowed" — this module does no
// on-disk space reclamation, matching the Non-goal that there is no
// secondary allocator/catalog layer here).
type Manager interface {
	ReadPage(id page.ID, dst []byte) error
	WritePage(id page.ID, src []byte) error
	AllocatePage() page.ID
	DeallocatePage(id page.ID)
	Close() error
}

var _ Manager = (*FileManager)(nil)

// FileManager is a straightforward single-file disk manager: page N
// lives at byte offset N*page.Size. Grounded on disk/disk_manager.go's
// Manager, trimmed of its WAL/free-list bookkeeping (out of scope here).
type FileManager struct {
	mu         sync.Mutex
	file       *os.File
	lastPageID page.ID
}

// NewFileManager opens (creating if necessary) the backing file and
// recovers lastPageID from its current size so AllocatePage continues
// monotonically across restarts.
func NewFileManager(path string) (*FileManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	last := page.InvalidID
	if n := stat.Size() / int64(page.Size); n > 0 {
		last = page.ID(n - 1)
	}

	log.Printf("disk: opened %q, %d pages resident\n", path, stat.Size()/int64(page.Size))
	return &FileManager{file: f, lastPageID: last}, nil
}

func (m *FileManager) ReadPage(id page.ID, dst []byte) error {
	if len(dst) != page.Size {
		panic(fmt.Sprintf("disk: ReadPage destination must be %d bytes, got %d", page.Size, len(dst)))
	}

	off := int64(id) * int64(page.Size)
	n, err := m.file.ReadAt(dst, off)
	if err != nil {
		if err == io.EOF && n == 0 {
			// a page allocated but never written reads as zeros
			for i := range dst {
				dst[i] = 0
			}
			return nil
		}
		return err
	}
	return nil
}

func (m *FileManager) WritePage(id page.ID, src []byte) error {
	if len(src) != page.Size {
		panic(fmt.Sprintf("disk: WritePage source must be %d bytes, got %d", page.Size, len(src)))
	}

	off := int64(id) * int64(page.Size)
	n, err := m.file.WriteAt(src, off)
	if err != nil {
		return err
	}
	if n != page.Size {
		panic("disk: partial page write, this should not happen")
	}
	return nil
}

func (m *FileManager) AllocatePage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPageID++
	if m.lastPageID == page.HeaderID {
		m.lastPageID++
	}
	return m.lastPageID
}

func (m *FileManager) DeallocatePage(page.ID) {}

func (m *FileManager) Close() error {
	return m.file.Close()
}
