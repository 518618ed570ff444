// Package file implements per-descriptor open file handles: a reference to
// an open inode plus a byte cursor, generalized from the teacher's
// temp-file-backed cursor (fs/file.go) to this kernel's inode-sector
// cursor.
package file

import (
	"sync"

	"github.com/edukernel/edukernel/internal/diskfs/inode"
)

// Handle is one process's open reference to a file: an inode plus an
// independent seek position, matching POSIX open-file-description
// semantics (two opens of the same inode have independent cursors).
type Handle struct {
	reg   *inode.Registry
	inode *inode.Open

	mu     sync.Mutex
	cursor uint32
}

func Open(reg *inode.Registry, sector uint32) (*Handle, error) {
	o, err := reg.Open(sector)
	if err != nil {
		return nil, err
	}
	return &Handle{reg: reg, inode: o}, nil
}

func (h *Handle) Inode() *inode.Open { return h.inode }

func (h *Handle) Close() error {
	return h.reg.Close(h.inode)
}

// Read reads at the cursor and advances it by the number of bytes read.
func (h *Handle) Read(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.inode.ReadAt(buf, h.cursor)
	h.cursor += uint32(n)
	return n, err
}

// Write writes at the cursor, growing the file as needed, and advances
// the cursor by the number of bytes written.
func (h *Handle) Write(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.inode.WriteAt(buf, h.cursor)
	h.cursor += uint32(n)
	return n, err
}

func (h *Handle) Seek(pos uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cursor = pos
}

func (h *Handle) Tell() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

func (h *Handle) Length() uint32 {
	return h.inode.Length()
}
