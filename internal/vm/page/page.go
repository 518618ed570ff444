// Package page implements the per-process supplemental page table: the
// bookkeeping needed to resolve a page fault for a page that isn't
// currently resident, grounded on the original source's page.c.
package page

import (
	"sync"

	"github.com/edukernel/edukernel/internal/diskfs/file"
	"github.com/edukernel/edukernel/internal/vm"
	"github.com/edukernel/edukernel/internal/vm/frame"
)

// Kind classifies how a non-resident page should be populated.
type Kind int

const (
	Code Kind = iota
	Stack
	Heap
	Mmap
)

// Entry describes one virtual page's backing, resident or not.
type Entry struct {
	Upage    uint32
	Writable bool
	Type     Kind

	InSwap    bool
	SwapIndex int

	File            *file.Handle
	FileOffset      int64
	PageReadBytes   uint32
	PageZeroBytes   uint32

	Frame *frame.Entry // non-nil while resident
}

// Table is one process's supplemental page table.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*Entry
}

func New() *Table {
	return &Table{entries: make(map[uint32]*Entry)}
}

func pageAlign(addr uint32) uint32 {
	return addr - (addr % vm.PageSize)
}

// Get returns the entry covering addr, if any.
func (t *Table) Get(addr uint32) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pageAlign(addr)]
	return e, ok
}

// Insert installs a new (not yet resident, or already-resident) entry.
func (t *Table) Insert(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Upage] = e
}

// Remove drops the entry for upage, e.g. when a page is unmapped.
func (t *Table) Remove(upage uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pageAlign(upage))
}

// All returns every entry, for process teardown (frees frames/swap slots)
// and fork-style enumeration.
func (t *Table) All() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}
