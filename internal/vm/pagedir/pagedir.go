// Package pagedir is a concrete stand-in for the page-directory / MMU
// contract spec.md assumes is already available: a per-process map from
// virtual page number to physical frame, plus a writable bit. There is no
// real MMU in a user-space simulator, so this is simply a guarded map, but
// it is kept as its own package so the rest of the kernel depends on the
// same narrow interface a real implementation would expose.
package pagedir

import "sync"

type entry struct {
	frame    []byte
	writable bool
}

// Table is one process's virtual-to-physical mapping.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]entry
}

func New() *Table {
	return &Table{entries: make(map[uint32]entry)}
}

// SetPage installs (or replaces) the mapping for virtual page upage.
func (t *Table) SetPage(upage uint32, frame []byte, writable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[upage] = entry{frame: frame, writable: writable}
}

// GetPage returns the frame mapped at upage, if any.
func (t *Table) GetPage(upage uint32) ([]byte, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[upage]
	if !ok {
		return nil, false, false
	}
	return e.frame, e.writable, true
}

// ClearPage removes the mapping for upage, as when its frame is evicted or
// its process exits.
func (t *Table) ClearPage(upage uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, upage)
}

// IsMapped reports whether upage currently has a mapping installed.
func (t *Table) IsMapped(upage uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[upage]
	return ok
}
