// Package frame implements the kernel-global frame table: the pool of
// physical page frames shared by every process, plus eviction when the
// pool is exhausted. Grounded on the original source's frame.c, but fixes
// its documented lock-release-during-eviction-scan defect (spec.md Design
// Notes): the table's lock is held continuously from candidate selection
// through pinning the selected entry.
package frame

import (
	"container/list"
	"fmt"

	"github.com/edukernel/edukernel/internal/locker"
	"github.com/edukernel/edukernel/internal/metrics"
)

// Entry is one frame in the pool. Evict is supplied by whoever allocated
// the frame (the supplemental-page-table / fault-handler layer) and is
// responsible for persisting the frame's contents (to swap, or simply
// dropping it if it is an unmodified file-backed page) and for clearing
// the owning process's page-table mapping, before Evict returns.
type Entry struct {
	Frame    []byte
	Writable bool
	Pinned   bool
	Evict    func(frame []byte) error

	elem *list.Element
}

// Table is the kernel-global frame pool.
type Table struct {
	mu       *locker.InvariantMutex
	capacity int
	free     [][]byte
	entries  *list.List // of *Entry, oldest-allocated at Front
}

func New(capacity int, pageSize int) *Table {
	t := &Table{capacity: capacity, entries: list.New()}
	t.mu = locker.New(func() {})
	for i := 0; i < capacity; i++ {
		t.free = append(t.free, make([]byte, pageSize))
	}
	return t
}

// Allocate returns a pinned *Entry backed by a zeroed frame, evicting a
// victim first if the pool is exhausted. The caller must unpin the entry
// (via Unpin) once it has installed the mapping, so concurrent evictors
// cannot select it mid-setup.
func (t *Table) Allocate(writable bool, evict func(frame []byte) error) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var raw []byte
	if n := len(t.free); n > 0 {
		raw = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		victim, err := t.evictLocked()
		if err != nil {
			return nil, fmt.Errorf("frame: out of frames and nothing evictable: %w", err)
		}
		raw = victim
	}

	for i := range raw {
		raw[i] = 0
	}
	e := &Entry{Frame: raw, Writable: writable, Pinned: true, Evict: evict}
	e.elem = t.entries.PushBack(e)
	return e, nil
}

// Unpin allows e to be chosen as an eviction victim.
func (t *Table) Unpin(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Pinned = false
}

// Free removes e from the table entirely (its owning page is being
// destroyed, not evicted), returning its frame to the free pool.
func (t *Table) Free(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Remove(e.elem)
	t.free = append(t.free, e.Frame)
}

// evictLocked selects a victim (the oldest writable unpinned entry, else
// the oldest unpinned entry; a pinned entry is never chosen), pins it, evicts it under the still-held lock, and returns its
// now-reusable frame. Must be called with t.mu held.
func (t *Table) evictLocked() ([]byte, error) {
	victim := t.findVictimLocked()
	if victim == nil {
		return nil, fmt.Errorf("no unpinned frame to evict")
	}
	victim.Pinned = true
	evict := victim.Evict
	frame := victim.Frame
	t.entries.Remove(victim.elem)

	if evict != nil {
		if err := evict(frame); err != nil {
			return nil, fmt.Errorf("evict: %w", err)
		}
	}
	metrics.Evictions.Inc()
	return frame, nil
}

func (t *Table) findVictimLocked() *Entry {
	var anyUnpinned *Entry
	for el := t.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.Pinned {
			continue
		}
		if e.Writable {
			return e
		}
		if anyUnpinned == nil {
			anyUnpinned = e
		}
	}
	return anyUnpinned
}
