// Package swap implements the fixed-slot swap table backing the frame
// table's evicted pages, grounded on the original source's swap.c.
package swap

import (
	"fmt"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/locker"
	"github.com/edukernel/edukernel/internal/metrics"
	"github.com/edukernel/edukernel/internal/vm"
)

// Table is the swap device's slot-occupancy bitmap plus the single mutex
// serializing access to it and to the device, matching swap.c's
// swap_list + one global lock.
type Table struct {
	dev  blockdev.Device
	mu   *locker.InvariantMutex
	used []bool
}

func New(dev blockdev.Device) *Table {
	slots := dev.SectorCount() / vm.SectorsPerPage
	t := &Table{dev: dev, used: make([]bool, slots)}
	t.mu = locker.New(func() {})
	return t
}

func (t *Table) SlotCount() int { return len(t.used) }

func (t *Table) findFree() (int, bool) {
	for i, u := range t.used {
		if !u {
			return i, true
		}
	}
	return 0, false
}

// Allocate writes page (one vm.PageSize-byte slice) to a free slot and
// returns its index.
func (t *Table) Allocate(page []byte) (int, error) {
	if len(page) != vm.PageSize {
		return 0, fmt.Errorf("swap: page must be %d bytes, got %d", vm.PageSize, len(page))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.findFree()
	if !ok {
		return 0, fmt.Errorf("swap: no free slots")
	}
	t.used[idx] = true
	if err := t.writeSlot(idx, page); err != nil {
		t.used[idx] = false
		return 0, err
	}
	metrics.SwapSlotsInUse.Inc()
	return idx, nil
}

// Read copies the contents of slot index into page.
func (t *Table) Read(index int, page []byte) error {
	if len(page) != vm.PageSize {
		return fmt.Errorf("swap: page must be %d bytes, got %d", vm.PageSize, len(page))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.used) || !t.used[index] {
		return fmt.Errorf("swap: slot %d not allocated", index)
	}
	return t.readSlot(index, page)
}

// Free releases slot index back to the pool.
func (t *Table) Free(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.used) {
		return fmt.Errorf("swap: slot %d out of range", index)
	}
	if !t.used[index] {
		return fmt.Errorf("swap: slot %d already free", index)
	}
	t.used[index] = false
	metrics.SwapSlotsInUse.Dec()
	return nil
}

func (t *Table) writeSlot(index int, page []byte) error {
	base := uint32(index) * vm.SectorsPerPage
	for i := uint32(0); i < vm.SectorsPerPage; i++ {
		sector := page[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := t.dev.WriteAt(base+i, sector); err != nil {
			return fmt.Errorf("swap: write slot %d sector %d: %w", index, i, err)
		}
	}
	return nil
}

func (t *Table) readSlot(index int, page []byte) error {
	base := uint32(index) * vm.SectorsPerPage
	for i := uint32(0); i < vm.SectorsPerPage; i++ {
		sector := page[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := t.dev.ReadAt(base+i, sector); err != nil {
			return fmt.Errorf("swap: read slot %d sector %d: %w", index, i, err)
		}
	}
	return nil
}
