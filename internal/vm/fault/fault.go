// Package fault implements the page-fault classification and resolution
// flow of spec.md §4.7: swap-in, file-backed load-and-zero-fill, and
// stack-growth, tying together frame, swap, page, and pagedir.
package fault

import (
	"fmt"

	"github.com/edukernel/edukernel/internal/metrics"
	"github.com/edukernel/edukernel/internal/vm"
	"github.com/edukernel/edukernel/internal/vm/frame"
	"github.com/edukernel/edukernel/internal/vm/page"
	"github.com/edukernel/edukernel/internal/vm/pagedir"
	"github.com/edukernel/edukernel/internal/vm/swap"
)

// ErrBadAccess is returned for a fault that is neither a known page nor a
// legitimate stack-growth request; callers translate this into exit(-1).
var ErrBadAccess = fmt.Errorf("fault: invalid memory access")

// Handler resolves page faults for one process.
type Handler struct {
	Frames  *frame.Table
	Swap    *swap.Table
	Pages   *page.Table
	Pagedir *pagedir.Table
}

// evictEntry builds the frame.Table Evict callback for a resident page
// entry: on eviction it is always written to swap (code/mmap pages that
// have never been dirtied could in principle be dropped instead of
// swapped, but the original source always swaps, so this kernel does
// too), and the owning pagedir mapping is cleared so the next access
// re-faults.
func (h *Handler) evictEntry(e *page.Entry) func([]byte) error {
	return func(buf []byte) error {
		idx, err := h.Swap.Allocate(buf)
		if err != nil {
			return err
		}
		e.InSwap = true
		e.SwapIndex = idx
		e.Frame = nil
		h.Pagedir.ClearPage(e.Upage)
		return nil
	}
}

// Handle resolves a fault at faultAddr, given the current user stack
// pointer (for the stack-growth heuristic).
func (h *Handler) Handle(faultAddr, userEsp uint32) error {
	upage := faultAddr - (faultAddr % vm.PageSize)

	e, found := h.Pages.Get(faultAddr)
	if !found {
		if faultAddr+vm.StackGrowthSlack < userEsp || faultAddr >= vm.UserStackTop {
			metrics.PageFaults.WithLabelValues(string(metricsBadAccess)).Inc()
			return ErrBadAccess
		}
		return h.growStack(upage)
	}

	if e.InSwap {
		metrics.PageFaults.WithLabelValues(string(metricsSwapIn)).Inc()
		return h.swapIn(e)
	}

	switch e.Type {
	case page.Code, page.Mmap:
		metrics.PageFaults.WithLabelValues(string(metricsFileLoad)).Inc()
		return h.loadFromFile(e)
	default:
		// A heap/stack entry that isn't resident and isn't in swap is a
		// fresh page: zero-fill it.
		metrics.PageFaults.WithLabelValues(string(metricsStackGrow)).Inc()
		return h.zeroFill(e)
	}
}

func (h *Handler) swapIn(e *page.Entry) error {
	fe, err := h.Frames.Allocate(e.Writable, h.evictEntry(e))
	if err != nil {
		return fmt.Errorf("fault: allocate frame for swap-in: %w", err)
	}
	if err := h.Swap.Read(e.SwapIndex, fe.Frame); err != nil {
		return fmt.Errorf("fault: swap read: %w", err)
	}
	if err := h.Swap.Free(e.SwapIndex); err != nil {
		return fmt.Errorf("fault: swap free: %w", err)
	}
	e.InSwap = false
	e.SwapIndex = 0
	e.Frame = fe
	h.Pagedir.SetPage(e.Upage, fe.Frame, e.Writable)
	h.Frames.Unpin(fe)
	return nil
}

func (h *Handler) loadFromFile(e *page.Entry) error {
	fe, err := h.Frames.Allocate(e.Writable, h.evictEntry(e))
	if err != nil {
		return fmt.Errorf("fault: allocate frame for file load: %w", err)
	}
	if e.PageReadBytes > vm.PageSize {
		return fmt.Errorf("fault: page_read_bytes %d exceeds page size %d", e.PageReadBytes, vm.PageSize)
	}
	if e.PageReadBytes > 0 {
		buf := make([]byte, e.PageReadBytes)
		n, err := e.File.Inode().ReadAt(buf, uint32(e.FileOffset))
		if err != nil {
			return fmt.Errorf("fault: read executable page: %w", err)
		}
		copy(fe.Frame[:n], buf[:n])
	}
	// Remaining PageZeroBytes are already zero: Frames.Allocate zero-fills.
	e.Frame = fe
	h.Pagedir.SetPage(e.Upage, fe.Frame, e.Writable)
	h.Frames.Unpin(fe)
	return nil
}

func (h *Handler) zeroFill(e *page.Entry) error {
	fe, err := h.Frames.Allocate(e.Writable, h.evictEntry(e))
	if err != nil {
		return fmt.Errorf("fault: allocate zero-fill frame: %w", err)
	}
	e.Frame = fe
	h.Pagedir.SetPage(e.Upage, fe.Frame, e.Writable)
	h.Frames.Unpin(fe)
	return nil
}

// growStack installs a brand-new zeroed stack page at upage, per
// spt_grow_stack_by_one.
func (h *Handler) growStack(upage uint32) error {
	e := &page.Entry{Upage: upage, Writable: true, Type: page.Stack}
	fe, err := h.Frames.Allocate(true, h.evictEntry(e))
	if err != nil {
		return fmt.Errorf("fault: grow stack: %w", err)
	}
	e.Frame = fe
	h.Pages.Insert(e)
	h.Pagedir.SetPage(upage, fe.Frame, true)
	h.Frames.Unpin(fe)
	return nil
}

type metricsKind string

const (
	metricsSwapIn    metricsKind = "swap_in"
	metricsFileLoad  metricsKind = "file_load"
	metricsStackGrow metricsKind = "stack_grow"
	metricsBadAccess metricsKind = "bad_access"
)
