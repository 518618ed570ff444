package fault

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/file"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
	"github.com/edukernel/edukernel/internal/vm"
	"github.com/edukernel/edukernel/internal/vm/frame"
	"github.com/edukernel/edukernel/internal/vm/page"
	"github.com/edukernel/edukernel/internal/vm/pagedir"
	"github.com/edukernel/edukernel/internal/vm/swap"
)

func newHandler(t *testing.T, frames int) *Handler {
	t.Helper()
	swapDev, err := blockdev.Open(afero.NewMemMapFs(), "/swap.img", 8*vm.SectorsPerPage, true)
	require.NoError(t, err)
	return &Handler{
		Frames:  frame.New(frames, vm.PageSize),
		Swap:    swap.New(swapDev),
		Pages:   page.New(),
		Pagedir: pagedir.New(),
	}
}

func TestStackGrowthInstallsZeroedPage(t *testing.T) {
	h := newHandler(t, 4)
	esp := vm.UserStackTop - 64
	fault := esp - 4

	require.NoError(t, h.Handle(fault, esp))

	f, writable, ok := h.Pagedir.GetPage(fault - fault%vm.PageSize)
	require.True(t, ok)
	require.True(t, writable)
	require.Len(t, f, vm.PageSize)
	require.Equal(t, make([]byte, vm.PageSize), f)
}

func TestBadAccessBelowStackSlack(t *testing.T) {
	h := newHandler(t, 4)
	esp := vm.UserStackTop - 64

	err := h.Handle(esp-1000, esp)
	require.ErrorIs(t, err, ErrBadAccess)
}

func TestSwapInRestoresFrame(t *testing.T) {
	h := newHandler(t, 4)
	upage := uint32(0x1000)

	page1 := make([]byte, vm.PageSize)
	for i := range page1 {
		page1[i] = byte(i)
	}
	idx, err := h.Swap.Allocate(page1)
	require.NoError(t, err)

	e := &page.Entry{Upage: upage, Writable: true, InSwap: true, SwapIndex: idx}
	h.Pages.Insert(e)

	require.NoError(t, h.Handle(upage+10, 0))

	got, _, ok := h.Pagedir.GetPage(upage)
	require.True(t, ok)
	require.Equal(t, page1, got)
	require.False(t, e.InSwap)
}

func TestLoadFromFileReadsAndZeroFills(t *testing.T) {
	dev, err := blockdev.Open(afero.NewMemMapFs(), "/disk.img", 256, true)
	require.NoError(t, err)
	m, err := freemap.Format(dev)
	require.NoError(t, err)
	d := &inode.Disk{Dev: dev, Map: m}
	sector, err := inode.Create(d, inode.TypeFile, 0)
	require.NoError(t, err)
	reg := inode.NewRegistry(d)
	fh, err := file.Open(reg, sector)
	require.NoError(t, err)
	payload := []byte("code-bytes")
	_, err = fh.Write(payload)
	require.NoError(t, err)

	h := newHandler(t, 4)
	upage := uint32(0x2000)
	e := &page.Entry{
		Upage: upage, Writable: false, Type: page.Code,
		File: fh, FileOffset: 0, PageReadBytes: uint32(len(payload)),
		PageZeroBytes: vm.PageSize - uint32(len(payload)),
	}
	h.Pages.Insert(e)

	require.NoError(t, h.Handle(upage, 0))

	got, _, ok := h.Pagedir.GetPage(upage)
	require.True(t, ok)
	require.Equal(t, payload, got[:len(payload)])
	require.Equal(t, byte(0), got[len(got)-1])
}
