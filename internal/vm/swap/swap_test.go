package swap

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/vm"
)

func newDevice(t *testing.T, slots uint32) blockdev.Device {
	t.Helper()
	dev, err := blockdev.Open(afero.NewMemMapFs(), "/swap.img", slots*vm.SectorsPerPage, true)
	require.NoError(t, err)
	return dev
}

func TestAllocateReadFree(t *testing.T) {
	tbl := New(newDevice(t, 4))
	page := bytes.Repeat([]byte{0x11}, vm.PageSize)

	idx, err := tbl.Allocate(page)
	require.NoError(t, err)

	got := make([]byte, vm.PageSize)
	require.NoError(t, tbl.Read(idx, got))
	require.Equal(t, page, got)

	require.NoError(t, tbl.Free(idx))
	require.Error(t, tbl.Read(idx, got))
}

func TestAllocateExhaustsSlots(t *testing.T) {
	tbl := New(newDevice(t, 2))
	page := make([]byte, vm.PageSize)

	_, err := tbl.Allocate(page)
	require.NoError(t, err)
	_, err = tbl.Allocate(page)
	require.NoError(t, err)
	_, err = tbl.Allocate(page)
	require.Error(t, err)
}

func TestDoubleFreeRejected(t *testing.T) {
	tbl := New(newDevice(t, 2))
	idx, err := tbl.Allocate(make([]byte, vm.PageSize))
	require.NoError(t, err)

	require.NoError(t, tbl.Free(idx))
	require.Error(t, tbl.Free(idx))
}
