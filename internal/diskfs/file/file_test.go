package file

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
)

func newDisk(t *testing.T) *inode.Disk {
	t.Helper()
	dev, err := blockdev.Open(afero.NewMemMapFs(), "/disk.img", 256, true)
	require.NoError(t, err)
	m, err := freemap.Format(dev)
	require.NoError(t, err)
	return &inode.Disk{Dev: dev, Map: m}
}

func TestSeekTellIndependentCursors(t *testing.T) {
	d := newDisk(t)
	sector, err := inode.Create(d, inode.TypeFile, 0)
	require.NoError(t, err)
	reg := inode.NewRegistry(d)

	h1, err := Open(reg, sector)
	require.NoError(t, err)
	h2, err := Open(reg, sector)
	require.NoError(t, err)

	_, err = h1.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.EqualValues(t, 6, h1.Tell())
	require.EqualValues(t, 0, h2.Tell())

	h2.Seek(2)
	buf := make([]byte, 2)
	n, err := h2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("cd"), buf)
	require.EqualValues(t, 4, h2.Tell())
}
