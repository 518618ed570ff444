package process

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/directory"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
	"github.com/edukernel/edukernel/internal/vm"
	"github.com/edukernel/edukernel/internal/vm/frame"
	"github.com/edukernel/edukernel/internal/vm/swap"
)

// newTestKernel builds a freshly formatted filesystem plus a swap device
// and frame pool, backed entirely by an in-memory afero filesystem.
func newTestKernel(t *testing.T) (*Kernel, *directory.Dir) {
	t.Helper()
	fs := afero.NewMemMapFs()

	fsDev, err := blockdev.Open(fs, "/disk.img", 2048, true)
	require.NoError(t, err)
	m, err := freemap.Format(fsDev)
	require.NoError(t, err)
	disk := &inode.Disk{Dev: fsDev, Map: m}

	rootSector, err := directory.Create(disk, 0)
	require.NoError(t, err)
	reg := inode.NewRegistry(disk)
	root, err := directory.Open(reg, rootSector)
	require.NoError(t, err)
	require.NoError(t, root.Inode.SetParent(rootSector))

	swapDev, err := blockdev.Open(fs, "/swap.img", 256, true)
	require.NoError(t, err)
	swapTable := swap.New(swapDev)
	frames := frame.New(32, vm.PageSize)

	k := NewKernel(disk, rootSector, frames, swapTable)
	k.Registry = reg
	return k, root
}

// minimalELF builds a one-segment ELF32 executable whose single PT_LOAD
// segment declares codeLen read bytes at file offset 0 (the image's own
// header bytes double as the segment's file-backed content; nothing in
// these tests loads the code page, so its contents don't matter).
func minimalELF(entry uint32, codeLen uint32) []byte {
	const ehdrSize = 52
	const phdrSize = 32
	const phoff = ehdrSize

	buf := make([]byte, phoff+phdrSize)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 1 // ELFCLASS32
	binary.LittleEndian.PutUint16(buf[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 3) // EM_386
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], phoff)
	binary.LittleEndian.PutUint16(buf[42:44], phdrSize)
	binary.LittleEndian.PutUint16(buf[44:46], 1)

	p := buf[phoff:]
	binary.LittleEndian.PutUint32(p[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(p[4:8], 0) // file offset, page-aligned
	binary.LittleEndian.PutUint32(p[8:12], vm.PageSize)
	binary.LittleEndian.PutUint32(p[16:20], codeLen)
	binary.LittleEndian.PutUint32(p[20:24], codeLen)
	binary.LittleEndian.PutUint32(p[24:28], 4) // PF_R: readable, not writable
	return buf
}

func writeExecutable(t *testing.T, k *Kernel, root *directory.Dir, name string, entry uint32, codeLen uint32) {
	t.Helper()
	image := minimalELF(entry, codeLen)

	sector, err := inode.Create(k.Disk, inode.TypeFile, root.Inode.Sector())
	require.NoError(t, err)
	o, err := k.Registry.Open(sector)
	require.NoError(t, err)
	_, err = o.WriteAt(image, 0)
	require.NoError(t, err)
	require.NoError(t, k.Registry.Close(o))
	require.NoError(t, root.Add(name, sector))
}

func TestExecLoadsAndWaitReapsExitStatus(t *testing.T) {
	k, root := newTestKernel(t)
	writeExecutable(t, k, root, "prog", vm.PageSize, 2)

	parent := k.NewProcess(root)
	child, err := k.Exec(parent, "prog", []string{"prog", "a", "b"})
	require.NoError(t, err)
	require.Equal(t, vm.PageSize, int(child.EntryPoint()))

	go child.Exit(42)
	status, err := k.Wait(parent, child.ID)
	require.NoError(t, err)
	require.EqualValues(t, 42, status)

	_, err = k.Wait(parent, child.ID)
	require.Error(t, err)
}

func TestExecMissingExecutableFails(t *testing.T) {
	k, root := newTestKernel(t)
	parent := k.NewProcess(root)
	_, err := k.Exec(parent, "nope", nil)
	require.Error(t, err)
}

func TestArgvStackIsBuiltOnExec(t *testing.T) {
	k, root := newTestKernel(t)
	writeExecutable(t, k, root, "prog", vm.PageSize, 2)

	parent := k.NewProcess(root)
	child, err := k.Exec(parent, "prog", []string{"prog", "one"})
	require.NoError(t, err)
	require.NotZero(t, child.Esp)

	argc, err := child.Mem.ReadUint32(child.Esp + 4)
	require.NoError(t, err)
	require.EqualValues(t, 2, argc)
}

func TestCreateOpenWriteReadClose(t *testing.T) {
	k, root := newTestKernel(t)
	p := k.NewProcess(root)

	require.NoError(t, p.Create("data.txt"))
	fd, err := p.Open("data.txt")
	require.NoError(t, err)
	require.Equal(t, 2, fd)

	n, err := p.Write(fd, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	require.NoError(t, p.Seek(fd, 0))
	pos, err := p.Tell(fd)
	require.NoError(t, err)
	require.Zero(t, pos)

	buf := make([]byte, 11)
	n, err = p.Read(fd, buf)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(buf))

	size, err := p.Filesize(fd)
	require.NoError(t, err)
	require.EqualValues(t, 11, size)

	require.NoError(t, p.Close(fd))
}

func TestWriteStdoutGoesToConsole(t *testing.T) {
	k, root := newTestKernel(t)
	p := k.NewProcess(root)

	var buf bytes.Buffer
	old := Console
	Console = &buf
	defer func() { Console = old }()

	n, err := p.Write(Stdout, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", buf.String())
}

func TestRemoveDeferredUntilClose(t *testing.T) {
	k, root := newTestKernel(t)
	p := k.NewProcess(root)

	require.NoError(t, p.Create("temp.txt"))
	fd, err := p.Open("temp.txt")
	require.NoError(t, err)

	require.NoError(t, p.Remove("temp.txt"))

	// Still readable/writable through the already-open descriptor.
	_, err = p.Write(fd, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, p.Close(fd))

	_, err = p.Open("temp.txt")
	require.Error(t, err)
}

func TestMkdirChdirAndReaddir(t *testing.T) {
	k, root := newTestKernel(t)
	p := k.NewProcess(root)

	require.NoError(t, p.Mkdir("sub"))
	require.NoError(t, p.Create("sub/leaf.txt"))

	require.NoError(t, p.Chdir("sub"))
	fd, err := p.Open("leaf.txt")
	require.NoError(t, err)
	isDir, err := p.IsDir(fd)
	require.NoError(t, err)
	require.False(t, isDir)
	require.NoError(t, p.Close(fd))

	dirFd, err := p.Open(".")
	require.NoError(t, err)
	isDir, err = p.IsDir(dirFd)
	require.NoError(t, err)
	require.True(t, isDir)

	name, ok, err := p.Readdir(dirFd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "leaf.txt", name)

	_, ok, err = p.Readdir(dirFd)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteToDirectoryIsRejected(t *testing.T) {
	k, root := newTestKernel(t)
	p := k.NewProcess(root)

	require.NoError(t, p.Mkdir("sub"))
	fd, err := p.Open("sub")
	require.NoError(t, err)

	_, err = p.Write(fd, []byte("x"))
	require.ErrorIs(t, err, ErrIsDirectory)
}

func TestWriteDeniedOnRunningExecutable(t *testing.T) {
	k, root := newTestKernel(t)
	writeExecutable(t, k, root, "prog", vm.PageSize, 2)

	// Process A is "running" prog: its deny-write is asserted for the
	// life of the executable handle, per spec.md scenario S5.
	runner := k.NewProcess(root)
	_, err := k.Exec(runner, "prog", []string{"prog"})
	require.NoError(t, err)

	b := k.NewProcess(root)
	fd, err := b.Open("prog")
	require.NoError(t, err)

	n, err := b.Write(fd, []byte("x"))
	require.ErrorIs(t, err, inode.ErrDenyWrite)
	require.Zero(t, n)
}

func TestDescriptorFdsAreReusedAfterClose(t *testing.T) {
	k, root := newTestKernel(t)
	p := k.NewProcess(root)

	require.NoError(t, p.Create("a.txt"))
	require.NoError(t, p.Create("b.txt"))

	for i := 0; i < 200; i++ {
		fd, err := p.Open("a.txt")
		require.NoError(t, err)
		require.Equal(t, 2, fd)
		require.NoError(t, p.Close(fd))
	}

	fd1, err := p.Open("a.txt")
	require.NoError(t, err)
	fd2, err := p.Open("b.txt")
	require.NoError(t, err)
	require.Equal(t, 2, fd1)
	require.Equal(t, 3, fd2)

	require.NoError(t, p.Close(fd1))

	fd3, err := p.Open("a.txt")
	require.NoError(t, err)
	require.Equal(t, 2, fd3, "fd 2 freed by Close should be reused, not skipped by a monotonic counter")
}

func TestInumberMatchesCreatedFile(t *testing.T) {
	k, root := newTestKernel(t)
	p := k.NewProcess(root)

	require.NoError(t, p.Create("a.txt"))
	fd, err := p.Open("a.txt")
	require.NoError(t, err)

	num, err := p.Inumber(fd)
	require.NoError(t, err)
	require.NotZero(t, num)
}
