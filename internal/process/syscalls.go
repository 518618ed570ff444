package process

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edukernel/edukernel/internal/diskfs/directory"
	"github.com/edukernel/edukernel/internal/diskfs/file"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
	"github.com/edukernel/edukernel/internal/logger"
)

// Console is where fd 1 (stdout) writes land; it defaults to os.Stdout
// and is swapped out in tests.
var Console io.Writer = os.Stdout

// ErrIsDirectory is returned by Write when fd names a directory handle.
// Per spec.md's error table this is fatal (the caller terminates the
// process with exit -1), unlike an ordinary write failure.
var ErrIsDirectory = errors.New("process: write to a directory")

func (p *Process) resolveParent(path string) (*directory.Dir, string, error) {
	k := p.kernel
	return directory.ResolveParent(k.Registry, k.RootSector, p.Cwd, path)
}

// Create makes an empty file named by path. The create syscall's
// initialSize argument is not used, since this filesystem grows files
// lazily on write.
func (p *Process) Create(path string) error {
	k := p.kernel
	k.FSLock.Lock()
	defer k.FSLock.Unlock()

	dir, last, err := p.resolveParent(path)
	if err != nil {
		return err
	}
	defer directory.Close(dir)

	sector, err := inode.Create(k.Disk, inode.TypeFile, dir.Inode.Sector())
	if err != nil {
		return err
	}
	if err := dir.Add(last, sector); err != nil {
		return err
	}
	return nil
}

// Remove unlinks path. If the target is open elsewhere, the unlink is
// deferred to that handle's last close (DESIGN.md Open Question 1).
func (p *Process) Remove(path string) error {
	k := p.kernel
	k.FSLock.Lock()
	defer k.FSLock.Unlock()

	dir, last, err := p.resolveParent(path)
	if err != nil {
		return err
	}
	defer directory.Close(dir)

	sector, found, err := dir.Lookup(last)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("remove: %q not found", path)
	}

	target, err := k.Registry.Open(sector)
	if err != nil {
		return err
	}
	if target.Type() == inode.TypeDir {
		d := &directory.Dir{Inode: target}
		empty, err := d.IsEmpty()
		if err != nil {
			k.Registry.Close(target)
			return err
		}
		if !empty {
			k.Registry.Close(target)
			return fmt.Errorf("remove: %q is a non-empty directory", path)
		}
	}
	target.Remove()
	if err := k.Registry.Close(target); err != nil {
		return err
	}
	return dir.Remove(last)
}

// Open opens path and installs it in the calling process's descriptor
// table, returning the new fd.
func (p *Process) Open(path string) (int, error) {
	k := p.kernel
	k.FSLock.Lock()
	dir, last, err := p.resolveParent(path)
	if err != nil {
		k.FSLock.Unlock()
		return 0, err
	}
	var sector uint32
	var found bool
	var lookupErr error
	switch last {
	case ".":
		sector, found = dir.Inode.Sector(), true
	case "..":
		sector, found = dir.GetParent(), true
	default:
		sector, found, lookupErr = dir.Lookup(last)
	}
	directory.Close(dir)
	k.FSLock.Unlock()
	if lookupErr != nil {
		return 0, lookupErr
	}
	if !found {
		return 0, fmt.Errorf("open: %q not found", path)
	}

	h, err := file.Open(k.Registry, sector)
	if err != nil {
		return 0, err
	}
	fd, err := p.Descriptors.Install(h)
	if err != nil {
		h.Close()
		return 0, err
	}
	return fd, nil
}

func (p *Process) handle(fd int) (*file.Handle, error) {
	h, ok := p.Descriptors.Get(fd)
	if !ok {
		return nil, fmt.Errorf("fd %d not open", fd)
	}
	return h, nil
}

func (p *Process) Filesize(fd int) (uint32, error) {
	h, err := p.handle(fd)
	if err != nil {
		return 0, err
	}
	return h.Length(), nil
}

func (p *Process) Read(fd int, buf []byte) (int, error) {
	if fd == Stdin {
		return 0, fmt.Errorf("read: stdin is not backed by a device in this kernel")
	}
	h, err := p.handle(fd)
	if err != nil {
		return 0, err
	}
	return h.Read(buf)
}

func (p *Process) Write(fd int, data []byte) (int, error) {
	if fd == Stdout {
		return Console.Write(data)
	}
	h, err := p.handle(fd)
	if err != nil {
		return 0, err
	}
	if h.Inode().Type() == inode.TypeDir {
		return 0, ErrIsDirectory
	}
	return h.Write(data)
}

func (p *Process) Seek(fd int, pos uint32) error {
	h, err := p.handle(fd)
	if err != nil {
		return err
	}
	h.Seek(pos)
	return nil
}

func (p *Process) Tell(fd int) (uint32, error) {
	h, err := p.handle(fd)
	if err != nil {
		return 0, err
	}
	return h.Tell(), nil
}

func (p *Process) Close(fd int) error {
	return p.Descriptors.Close(fd)
}

func (p *Process) Inumber(fd int) (uint32, error) {
	h, err := p.handle(fd)
	if err != nil {
		return 0, err
	}
	return h.Inode().Sector(), nil
}

func (p *Process) IsDir(fd int) (bool, error) {
	h, err := p.handle(fd)
	if err != nil {
		return false, err
	}
	return h.Inode().Type() == inode.TypeDir, nil
}

// Readdir returns the next entry name from fd's directory, advancing its
// cursor by one entry, or ok=false at the end of the directory.
func (p *Process) Readdir(fd int) (name string, ok bool, err error) {
	h, err := p.handle(fd)
	if err != nil {
		return "", false, err
	}
	if h.Inode().Type() != inode.TypeDir {
		return "", false, fmt.Errorf("readdir: fd %d is not a directory", fd)
	}
	d := &directory.Dir{Inode: h.Inode()}
	entries, err := d.Readdir()
	if err != nil {
		return "", false, err
	}
	idx := int(h.Tell())
	if idx >= len(entries) {
		return "", false, nil
	}
	h.Seek(uint32(idx + 1))
	return entries[idx].Name, true, nil
}

// Chdir switches the calling process's working directory, pinning the
// new directory open for as long as it remains the cwd (DESIGN.md Open
// Question 2).
func (p *Process) Chdir(path string) error {
	k := p.kernel
	k.FSLock.Lock()
	newDir, err := directory.Resolve(k.Registry, k.RootSector, p.Cwd, path)
	k.FSLock.Unlock()
	if err != nil {
		return err
	}
	old := p.Cwd
	p.Cwd = newDir
	if old != nil {
		directory.Close(old)
	}
	return nil
}

// Mkdir creates an empty directory at path, stamping its parent pointer.
func (p *Process) Mkdir(path string) error {
	k := p.kernel
	k.FSLock.Lock()
	defer k.FSLock.Unlock()

	dir, last, err := p.resolveParent(path)
	if err != nil {
		return err
	}
	defer directory.Close(dir)

	sector, err := directory.Create(k.Disk, dir.Inode.Sector())
	if err != nil {
		return err
	}
	return dir.Add(last, sector)
}

// Halt shuts the kernel simulator down; in this user-space simulator
// that simply means the caller's run loop should stop.
func (p *Process) Halt() {
	logger.Infof("halt requested by process %d", p.ID)
}
