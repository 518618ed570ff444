// Package blockdev provides the sector-addressed device abstraction the rest
// of the kernel is built on: the filesystem device and the swap device are
// both a blockdev.Device, backed by a host file through afero so tests can
// substitute an in-memory filesystem.
package blockdev

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const SectorSize = 512

// Device is a fixed-size array of SectorSize-byte sectors.
type Device interface {
	ReadAt(sector uint32, buf []byte) error
	WriteAt(sector uint32, buf []byte) error
	SectorCount() uint32
	Close() error
}

// FileDevice backs a Device with a single host (or in-memory) file opened
// through an afero.Fs. When the underlying file exposes a real file
// descriptor (the os-backed case) reads and writes go through
// golang.org/x/sys/unix Pread/Pwrite and the file is advisory-locked for
// the lifetime of the device, mirroring a real block device's
// single-owner semantics; otherwise the afero.File's own ReadAt/WriteAt is
// used, which is all afero.MemMapFs supports.
type FileDevice struct {
	f       afero.File
	sectors uint32
	fd      int
	hasFd   bool
	limiter *rate.Limiter
}

// Open attaches to (or, if create is true, creates and zero-fills) a device
// image of the given sector count at path within fs.
func Open(fs afero.Fs, path string, sectorCount uint32, create bool) (*FileDevice, error) {
	var f afero.File
	var err error
	if create {
		f, err = fs.Create(path)
	} else {
		f, err = fs.OpenFile(path, osO_RDWR, 0o600)
	}
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	d := &FileDevice{f: f, sectors: sectorCount}
	if fdFile, ok := f.(interface{ Fd() uintptr }); ok {
		d.fd = int(fdFile.Fd())
		d.hasFd = true
		if err := unix.Flock(d.fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdev: flock %s: %w", path, err)
		}
	}

	if create {
		if err := f.Truncate(int64(sectorCount) * SectorSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
		}
	}
	return d, nil
}

// NewFromFile wraps an already-open file (e.g. a renameio.PendingFile, so
// mkfs can build an image atomically) as a Device without going through an
// afero.Fs lookup.
func NewFromFile(f afero.File, sectorCount uint32) *FileDevice {
	d := &FileDevice{f: f, sectors: sectorCount}
	if fdFile, ok := f.(interface{ Fd() uintptr }); ok {
		d.fd = int(fdFile.Fd())
		d.hasFd = true
	}
	return d
}

// SetRateLimit caps throughput at n sector operations per second, used by
// tests simulating a slow disk.
func (d *FileDevice) SetRateLimit(n rate.Limit, burst int) {
	d.limiter = rate.NewLimiter(n, burst)
}

func (d *FileDevice) throttle() {
	if d.limiter != nil {
		d.limiter.Wait(context.Background())
	}
}

func (d *FileDevice) ReadAt(sector uint32, buf []byte) error {
	if sector >= d.sectors {
		return fmt.Errorf("blockdev: sector %d out of range (%d total)", sector, d.sectors)
	}
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	d.throttle()
	off := int64(sector) * SectorSize
	if d.hasFd {
		n, err := unix.Pread(d.fd, buf, off)
		if err != nil {
			return fmt.Errorf("blockdev: pread sector %d: %w", sector, err)
		}
		if n != SectorSize {
			return fmt.Errorf("blockdev: short pread on sector %d: %d bytes", sector, n)
		}
		return nil
	}
	n, err := d.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("blockdev: read sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev: short read on sector %d: %d bytes", sector, n)
	}
	return nil
}

func (d *FileDevice) WriteAt(sector uint32, buf []byte) error {
	if sector >= d.sectors {
		return fmt.Errorf("blockdev: sector %d out of range (%d total)", sector, d.sectors)
	}
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	d.throttle()
	off := int64(sector) * SectorSize
	if d.hasFd {
		n, err := unix.Pwrite(d.fd, buf, off)
		if err != nil {
			return fmt.Errorf("blockdev: pwrite sector %d: %w", sector, err)
		}
		if n != SectorSize {
			return fmt.Errorf("blockdev: short pwrite on sector %d: %d bytes", sector, n)
		}
		return nil
	}
	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("blockdev: write sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev: short write on sector %d: %d bytes", sector, n)
	}
	return nil
}

func (d *FileDevice) SectorCount() uint32 { return d.sectors }

func (d *FileDevice) Close() error {
	return d.f.Close()
}

const osO_RDWR = 2
