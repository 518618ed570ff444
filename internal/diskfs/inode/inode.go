// Package inode implements the on-disk inode layout and the open-inode
// registry: a single 512-byte inode record per file or directory, indexed
// by 10 direct, 1 single-indirect, and 1 double-indirect block pointers,
// plus the in-memory bookkeeping (open count, deny-write, removed-on-close)
// needed to give POSIX-like unlink-while-open semantics on top of it.
package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/timeutil"
	"go.uber.org/multierr"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/diskfs/freemap"
)

const (
	Magic = 0x494E4F44

	ptrsPerSector   = blockdev.SectorSize / 4
	directCount     = 10
	singleIndirect  = 10
	doubleIndirect  = 11
	pointerCount    = 12

	directBytes = directCount * blockdev.SectorSize
	singleBytes = ptrsPerSector * blockdev.SectorSize
	doubleBytes = ptrsPerSector * ptrsPerSector * blockdev.SectorSize

	MaxFileSize = directBytes + singleBytes + doubleBytes
)

// Type tags the kind of file an inode describes.
type Type uint32

const (
	TypeFile Type = iota
	TypeDir
)

// OnDisk is the exact 512-byte record persisted at an inode's sector.
type OnDisk struct {
	Magic      uint32
	Length     uint32
	Parent     uint32
	Type       Type
	Pointers   [pointerCount]uint32
	CreatedAt  uint32 // unix seconds
	ModifiedAt uint32 // unix seconds
}

const pointersOffset = 16
const timestampsOffset = pointersOffset + pointerCount*4

func (d OnDisk) encode() []byte {
	buf := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], d.Length)
	binary.LittleEndian.PutUint32(buf[8:12], d.Parent)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(d.Type))
	for i, p := range d.Pointers {
		off := pointersOffset + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
	}
	binary.LittleEndian.PutUint32(buf[timestampsOffset:timestampsOffset+4], d.CreatedAt)
	binary.LittleEndian.PutUint32(buf[timestampsOffset+4:timestampsOffset+8], d.ModifiedAt)
	return buf
}

func decode(buf []byte) (OnDisk, error) {
	var d OnDisk
	d.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if d.Magic != Magic {
		return d, fmt.Errorf("inode: bad magic %#x", d.Magic)
	}
	d.Length = binary.LittleEndian.Uint32(buf[4:8])
	d.Parent = binary.LittleEndian.Uint32(buf[8:12])
	d.Type = Type(binary.LittleEndian.Uint32(buf[12:16]))
	for i := range d.Pointers {
		off := pointersOffset + i*4
		d.Pointers[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	d.CreatedAt = binary.LittleEndian.Uint32(buf[timestampsOffset : timestampsOffset+4])
	d.ModifiedAt = binary.LittleEndian.Uint32(buf[timestampsOffset+4 : timestampsOffset+8])
	return d, nil
}

// Disk bundles the backing device and free map an inode layer operates
// against. Clock stamps CreatedAt/ModifiedAt on Create and WriteAt; a test
// can inject a timeutil.SimulatedClock, production leaves it nil and gets
// timeutil.RealClock() lazily.
type Disk struct {
	Dev   blockdev.Device
	Map   *freemap.Map
	Clock timeutil.Clock
}

func (d *Disk) clock() timeutil.Clock {
	if d.Clock == nil {
		return timeutil.RealClock()
	}
	return d.Clock
}

func zeroSector(d *Disk, sector uint32) error {
	return d.Dev.WriteAt(sector, make([]byte, blockdev.SectorSize))
}

func readPointerBlock(d *Disk, sector uint32) ([]uint32, error) {
	buf := make([]byte, blockdev.SectorSize)
	if err := d.Dev.ReadAt(sector, buf); err != nil {
		return nil, err
	}
	ptrs := make([]uint32, ptrsPerSector)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return ptrs, nil
}

func writePointerBlock(d *Disk, sector uint32, ptrs []uint32) error {
	buf := make([]byte, blockdev.SectorSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], p)
	}
	return d.Dev.WriteAt(sector, buf)
}

// byteToSector returns the absolute device sector holding byte offset pos
// of the file described by disk, allocating index blocks (but not data
// sectors) lazily as needed when allocate is true.
func byteToSector(d *Disk, disk *OnDisk, pos uint32, allocate bool) (uint32, error) {
	switch {
	case pos < directBytes:
		idx := pos / blockdev.SectorSize
		return disk.Pointers[idx], nil

	case pos < directBytes+singleBytes:
		rel := pos - directBytes
		inner := rel / blockdev.SectorSize
		indSector := disk.Pointers[singleIndirect]
		if indSector == 0 {
			if !allocate {
				return 0, nil
			}
			s, ok := d.Map.Allocate()
			if !ok {
				return 0, fmt.Errorf("inode: no free sectors for indirect block")
			}
			if err := zeroSector(d, s); err != nil {
				return 0, err
			}
			disk.Pointers[singleIndirect] = s
			indSector = s
		}
		ptrs, err := readPointerBlock(d, indSector)
		if err != nil {
			return 0, err
		}
		return ptrs[inner], nil

	default:
		rel := pos - directBytes - singleBytes
		outer := rel / (ptrsPerSector * blockdev.SectorSize)
		inner := (rel % (ptrsPerSector * blockdev.SectorSize)) / blockdev.SectorSize

		outerSector := disk.Pointers[doubleIndirect]
		if outerSector == 0 {
			if !allocate {
				return 0, nil
			}
			s, ok := d.Map.Allocate()
			if !ok {
				return 0, fmt.Errorf("inode: no free sectors for double-indirect block")
			}
			if err := zeroSector(d, s); err != nil {
				return 0, err
			}
			disk.Pointers[doubleIndirect] = s
			outerSector = s
		}
		outerPtrs, err := readPointerBlock(d, outerSector)
		if err != nil {
			return 0, err
		}
		innerSector := outerPtrs[outer]
		if innerSector == 0 {
			if !allocate {
				return 0, nil
			}
			s, ok := d.Map.Allocate()
			if !ok {
				return 0, fmt.Errorf("inode: no free sectors for indirect block")
			}
			if err := zeroSector(d, s); err != nil {
				return 0, err
			}
			outerPtrs[outer] = s
			if err := writePointerBlock(d, outerSector, outerPtrs); err != nil {
				return 0, err
			}
			innerSector = s
		}
		innerPtrs, err := readPointerBlock(d, innerSector)
		if err != nil {
			return 0, err
		}
		return innerPtrs[inner], nil
	}
}

// extendOneSector allocates one new data sector at the first hole in
// disk's index structure (front-to-back: direct, then single-indirect,
// then double-indirect), zero-fills it, and records its pointer.
func extendOneSector(d *Disk, disk *OnDisk) error {
	data, ok := d.Map.Allocate()
	if !ok {
		return fmt.Errorf("inode: no free data sectors")
	}
	if err := zeroSector(d, data); err != nil {
		return err
	}

	// Find the first unoccupied slot in direct range.
	for i := 0; i < directCount; i++ {
		if disk.Pointers[i] == 0 {
			disk.Pointers[i] = data
			return nil
		}
	}

	// Single indirect.
	indSector := disk.Pointers[singleIndirect]
	if indSector == 0 {
		s, ok := d.Map.Allocate()
		if !ok {
			return multierr.Append(fmt.Errorf("inode: no free sectors for indirect block"), d.Map.Release(data))
		}
		if err := zeroSector(d, s); err != nil {
			return err
		}
		disk.Pointers[singleIndirect] = s
		indSector = s
	}
	ptrs, err := readPointerBlock(d, indSector)
	if err != nil {
		return err
	}
	for i, p := range ptrs {
		if p == 0 {
			ptrs[i] = data
			return writePointerBlock(d, indSector, ptrs)
		}
	}

	// Double indirect.
	outerSector := disk.Pointers[doubleIndirect]
	if outerSector == 0 {
		s, ok := d.Map.Allocate()
		if !ok {
			return multierr.Append(fmt.Errorf("inode: no free sectors for double-indirect block"), d.Map.Release(data))
		}
		if err := zeroSector(d, s); err != nil {
			return err
		}
		disk.Pointers[doubleIndirect] = s
		outerSector = s
	}
	outerPtrs, err := readPointerBlock(d, outerSector)
	if err != nil {
		return err
	}
	for outer, innerSector := range outerPtrs {
		if innerSector == 0 {
			s, ok := d.Map.Allocate()
			if !ok {
				return multierr.Append(fmt.Errorf("inode: no free sectors for indirect block"), d.Map.Release(data))
			}
			if err := zeroSector(d, s); err != nil {
				return err
			}
			outerPtrs[outer] = s
			if err := writePointerBlock(d, outerSector, outerPtrs); err != nil {
				return err
			}
			innerSector = s
		}
		innerPtrs, err := readPointerBlock(d, innerSector)
		if err != nil {
			return err
		}
		for inner, p := range innerPtrs {
			if p == 0 {
				innerPtrs[inner] = data
				return writePointerBlock(d, innerSector, innerPtrs)
			}
		}
	}

	return fmt.Errorf("inode: file has reached maximum size %d bytes", MaxFileSize)
}

// Create allocates a fresh inode at a newly allocated sector, writes its
// (empty) on-disk record, and returns the sector it was placed at.
func Create(d *Disk, typ Type, parent uint32) (uint32, error) {
	sector, ok := d.Map.Allocate()
	if !ok {
		return 0, fmt.Errorf("inode: no free sectors")
	}
	now := uint32(d.clock().Now().Unix())
	disk := OnDisk{Magic: Magic, Type: typ, Parent: parent, CreatedAt: now, ModifiedAt: now}
	if err := d.Dev.WriteAt(sector, disk.encode()); err != nil {
		d.Map.Release(sector)
		return 0, err
	}
	return sector, nil
}
