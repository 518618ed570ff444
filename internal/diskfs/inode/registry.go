package inode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edukernel/edukernel/internal/blockdev"
	"github.com/edukernel/edukernel/internal/metrics"
)

// ErrDenyWrite is returned by WriteAt while the inode's deny-write counter
// is above zero (an executable image currently being run). Per spec.md's
// error table this surfaces to the caller as a 0-byte write, not a fatal
// condition.
var ErrDenyWrite = errors.New("inode: write denied")

// Open is a process-wide open reference to an on-disk inode. Multiple
// Open calls for the same sector return the same *Open, reference-counted,
// matching the original source's inode_open/inode_close registry so that
// writers can coordinate deny-write and removers can defer the actual
// free until the last close.
type Open struct {
	disk   *Disk
	sector uint32

	mu          sync.Mutex
	data        OnDisk
	openCount   int
	removed     bool
	denyWriters int // count of processes currently denied write
	writeDenied bool
}

// Registry is the process-wide open-inode table, keyed by sector.
type Registry struct {
	disk *Disk

	mu    sync.Mutex
	inodes map[uint32]*Open
}

func NewRegistry(d *Disk) *Registry {
	return &Registry{disk: d, inodes: make(map[uint32]*Open)}
}

// Open returns the Open for sector, reading it from disk on first open and
// incrementing its reference count on every call.
func (r *Registry) Open(sector uint32) (*Open, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.inodes[sector]; ok {
		o.mu.Lock()
		o.openCount++
		o.mu.Unlock()
		return o, nil
	}

	buf := make([]byte, blockdev.SectorSize)
	if err := r.disk.Dev.ReadAt(sector, buf); err != nil {
		return nil, fmt.Errorf("inode: read sector %d: %w", sector, err)
	}
	data, err := decode(buf)
	if err != nil {
		return nil, err
	}
	o := &Open{disk: r.disk, sector: sector, data: data, openCount: 1}
	r.inodes[sector] = o
	metrics.OpenInodes.Set(float64(len(r.inodes)))
	return o, nil
}

// Close drops one reference to o. When the count reaches zero and the
// inode was removed while open, its sectors (data and index blocks) are
// released back to the free map.
func (r *Registry) Close(o *Open) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o.mu.Lock()
	o.openCount--
	shouldFree := o.openCount == 0
	removed := o.removed
	o.mu.Unlock()

	if !shouldFree {
		return nil
	}
	delete(r.inodes, o.sector)
	metrics.OpenInodes.Set(float64(len(r.inodes)))

	if !removed {
		return nil
	}
	return r.releaseAllSectors(o)
}

// ReachableSectors returns every sector o's index structure points at
// (data sectors plus single/double-indirect index blocks), not including
// o's own inode sector. Used by fsck to cross-check the free map against
// what the directory tree actually reaches.
func (o *Open) ReachableSectors() ([]uint32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var sectors []uint32
	for i := 0; i < directCount; i++ {
		if p := o.data.Pointers[i]; p != 0 {
			sectors = append(sectors, p)
		}
	}
	if ind := o.data.Pointers[singleIndirect]; ind != 0 {
		ptrs, err := readPointerBlock(o.disk, ind)
		if err != nil {
			return nil, err
		}
		for _, p := range ptrs {
			if p != 0 {
				sectors = append(sectors, p)
			}
		}
		sectors = append(sectors, ind)
	}
	if outer := o.data.Pointers[doubleIndirect]; outer != 0 {
		outerPtrs, err := readPointerBlock(o.disk, outer)
		if err != nil {
			return nil, err
		}
		for _, ind := range outerPtrs {
			if ind == 0 {
				continue
			}
			ptrs, err := readPointerBlock(o.disk, ind)
			if err != nil {
				return nil, err
			}
			for _, p := range ptrs {
				if p != 0 {
					sectors = append(sectors, p)
				}
			}
			sectors = append(sectors, ind)
		}
		sectors = append(sectors, outer)
	}
	return sectors, nil
}

func (r *Registry) releaseAllSectors(o *Open) error {
	d := r.disk
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i := 0; i < directCount; i++ {
		if p := o.data.Pointers[i]; p != 0 {
			record(d.Map.Release(p))
		}
	}
	if ind := o.data.Pointers[singleIndirect]; ind != 0 {
		if ptrs, err := readPointerBlock(d, ind); err == nil {
			for _, p := range ptrs {
				if p != 0 {
					record(d.Map.Release(p))
				}
			}
		}
		record(d.Map.Release(ind))
	}
	if outer := o.data.Pointers[doubleIndirect]; outer != 0 {
		if outerPtrs, err := readPointerBlock(d, outer); err == nil {
			for _, ind := range outerPtrs {
				if ind == 0 {
					continue
				}
				if ptrs, err := readPointerBlock(d, ind); err == nil {
					for _, p := range ptrs {
						if p != 0 {
							record(d.Map.Release(p))
						}
					}
				}
				record(d.Map.Release(ind))
			}
		}
		record(d.Map.Release(outer))
	}
	record(d.Map.Release(o.sector))
	return firstErr
}

// Remove marks o for deletion. The underlying sectors are not released
// until the last Close, so readers/writers with the inode still open
// continue to see the old contents (matching spec.md's deferred-unlink
// inference, DESIGN.md Open Question 1).
func (o *Open) Remove() {
	o.mu.Lock()
	o.removed = true
	o.mu.Unlock()
}

func (o *Open) Removed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removed
}

func (o *Open) Sector() uint32 { return o.sector }

func (o *Open) Type() Type {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.Type
}

func (o *Open) Parent() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.Parent
}

func (o *Open) Length() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.Length
}

func (o *Open) CreatedAt() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.CreatedAt
}

func (o *Open) ModifiedAt() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.ModifiedAt
}

// DenyWrite refuses further writes to the inode (used while an executable
// is running), matching inode_deny_write/inode_allow_write.
func (o *Open) DenyWrite() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denyWriters++
	o.writeDenied = true
}

func (o *Open) AllowWrite() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denyWriters--
	if o.denyWriters <= 0 {
		o.denyWriters = 0
		o.writeDenied = false
	}
}

func (o *Open) WriteDenied() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeDenied
}

// ReadAt reads len(buf) bytes starting at offset, returning a short count
// at end of file (never an error for a short read within bounds).
func (o *Open) ReadAt(buf []byte, offset uint32) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if offset >= o.data.Length {
		return 0, nil
	}
	end := offset + uint32(len(buf))
	if end > o.data.Length {
		end = o.data.Length
	}

	read := 0
	sector := make([]byte, blockdev.SectorSize)
	for pos := offset; pos < end; {
		sectorNum, err := byteToSector(o.disk, &o.data, pos, false)
		if err != nil {
			return read, err
		}
		sectorOffset := pos % blockdev.SectorSize
		chunk := blockdev.SectorSize - sectorOffset
		if remaining := end - pos; chunk > remaining {
			chunk = remaining
		}
		if sectorNum == 0 {
			// Sparse hole: reads as zero.
			for i := uint32(0); i < chunk; i++ {
				buf[read+int(i)] = 0
			}
		} else {
			if err := o.disk.Dev.ReadAt(sectorNum, sector); err != nil {
				return read, err
			}
			copy(buf[read:read+int(chunk)], sector[sectorOffset:sectorOffset+chunk])
		}
		read += int(chunk)
		pos += chunk
	}
	return read, nil
}

// WriteAt writes len(buf) bytes at offset, growing the file (zero-filling
// any hole between the old EOF and offset) as needed, per spec.md's sparse
// write semantics. Returns a short count only on an underlying device
// error, at which point the file may already have been grown.
func (o *Open) WriteAt(buf []byte, offset uint32) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.writeDenied {
		return 0, fmt.Errorf("inode: write denied on sector %d: %w", o.sector, ErrDenyWrite)
	}

	end := offset + uint32(len(buf))
	for o.data.Length < end {
		if err := extendOneSector(o.disk, &o.data); err != nil {
			return 0, err
		}
		o.data.Length += blockdev.SectorSize
		if o.data.Length > end {
			o.data.Length = end
		}
	}

	o.data.ModifiedAt = uint32(o.disk.clock().Now().Unix())

	written := 0
	sector := make([]byte, blockdev.SectorSize)
	for pos := offset; pos < end; {
		sectorNum, err := byteToSector(o.disk, &o.data, pos, true)
		if err != nil {
			return written, err
		}
		sectorOffset := pos % blockdev.SectorSize
		chunk := blockdev.SectorSize - sectorOffset
		if remaining := end - pos; chunk > remaining {
			chunk = remaining
		}
		if chunk < blockdev.SectorSize {
			if err := o.disk.Dev.ReadAt(sectorNum, sector); err != nil {
				return written, err
			}
		}
		copy(sector[sectorOffset:sectorOffset+chunk], buf[written:written+int(chunk)])
		if err := o.disk.Dev.WriteAt(sectorNum, sector); err != nil {
			return written, err
		}
		written += int(chunk)
		pos += chunk
	}

	if err := o.persist(); err != nil {
		return written, err
	}
	return written, nil
}

func (o *Open) persist() error {
	return o.disk.Dev.WriteAt(o.sector, o.data.encode())
}

// Sync flushes the current in-memory on-disk record (lengths and pointers
// mutated by WriteAt) back to its sector. Exposed for directory
// operations that mutate an inode's record directly (e.g. setting Parent).
func (o *Open) Sync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persist()
}

func (o *Open) setParent(parent uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data.Parent = parent
	return o.persist()
}

func (o *Open) SetParent(parent uint32) error { return o.setParent(parent) }
