// Package directory implements the fixed-stride directory entry format and
// path resolution on top of package inode.
package directory

import (
	"fmt"
	"strings"

	"github.com/edukernel/edukernel/internal/diskfs/inode"
)

const (
	NameMax    = 14
	entryStride = 4 + (NameMax + 1) + 1 // sector + NUL-terminated name + in_use
)

type entry struct {
	sector uint32
	name   string
	inUse  bool
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, entryStride)
	buf[0] = byte(e.sector)
	buf[1] = byte(e.sector >> 8)
	buf[2] = byte(e.sector >> 16)
	buf[3] = byte(e.sector >> 24)
	copy(buf[4:4+NameMax], e.name)
	if e.inUse {
		buf[entryStride-1] = 1
	}
	return buf
}

func decodeEntry(buf []byte) entry {
	sector := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	nameBuf := buf[4 : 4+NameMax+1]
	n := strings.IndexByte(string(nameBuf), 0)
	if n < 0 {
		n = len(nameBuf)
	}
	return entry{sector: sector, name: string(nameBuf[:n]), inUse: buf[entryStride-1] != 0}
}

// Dir is an open directory: its backing inode plus the registry needed to
// open children encountered while walking it.
type Dir struct {
	Inode *inode.Open
	reg   *inode.Registry
}

func Open(reg *inode.Registry, sector uint32) (*Dir, error) {
	o, err := reg.Open(sector)
	if err != nil {
		return nil, err
	}
	if o.Type() != inode.TypeDir {
		reg.Close(o)
		return nil, fmt.Errorf("directory: sector %d is not a directory", sector)
	}
	return &Dir{Inode: o, reg: reg}, nil
}

func Close(d *Dir) error {
	return d.reg.Close(d.Inode)
}

// Create formats a brand-new directory inode at a freshly allocated
// sector, with parent stamped (root is its own parent).
func Create(d *inode.Disk, parentSector uint32) (uint32, error) {
	sector, err := inode.Create(d, inode.TypeDir, parentSector)
	if err != nil {
		return 0, err
	}
	return sector, nil
}

func (d *Dir) readAll() ([]entry, error) {
	length := d.Inode.Length()
	count := length / entryStride
	entries := make([]entry, 0, count)
	buf := make([]byte, entryStride)
	for i := uint32(0); i < count; i++ {
		n, err := d.Inode.ReadAt(buf, i*entryStride)
		if err != nil {
			return nil, err
		}
		if n < entryStride {
			break
		}
		entries = append(entries, decodeEntry(buf))
	}
	return entries, nil
}

func (d *Dir) writeEntryAt(idx uint32, e entry) error {
	_, err := d.Inode.WriteAt(encodeEntry(e), idx*entryStride)
	return err
}

// Lookup scans for name, returning its inode sector.
func (d *Dir) Lookup(name string) (uint32, bool, error) {
	entries, err := d.readAll()
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.inUse && e.name == name {
			return e.sector, true, nil
		}
	}
	return 0, false, nil
}

// Add inserts name -> sector, reusing the first free slot if one exists,
// else appending.
func (d *Dir) Add(name string, sector uint32) error {
	if len(name) == 0 || len(name) > NameMax {
		return fmt.Errorf("directory: invalid name %q", name)
	}
	if _, found, err := d.Lookup(name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("directory: %q already exists", name)
	}

	entries, err := d.readAll()
	if err != nil {
		return err
	}
	for i, e := range entries {
		if !e.inUse {
			return d.writeEntryAt(uint32(i), entry{sector: sector, name: name, inUse: true})
		}
	}
	return d.writeEntryAt(uint32(len(entries)), entry{sector: sector, name: name, inUse: true})
}

// Remove clears the slot for name. Callers are responsible for checking
// IsEmpty before removing a directory.
func (d *Dir) Remove(name string) error {
	entries, err := d.readAll()
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.inUse && e.name == name {
			return d.writeEntryAt(uint32(i), entry{})
		}
	}
	return fmt.Errorf("directory: %q not found", name)
}

// Dirent is one entry returned by Readdir.
type Dirent struct {
	Name   string
	Sector uint32
}

// Readdir returns every occupied entry, in on-disk (slot) order. Per
// spec.md's carried-forward semantics, no synthetic "." or ".." entries
// are produced (DESIGN.md Open Question 3).
func (d *Dir) Readdir() ([]Dirent, error) {
	entries, err := d.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Dirent, 0, len(entries))
	for _, e := range entries {
		if e.inUse {
			out = append(out, Dirent{Name: e.name, Sector: e.sector})
		}
	}
	return out, nil
}

// IsEmpty reports whether the directory has no occupied entries.
func (d *Dir) IsEmpty() (bool, error) {
	entries, err := d.Readdir()
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// GetParent returns the inode sector of the parent directory (the root is
// its own parent).
func (d *Dir) GetParent() uint32 {
	return d.Inode.Parent()
}

// split tokenizes a slash-separated path, dropping empty segments
// produced by repeated slashes.
func split(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ResolveParent walks path from start (root if path is absolute) and
// returns the directory that would contain path's final component, along
// with that component's name. It does not require the final component to
// exist. This is the "give_last=true" half of the original source's
// single overloaded resolve_path, split out per spec.md's design note so
// callers can no longer confuse it with Resolve.
func ResolveParent(reg *inode.Registry, rootSector uint32, start *Dir, path string) (*Dir, string, error) {
	segments := split(path)
	if len(segments) == 0 {
		return nil, "", fmt.Errorf("directory: empty path")
	}

	cur := start
	ownsCur := false
	if strings.HasPrefix(path, "/") || cur == nil {
		var err error
		cur, err = Open(reg, rootSector)
		if err != nil {
			return nil, "", err
		}
		ownsCur = true
	}

	for _, seg := range segments[:len(segments)-1] {
		next, err := descend(reg, rootSector, cur, seg)
		if err != nil {
			if ownsCur {
				Close(cur)
			}
			return nil, "", err
		}
		if ownsCur {
			Close(cur)
		}
		cur = next
		ownsCur = true
	}
	if !ownsCur {
		// Hand back a reference of our own so the caller's Close does not
		// release the one start holds.
		var err error
		if cur, err = Open(reg, cur.Inode.Sector()); err != nil {
			return nil, "", err
		}
	}
	return cur, segments[len(segments)-1], nil
}

// Resolve walks path all the way to its final component and returns the
// directory it names. This is the "give_last=false" half.
func Resolve(reg *inode.Registry, rootSector uint32, start *Dir, path string) (*Dir, error) {
	parent, last, err := ResolveParent(reg, rootSector, start, path)
	if err != nil {
		return nil, err
	}
	defer Close(parent)

	switch last {
	case ".":
		return Open(reg, parent.Inode.Sector())
	case "..":
		return Open(reg, parent.GetParent())
	default:
		sector, found, err := parent.Lookup(last)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("directory: %q not found", last)
		}
		return Open(reg, sector)
	}
}

func descend(reg *inode.Registry, rootSector uint32, cur *Dir, seg string) (*Dir, error) {
	switch seg {
	case ".":
		return Open(reg, cur.Inode.Sector())
	case "..":
		return Open(reg, cur.GetParent())
	default:
		sector, found, err := cur.Lookup(seg)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("directory: %q not found", seg)
		}
		return Open(reg, sector)
	}
}
