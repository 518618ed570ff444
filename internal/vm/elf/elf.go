// Package elf implements a minimal 32-bit ELF reader sufficient to load a
// statically linked executable's PT_LOAD segments, grounded on the
// original source's Elf32_Ehdr/Elf32_Phdr handling in process.c.
package elf

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/edukernel/edukernel/internal/vm"
)

const (
	ehdrSize = 52
	phdrSize = 32

	etExec    = 2
	emI386    = 3
	ptLoad    = 1
	pfWritable = 0x2
)

type ehdr struct {
	entry   uint32
	phoff   uint32
	phentsz uint16
	phnum   uint16
}

type phdr struct {
	offset, vaddr, filesz, memsz uint32
	writable                    bool
}

// Segment is one validated PT_LOAD region, ready to be turned into
// supplemental-page-table entries.
type Segment struct {
	VirtAddr     uint32
	FileOffset   uint32
	ReadBytes    uint32
	ZeroBytes    uint32
	Writable     bool
}

// Load parses the ELF header and program headers from r, validates every
// PT_LOAD segment per the original's validate_segment, and returns the
// entry point and segment list. It does not read any code bytes itself;
// that happens lazily on first page fault (spec.md §4.7).
func Load(r io.ReaderAt) (entry uint32, segments []Segment, err error) {
	var hdrBuf [ehdrSize]byte
	if _, err = r.ReadAt(hdrBuf[:], 0); err != nil {
		return 0, nil, fmt.Errorf("elf: read header: %w", err)
	}
	if hdrBuf[0] != 0x7f || string(hdrBuf[1:4]) != "ELF" {
		return 0, nil, fmt.Errorf("elf: bad magic")
	}
	if hdrBuf[4] != 1 { // ELFCLASS32
		return 0, nil, fmt.Errorf("elf: not a 32-bit executable")
	}
	h := ehdr{
		entry:   binary.LittleEndian.Uint32(hdrBuf[24:28]),
		phoff:   binary.LittleEndian.Uint32(hdrBuf[28:32]),
		phentsz: binary.LittleEndian.Uint16(hdrBuf[42:44]),
		phnum:   binary.LittleEndian.Uint16(hdrBuf[44:46]),
	}
	etype := binary.LittleEndian.Uint16(hdrBuf[16:18])
	machine := binary.LittleEndian.Uint16(hdrBuf[18:20])
	if etype != etExec {
		return 0, nil, fmt.Errorf("elf: not an executable (e_type=%d)", etype)
	}
	if machine != emI386 {
		return 0, nil, fmt.Errorf("elf: unsupported machine %d", machine)
	}
	if h.phentsz != phdrSize {
		return 0, nil, fmt.Errorf("elf: unexpected phentsize %d", h.phentsz)
	}

	for i := uint16(0); i < h.phnum; i++ {
		var buf [phdrSize]byte
		off := int64(h.phoff) + int64(i)*int64(phdrSize)
		if _, err = r.ReadAt(buf[:], off); err != nil {
			return 0, nil, fmt.Errorf("elf: read phdr %d: %w", i, err)
		}
		ptype := binary.LittleEndian.Uint32(buf[0:4])
		if ptype != ptLoad {
			continue
		}
		p := phdr{
			offset: binary.LittleEndian.Uint32(buf[4:8]),
			vaddr:  binary.LittleEndian.Uint32(buf[8:12]),
			filesz: binary.LittleEndian.Uint32(buf[16:20]),
			memsz:  binary.LittleEndian.Uint32(buf[20:24]),
		}
		flags := binary.LittleEndian.Uint32(buf[24:28])
		p.writable = flags&pfWritable != 0

		if err = validateSegment(p); err != nil {
			return 0, nil, err
		}

		segments = append(segments, chunkSegment(p)...)
	}
	return h.entry, segments, nil
}

// chunkSegment splits one PT_LOAD phdr into vm.PageSize-sized pieces, one
// Segment per user page, mirroring load_segment's and its caller's exact
// arithmetic in process.c: the phdr's vaddr/offset are first rounded down
// to their containing page (file_page/mem_page), read_bytes is widened by
// the leading page_offset, and zero_bytes is read_bytes's distance up to
// the memsz rounded up to a whole number of pages — which keeps
// `read_bytes + zero_bytes` an exact multiple of PGSIZE so the
// `while (read_bytes > 0 || zero_bytes > 0)` loop below, taking
// `page_read_bytes = min(read_bytes, PGSIZE)` and
// `page_zero_bytes = PGSIZE - page_read_bytes` each iteration, never
// underflows.
func chunkSegment(p phdr) []Segment {
	const pageMask = uint32(vm.PageSize - 1)

	pageOffset := p.vaddr & pageMask
	filePage := p.offset &^ pageMask
	memPage := p.vaddr &^ pageMask

	readBytes := pageOffset + p.filesz
	totalBytes := roundUpPage(pageOffset + p.memsz)
	zeroBytes := totalBytes - readBytes

	vaddr := memPage
	offset := filePage

	var segs []Segment
	for readBytes > 0 || zeroBytes > 0 {
		pageReadBytes := readBytes
		if pageReadBytes > vm.PageSize {
			pageReadBytes = vm.PageSize
		}
		pageZeroBytes := uint32(vm.PageSize) - pageReadBytes

		segs = append(segs, Segment{
			VirtAddr:   vaddr,
			FileOffset: offset,
			ReadBytes:  pageReadBytes,
			ZeroBytes:  pageZeroBytes,
			Writable:   p.writable,
		})

		readBytes -= pageReadBytes
		zeroBytes -= pageZeroBytes
		vaddr += vm.PageSize
		offset += pageReadBytes
	}
	return segs
}

func roundUpPage(n uint32) uint32 {
	const pageMask = uint32(vm.PageSize - 1)
	return (n + pageMask) &^ pageMask
}

// validateSegment mirrors process.c's validate_segment: page-aligned
// offset/vaddr consistency, memsz >= filesz, no wraparound, and page 0
// (the null page) is never mapped.
func validateSegment(p phdr) error {
	if p.memsz < p.filesz {
		return fmt.Errorf("elf: segment memsz (%d) < filesz (%d)", p.memsz, p.filesz)
	}
	if p.memsz == 0 {
		return nil
	}
	if p.offset%vm.PageSize != p.vaddr%vm.PageSize {
		return fmt.Errorf("elf: segment offset/vaddr page-misaligned")
	}
	if p.vaddr+p.memsz < p.vaddr {
		return fmt.Errorf("elf: segment wraps address space")
	}
	if p.vaddr < vm.PageSize {
		return fmt.Errorf("elf: segment maps page 0")
	}
	return nil
}
