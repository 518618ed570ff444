package process

import (
	"fmt"

	"github.com/edukernel/edukernel/internal/vm"
	"github.com/edukernel/edukernel/internal/vm/pagedir"
)

// UserMemory is the simulated user address space view used to validate
// and read/write the byte ranges a syscall's pointer arguments describe,
// standing in for the real MMU-backed copyin/copyout this kernel has no
// hardware for (spec.md §4.8's "validate every user pointer").
type UserMemory struct {
	Pages *pagedir.Table
}

func (m UserMemory) frameFor(addr uint32) ([]byte, uint32, error) {
	page := addr - addr%vm.PageSize
	f, _, ok := m.Pages.GetPage(page)
	if !ok {
		return nil, 0, fmt.Errorf("process: unmapped user address %#x", addr)
	}
	return f, addr % vm.PageSize, nil
}

// ValidatePointer reports whether addr lies within a currently mapped
// page, without reading it.
func (m UserMemory) ValidatePointer(addr uint32) error {
	_, _, err := m.frameFor(addr)
	return err
}

func (m UserMemory) ReadByte(addr uint32) (byte, error) {
	f, off, err := m.frameFor(addr)
	if err != nil {
		return 0, err
	}
	return f[off], nil
}

func (m UserMemory) WriteByte(addr uint32, b byte) error {
	f, off, writable, err := m.frameForWrite(addr)
	if err != nil {
		return err
	}
	if !writable {
		return fmt.Errorf("process: write to read-only page at %#x", addr)
	}
	f[off] = b
	return nil
}

func (m UserMemory) frameForWrite(addr uint32) ([]byte, uint32, bool, error) {
	page := addr - addr%vm.PageSize
	f, writable, ok := m.Pages.GetPage(page)
	if !ok {
		return nil, 0, false, fmt.Errorf("process: unmapped user address %#x", addr)
	}
	return f, addr % vm.PageSize, writable, nil
}

// ReadBytes reads n bytes starting at addr, following page boundaries.
func (m UserMemory) ReadBytes(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := m.ReadByte(addr + uint32(i))
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// WriteBytes writes data starting at addr, following page boundaries.
func (m UserMemory) WriteBytes(addr uint32, data []byte) error {
	for i, b := range data {
		if err := m.WriteByte(addr+uint32(i), b); err != nil {
			return err
		}
	}
	return nil
}

// ReadCString reads a NUL-terminated string starting at addr, refusing to
// read past maxLen bytes (guarding against a malicious/unterminated
// string wedging the kernel in an unbounded scan).
func (m UserMemory) ReadCString(addr uint32, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b, err := m.ReadByte(addr + uint32(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", fmt.Errorf("process: string at %#x exceeds %d bytes unterminated", addr, maxLen)
}

func (m UserMemory) WriteUint32(addr, v uint32) error {
	var b [4]byte
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return m.WriteBytes(addr, b[:])
}

func (m UserMemory) ReadUint32(addr uint32) (uint32, error) {
	b, err := m.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
