package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacobsa/reqtrace"

	"github.com/edukernel/edukernel/internal/diskfs/inode"
)

// Syscall numbers, matching spec.md's 18-entry syscall ABI table.
const (
	SysHalt = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMkdir
	SysChdir
	SysReaddir
	SysIsdir
	SysInumber
)

const maxPathBytes = 512

// Dispatch implements the syscall table of spec.md §6: num selects the
// call, a0/a1/a2 are its raw register-style arguments (pointers into the
// calling process's address space, read/written through p.Mem), and ret
// is the value a fresh user thread would see returned into eax. Every
// call is wrapped in a trace span so a slow syscall shows up in a
// request's trace tree the way the original's FUSE op handlers do.
func Dispatch(ctx context.Context, p *Process, num int, a0, a1, a2 uint32) (ret int32, err error) {
	_, report := reqtrace.StartSpan(ctx, fmt.Sprintf("syscall %d", num))
	defer func() { report(err) }()

	switch num {
	case SysHalt:
		p.Halt()
		return 0, nil

	case SysExit:
		p.Exit(int32(a0))
		return 0, nil

	case SysExec:
		cmdline, rerr := p.Mem.ReadCString(a0, maxPathBytes)
		if rerr != nil {
			return -1, rerr
		}
		args := splitCmdline(cmdline)
		if len(args) == 0 {
			return -1, nil
		}
		child, execErr := p.kernel.Exec(p, args[0], args)
		if execErr != nil {
			return -1, nil
		}
		return int32(child.ID), nil

	case SysWait:
		status, waitErr := p.kernel.Wait(p, a0)
		if waitErr != nil {
			return -1, nil
		}
		return status, nil

	case SysCreate:
		name, rerr := p.Mem.ReadCString(a0, maxPathBytes)
		if rerr != nil {
			return -1, rerr
		}
		if err := p.Create(name); err != nil {
			return 0, nil
		}
		return 1, nil

	case SysRemove:
		name, rerr := p.Mem.ReadCString(a0, maxPathBytes)
		if rerr != nil {
			return -1, rerr
		}
		if err := p.Remove(name); err != nil {
			return 0, nil
		}
		return 1, nil

	case SysOpen:
		name, rerr := p.Mem.ReadCString(a0, maxPathBytes)
		if rerr != nil {
			return -1, rerr
		}
		fd, openErr := p.Open(name)
		if openErr != nil {
			return -1, nil
		}
		return int32(fd), nil

	case SysFilesize:
		size, szErr := p.Filesize(int(a0))
		if szErr != nil {
			return -1, nil
		}
		return int32(size), nil

	case SysRead:
		if a0 == Stdin {
			return 0, nil
		}
		buf := make([]byte, a2)
		n, rdErr := p.Read(int(a0), buf)
		if rdErr != nil && n == 0 {
			return -1, nil
		}
		if werr := p.Mem.WriteBytes(a1, buf[:n]); werr != nil {
			return -1, werr
		}
		return int32(n), nil

	case SysWrite:
		buf, rerr := p.Mem.ReadBytes(a1, int(a2))
		if rerr != nil {
			return -1, rerr
		}
		n, wrErr := p.Write(int(a0), buf)
		if wrErr != nil {
			if errors.Is(wrErr, inode.ErrDenyWrite) {
				return 0, nil
			}
			if errors.Is(wrErr, ErrIsDirectory) {
				return -1, wrErr
			}
			return -1, nil
		}
		return int32(n), nil

	case SysSeek:
		if err := p.Seek(int(a0), a1); err != nil {
			return -1, nil
		}
		return 0, nil

	case SysTell:
		pos, tellErr := p.Tell(int(a0))
		if tellErr != nil {
			return -1, nil
		}
		return int32(pos), nil

	case SysClose:
		p.Close(int(a0))
		return 0, nil

	case SysMkdir:
		name, rerr := p.Mem.ReadCString(a0, maxPathBytes)
		if rerr != nil {
			return -1, rerr
		}
		if err := p.Mkdir(name); err != nil {
			return 0, nil
		}
		return 1, nil

	case SysChdir:
		name, rerr := p.Mem.ReadCString(a0, maxPathBytes)
		if rerr != nil {
			return -1, rerr
		}
		if err := p.Chdir(name); err != nil {
			return 0, nil
		}
		return 1, nil

	case SysReaddir:
		name, ok, rdErr := p.Readdir(int(a0))
		if rdErr != nil || !ok {
			return 0, nil
		}
		buf := append([]byte(name), 0)
		if werr := p.Mem.WriteBytes(a1, buf); werr != nil {
			return -1, werr
		}
		return 1, nil

	case SysIsdir:
		isDir, idErr := p.IsDir(int(a0))
		if idErr != nil {
			return -1, nil
		}
		if isDir {
			return 1, nil
		}
		return 0, nil

	case SysInumber:
		num, numErr := p.Inumber(int(a0))
		if numErr != nil {
			return -1, nil
		}
		return int32(num), nil

	default:
		return -1, fmt.Errorf("process: unknown syscall number %d", num)
	}
}

// splitCmdline tokenizes an exec command line on single spaces, matching
// the original source's naive argument splitting (no quoting support).
func splitCmdline(cmdline string) []string {
	var args []string
	start := -1
	for i, c := range cmdline {
		if c == ' ' {
			if start >= 0 {
				args = append(args, cmdline[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		args = append(args, cmdline[start:])
	}
	return args
}
