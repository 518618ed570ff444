// Package process implements the process lifecycle (exec/wait/exit) and
// the syscall dispatch table, grounded on the original source's
// process.c (lifecycle, argument-stack construction) and syscall.c
// (dispatch shape), completing both files' unimplemented paths per
// spec.md.
package process

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/edukernel/edukernel/internal/diskfs/directory"
	"github.com/edukernel/edukernel/internal/diskfs/file"
	"github.com/edukernel/edukernel/internal/diskfs/inode"
	"github.com/edukernel/edukernel/internal/locker"
	"github.com/edukernel/edukernel/internal/logger"
	"github.com/edukernel/edukernel/internal/vm"
	"github.com/edukernel/edukernel/internal/vm/elf"
	"github.com/edukernel/edukernel/internal/vm/fault"
	"github.com/edukernel/edukernel/internal/vm/frame"
	"github.com/edukernel/edukernel/internal/vm/page"
	"github.com/edukernel/edukernel/internal/vm/pagedir"
	"github.com/edukernel/edukernel/internal/vm/swap"
)

// Kernel is the shared state every process's syscalls operate against:
// the filesystem (behind its own global lock, per spec.md's lock order
// filesystem -> frame table -> swap) and the frame/swap pools every
// process's fault handler draws from.
type Kernel struct {
	Disk       *inode.Disk
	Registry   *inode.Registry
	RootSector uint32
	FSLock     *locker.InvariantMutex
	Frames     *frame.Table
	Swap       *swap.Table

	DescriptorLimit int

	mu        sync.Mutex
	processes map[uint32]*Process
	nextID    uint32
}

func NewKernel(disk *inode.Disk, rootSector uint32, frames *frame.Table, swapTable *swap.Table) *Kernel {
	return &Kernel{
		Disk:            disk,
		Registry:        inode.NewRegistry(disk),
		RootSector:      rootSector,
		FSLock:          locker.New(nil),
		Frames:          frames,
		Swap:            swapTable,
		DescriptorLimit: 128,
		processes:       make(map[uint32]*Process),
	}
}

// Process is one running program: its descriptor table, address space,
// and its place in the exec/wait/exit parent-child protocol.
type Process struct {
	ID     uint32
	kernel *Kernel
	Parent *Process

	Descriptors *Descriptors
	Pages       *page.Table
	Pagedir     *pagedir.Table
	Fault       *fault.Handler
	Mem         UserMemory
	Esp         uint32

	Cwd        *directory.Dir
	Executable *file.Handle
	entry      uint32

	mu         sync.Mutex
	children   []*Process
	exitStatus int32
	exited     bool
	loaded     int // +1 success, -1 failure, 0 still loading

	loadDone  *semaphore.Weighted // child_exec_status: released once load succeeds/fails
	exitDone  *semaphore.Weighted // released by Exit once the exit status is recorded
	allowExit *semaphore.Weighted // released by Wait once the parent has reaped the status
	waited    bool
}

func newBinarySema() *semaphore.Weighted {
	s := semaphore.NewWeighted(1)
	s.Acquire(context.Background(), 1) // start at value 0, like sema_init(s, 0)
	return s
}

// NewProcess creates a process with its own address space, rooted at
// root for path resolution, with no parent (used for the initial
// process started by run).
func (k *Kernel) NewProcess(root *directory.Dir) *Process {
	k.mu.Lock()
	id := k.nextID
	k.nextID++
	k.mu.Unlock()

	p := &Process{
		ID:          id,
		kernel:      k,
		Descriptors: NewDescriptors(k.DescriptorLimit, id),
		Pages:       page.New(),
		Pagedir:     pagedir.New(),
		Cwd:         root,
		loadDone:    newBinarySema(),
		exitDone:    newBinarySema(),
		allowExit:   newBinarySema(),
	}
	p.Mem = UserMemory{Pages: p.Pagedir}
	p.Fault = &fault.Handler{Frames: k.Frames, Swap: k.Swap, Pages: p.Pages, Pagedir: p.Pagedir}

	k.mu.Lock()
	k.processes[id] = p
	k.mu.Unlock()
	return p
}

// Exec starts a new child process running the executable at path
// (resolved relative to parent's cwd), with args passed through unchanged
// as the child's argv, blocking until the load has succeeded or
// failed (process_execute's sema_down(child_exec_status)).
func (k *Kernel) Exec(parent *Process, path string, args []string) (*Process, error) {
	k.FSLock.Lock()
	dir, last, err := directory.ResolveParent(k.Registry, k.RootSector, parent.Cwd, path)
	if err != nil {
		k.FSLock.Unlock()
		return nil, fmt.Errorf("exec: %w", err)
	}
	sector, found, err := dir.Lookup(last)
	directory.Close(dir)
	k.FSLock.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("exec: %q not found", path)
	}

	childCwd, err := directory.Open(k.Registry, parent.Cwd.Inode.Sector())
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	child := k.NewProcess(childCwd)
	child.Parent = parent
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	go child.start(sector, args)

	child.loadDone.Acquire(context.Background(), 1)
	child.mu.Lock()
	ok := child.loaded == 1
	child.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("exec: %q failed to load", path)
	}
	return child, nil
}

// start runs in the child's own goroutine: it loads the ELF image,
// builds the argument stack, and reports success/failure back to the
// parent blocked in Exec.
func (child *Process) start(execSector uint32, args []string) {
	k := child.kernel
	handle, err := file.Open(k.Registry, execSector)
	if err != nil {
		child.reportLoad(false)
		return
	}
	handle.Inode().DenyWrite()
	child.Executable = handle

	entry, segments, err := elf.Load(inodeReaderAt{handle.Inode()})
	if err != nil {
		logger.Warnf("process %d: elf load failed: %v", child.ID, err)
		handle.Inode().AllowWrite()
		handle.Close()
		child.reportLoad(false)
		return
	}

	for _, seg := range segments {
		child.Pages.Insert(&page.Entry{
			Upage:         seg.VirtAddr,
			Writable:      seg.Writable,
			Type:          page.Code,
			File:          handle,
			FileOffset:    int64(seg.FileOffset),
			PageReadBytes: seg.ReadBytes,
			PageZeroBytes: seg.ZeroBytes,
		})
	}

	if err := child.growInitialStack(); err != nil {
		child.reportLoad(false)
		return
	}
	esp, err := BuildArgvStack(child.Mem, vm.UserStackTop, args)
	if err != nil {
		child.reportLoad(false)
		return
	}
	child.Esp = esp
	child.entry = entry
	child.reportLoad(true)
}

func (child *Process) growInitialStack() error {
	return child.Fault.Handle(vm.UserStackTop-4, vm.UserStackTop)
}

// EntryPoint returns the ELF entry address a fresh process would begin
// executing at, valid once Exec has returned successfully.
func (p *Process) EntryPoint() uint32 { return p.entry }

func (child *Process) reportLoad(ok bool) {
	child.mu.Lock()
	if ok {
		child.loaded = 1
	} else {
		child.loaded = -1
	}
	child.mu.Unlock()
	child.loadDone.Release(1)
}

// Wait blocks until childID has exited, returning its exit status. Each
// child may be waited on at most once; a second call returns an error,
// matching process_wait's single-harvest contract.
func (k *Kernel) Wait(parent *Process, childID uint32) (int32, error) {
	parent.mu.Lock()
	var child *Process
	for _, c := range parent.children {
		if c.ID == childID {
			child = c
			break
		}
	}
	parent.mu.Unlock()
	if child == nil {
		return -1, fmt.Errorf("wait: %d is not a child of %d", childID, parent.ID)
	}

	child.mu.Lock()
	if child.waited {
		child.mu.Unlock()
		return -1, fmt.Errorf("wait: %d already waited on", childID)
	}
	child.waited = true
	child.mu.Unlock()

	child.exitDone.Acquire(context.Background(), 1)

	child.mu.Lock()
	status := child.exitStatus
	child.mu.Unlock()

	parent.mu.Lock()
	for i, c := range parent.children {
		if c.ID == childID {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	parent.mu.Unlock()

	child.allowExit.Release(1)
	return status, nil
}

// Exit tears down p's resources and records its exit status for a
// future Wait call. The original source blocks the exiting thread on
// allow_exit_sema until the parent has reaped it, to avoid freeing its
// struct early; since Go's garbage collector removes that hazard, Exit
// does not block on allowExit. Wait still releases allowExit but nothing
// acquires it; a second Wait is rejected by the waited flag.
func (p *Process) Exit(status int32) {
	p.Descriptors.CloseAll()
	if p.Executable != nil {
		p.Executable.Inode().AllowWrite()
		p.Executable.Close()
	}
	for _, e := range p.Pages.All() {
		if e.Frame != nil {
			p.kernel.Frames.Free(e.Frame)
		} else if e.InSwap {
			p.kernel.Swap.Free(e.SwapIndex)
		}
	}
	if p.Cwd != nil {
		directory.Close(p.Cwd)
	}

	p.mu.Lock()
	p.exitStatus = status
	p.exited = true
	p.mu.Unlock()
	p.exitDone.Release(1)

	p.kernel.mu.Lock()
	delete(p.kernel.processes, p.ID)
	p.kernel.mu.Unlock()
}

// inodeReaderAt adapts *inode.Open to io.ReaderAt for the ELF loader.
type inodeReaderAt struct {
	o *inode.Open
}

func (r inodeReaderAt) ReadAt(buf []byte, off int64) (int, error) {
	return r.o.ReadAt(buf, uint32(off))
}
