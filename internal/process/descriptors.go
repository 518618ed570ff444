package process

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/edukernel/edukernel/internal/diskfs/file"
	"github.com/edukernel/edukernel/internal/metrics"
)

// Stdin and Stdout are the two reserved low descriptor numbers; every
// open file descriptor starts at 2, matching spec.md's fd-2 indexing.
const (
	Stdin  = 0
	Stdout = 1
)

// Descriptors is one process's fixed-size open-file-descriptor table.
type Descriptors struct {
	mu       sync.Mutex
	files    map[int]*file.Handle
	limit    int
	ownerTag string
}

func NewDescriptors(limit int, ownerID uint32) *Descriptors {
	return &Descriptors{
		files:    make(map[int]*file.Handle),
		limit:    limit,
		ownerTag: strconv.FormatUint(uint64(ownerID), 10),
	}
}

// Install assigns h the first empty descriptor slot, linear-scanning from
// fd 2 (0 and 1 are reserved for stdin/stdout) per spec.md §4.8, rather
// than a monotonic counter — so fds freed by Close are reused instead of
// exhausting the table over many open/close cycles.
func (d *Descriptors) Install(h *file.Handle) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < d.limit; i++ {
		fd := i + 2
		if _, taken := d.files[fd]; !taken {
			d.files[fd] = h
			metrics.DescriptorsInUse.WithLabelValues(d.ownerTag).Set(float64(len(d.files)))
			return fd, nil
		}
	}
	return 0, fmt.Errorf("process: descriptor table full")
}

func (d *Descriptors) Get(fd int) (*file.Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.files[fd]
	return h, ok
}

// Close removes fd from the table and closes its handle. It is not an
// error to close an fd twice; the second call is a no-op, matching the
// original source's close() semantics.
func (d *Descriptors) Close(fd int) error {
	d.mu.Lock()
	h, ok := d.files[fd]
	if ok {
		delete(d.files, fd)
		metrics.DescriptorsInUse.WithLabelValues(d.ownerTag).Set(float64(len(d.files)))
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close()
}

// CloseAll closes every remaining descriptor, called on process exit.
func (d *Descriptors) CloseAll() {
	d.mu.Lock()
	files := d.files
	d.files = make(map[int]*file.Handle)
	metrics.DescriptorsInUse.DeleteLabelValues(d.ownerTag)
	d.mu.Unlock()
	for _, h := range files {
		h.Close()
	}
}
