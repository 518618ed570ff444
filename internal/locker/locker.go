// Package locker supplies the kernel's lock types: a plain mutex and an
// invariant-checked mutex used for the subsystems whose lock order matters
// (filesystem -> frame table -> swap table).
package locker

import (
	"github.com/jacobsa/syncutil"

	"github.com/edukernel/edukernel/internal/logger"
)

var invariantsEnabled bool
var debugEnabled bool

// EnableInvariantsCheck turns on invariant checking for every
// InvariantMutex. Tests call this to catch lock-order or
// state-consistency bugs; it is left off in production for speed.
func EnableInvariantsCheck() { invariantsEnabled = true }

// EnableDebugMessages turns on verbose lock/unlock tracing.
func EnableDebugMessages() { debugEnabled = true }

// InvariantMutex wraps syncutil.InvariantMutex, calling the supplied
// checker immediately after every lock and before every unlock when
// invariant checking has been enabled process-wide.
type InvariantMutex struct {
	mu      syncutil.InvariantMutex
	checker func()
}

// New returns an InvariantMutex that will call check() around every
// critical section once EnableInvariantsCheck has been called.
func New(check func()) *InvariantMutex {
	m := &InvariantMutex{checker: check}
	if check == nil {
		check = func() {}
	}
	m.mu = syncutil.NewInvariantMutex(check)
	return m
}

func (m *InvariantMutex) Lock() {
	m.mu.Lock()
	if debugEnabled {
		logger.Debugf("locker: lock %p", m)
	}
	if invariantsEnabled && m.checker != nil {
		m.checker()
	}
}

func (m *InvariantMutex) Unlock() {
	if invariantsEnabled && m.checker != nil {
		m.checker()
	}
	if debugEnabled {
		logger.Debugf("locker: unlock %p", m)
	}
	m.mu.Unlock()
}
