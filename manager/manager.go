// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package manager discovers overlapping guest buffers and
// owns the buffer/delegate slab that the coherency core
// depends on but does not allocate for itself.
package manager

import (
	"errors"
	"sync"

	"github.com/ridgeline-emu/bufcoh"
	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/internal/bitvec"
	"github.com/ridgeline-emu/bufcoh/nce"
)

// errAlreadyLinked is returned by Relink when old's delegate
// was already relinked by an earlier call.
var errAlreadyLinked = errors.New("manager: buffer already relinked")

// Manager creates buffers against a GPU driver and a guest
// memory facility, and tracks which guest ranges each live
// buffer covers so overlapping requests can be resolved by
// relinking delegates instead of duplicating storage.
type Manager struct {
	mu       sync.Mutex
	gpu      driver.GPU
	facility nce.Facility

	slots []*bufcoh.Buffer
	free  bitvec.V[uint64]

	ranges []guestRange
}

type guestRange struct {
	buf  *bufcoh.Buffer
	base uintptr
	size int
}

// New creates a Manager that allocates through gpu and maps
// guest memory through facility.
func New(gpu driver.GPU, facility nce.Facility) *Manager {
	return &Manager{gpu: gpu, facility: facility}
}

// Open selects and opens the registered driver whose name
// contains name (see driver.Open) and wraps it in a Manager
// that maps guest memory through facility.
func Open(name string, facility nce.Facility) (*Manager, error) {
	gpu, err := driver.Open(name)
	if err != nil {
		return nil, err
	}
	return New(gpu, facility), nil
}

// allocSlot records b in the slab, reusing a slot freed by a
// prior Forget if one is available.
func (m *Manager) allocSlot(b *bufcoh.Buffer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.free.Search()
	if !ok {
		idx = m.free.Grow(1)
	}
	m.free.Set(idx)
	if idx >= len(m.slots) {
		grown := make([]*bufcoh.Buffer, idx+1)
		copy(grown, m.slots)
		m.slots = grown
	}
	m.slots[idx] = b
	return idx
}

// Forget releases b's slab slot and drops its guest-range
// tracking entry. It does not call b.Destroy; callers decide
// buffer lifetime independently of slab bookkeeping.
func (m *Manager) Forget(b *bufcoh.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.slots {
		if s == b {
			m.slots[i] = nil
			m.free.Unset(i)
			break
		}
	}
	for i, r := range m.ranges {
		if r.buf == b {
			m.ranges = append(m.ranges[:i], m.ranges[i+1:]...)
			break
		}
	}
}

// CreateGuestBuffer allocates a GPU-visible backing for span
// and wires it to a Buffer whose guest mapping is already set
// up (SetupGuestMappings has been called), returning a view
// over the buffer's full span alongside it.
func (m *Manager) CreateGuestBuffer(span nce.GuestSpan) (*bufcoh.Buffer, *bufcoh.BufferView, error) {
	mirror, err := m.facility.CreateMirror(span)
	if err != nil {
		return nil, nil, err
	}
	backing, err := m.gpu.NewBuffer(int64(span.Size), true, driver.UGeneric)
	if err != nil {
		mirror.Close()
		return nil, nil, err
	}
	b := bufcoh.NewGuestBuffer(m.facility, span, mirror, backing)
	if err := bufcoh.SetupGuestMappings(b); err != nil {
		backing.Destroy()
		mirror.Close()
		return nil, nil, err
	}
	m.allocSlot(b)
	m.mu.Lock()
	m.ranges = append(m.ranges, guestRange{buf: b, base: span.Base, size: span.Size})
	m.mu.Unlock()
	return b, b.GetView(0, int64(span.Size)), nil
}

// CreateHostBuffer allocates a GPU-visible backing with no
// guest counterpart, returning a view over the buffer's full
// size alongside it.
func (m *Manager) CreateHostBuffer(size int64, usage driver.Usage) (*bufcoh.Buffer, *bufcoh.BufferView, error) {
	backing, err := m.gpu.NewBuffer(size, true, usage)
	if err != nil {
		return nil, nil, err
	}
	b := bufcoh.NewHostBuffer(backing)
	m.allocSlot(b)
	return b, b.GetView(0, size), nil
}

// Overlaps returns every tracked guest-backed buffer whose
// guest range intersects span.
func (m *Manager) Overlaps(span nce.GuestSpan) []*bufcoh.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := span.Base, span.Base+uintptr(span.Size)
	var out []*bufcoh.Buffer
	for _, r := range m.ranges {
		rhi := r.base + uintptr(r.size)
		if r.base < hi && lo < rhi {
			out = append(out, r.buf)
		}
	}
	return out
}

// Relink redirects old's delegate onto newBuf's delegate, at
// offset bytes into newBuf, so that every outstanding
// BufferView over old transparently migrates to newBuf the
// next time it locks. old itself is left otherwise
// untouched; callers typically Destroy it once every
// in-flight use has drained. It returns an error instead of
// panicking if old's delegate was already linked by a prior
// call.
func (m *Manager) Relink(old, newBuf *bufcoh.Buffer, offset int64) error {
	if !old.Delegate().TryLink(newBuf.Delegate(), offset) {
		return errAlreadyLinked
	}
	return nil
}
