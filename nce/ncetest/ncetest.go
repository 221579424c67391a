// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package ncetest provides a deterministic, syscall-free
// nce.Facility used by the coherency core's own tests (and
// available to any downstream package that wants to drive
// the core without a real guest-memory mapping).
//
// Guest spans are backed by plain Go slices rather than
// memfd/mmap, and mirrors simply alias the same slice, so
// CreateMirror never fails and GuestRead/GuestWrite never
// touch the kernel. Protection state is tracked exactly like
// nce.LinuxFacility's cooperative model (armed/disarmed
// flags consulted by GuestRead/GuestWrite), just without the
// real mprotect call backing it.
package ncetest

import (
	"sync"

	"github.com/ridgeline-emu/bufcoh/nce"
)

// Facility is the fake nce.Facility.
type Facility struct{}

// NewGuestSpan allocates n bytes of plain host memory and
// returns the GuestSpan describing it together with the
// backing slice. Base is an opaque handle into the
// package-level span table, not a real address.
func (Facility) NewGuestSpan(n int) (nce.GuestSpan, []byte) {
	if n <= 0 {
		panic("ncetest: NewGuestSpan called with n <= 0")
	}
	spansMu.Lock()
	defer spansMu.Unlock()
	b := make([]byte, n)
	id := nextID
	nextID++
	spans[id] = b
	return nce.GuestSpan{Base: uintptr(id), Size: n}, b
}

var (
	spansMu sync.Mutex
	spans   = map[uintptr][]byte{}
	nextID  uintptr = 1
)

// mirror is the fake Mirror: it just aliases the guest span's
// backing slice directly, since there is no kernel-level
// page aliasing to model.
type mirror struct {
	data []byte
}

func (m *mirror) Bytes() []byte { return m.data }
func (m *mirror) Close() error  { m.data = nil; return nil }

func (Facility) CreateMirror(span nce.GuestSpan) (nce.Mirror, error) {
	spansMu.Lock()
	b := spans[span.Base]
	spansMu.Unlock()
	return &mirror{data: b}, nil
}

// trap is the fake Trap.
type trap struct {
	mu         sync.Mutex
	span       nce.GuestSpan
	preempt    nce.PreemptFunc
	readFn     nce.FaultFunc
	writeFn    nce.FaultFunc
	armedRead  bool
	armedWrite bool
	gone       bool

	// Counters let tests assert on how many times a fault was
	// actually delivered, independent of the callback's own
	// bookkeeping.
	ReadFaults  int
	WriteFaults int
	Preempts    int
}

func (t *trap) Span() nce.GuestSpan { return t.span }

func (Facility) CreateTrap(span nce.GuestSpan, preempt nce.PreemptFunc, readTrap, writeTrap nce.FaultFunc) (nce.Trap, error) {
	return &trap{span: span, preempt: preempt, readFn: readTrap, writeFn: writeTrap}, nil
}

func (Facility) TrapRegions(h nce.Trap, writeOnly bool) {
	t := h.(*trap)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return
	}
	t.armedWrite = true
	t.armedRead = !writeOnly
}

func (Facility) PageOutRegions(h nce.Trap) {
	t := h.(*trap)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return
	}
	t.armedWrite = true
	t.armedRead = true
}

func (Facility) DeleteTrap(h nce.Trap) {
	t := h.(*trap)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gone = true
	t.armedRead = false
	t.armedWrite = false
}

// GuestWrite simulates a guest-originated write to m at byte
// offset off, consulting t's armed state and invoking the
// installed preempt/write-fault callbacks exactly as
// nce.GuestWrite would for a real Facility.
func GuestWrite(h nce.Trap, m nce.Mirror, off int64, data []byte) {
	t := h.(*trap)
	t.mu.Lock()
	t.Preempts++
	preempt := t.preempt
	armed := t.armedWrite
	writeFn := t.writeFn
	t.mu.Unlock()

	if preempt != nil {
		preempt()
	}
	if armed {
		t.mu.Lock()
		t.WriteFaults++
		t.mu.Unlock()
		for writeFn != nil && !writeFn() {
		}
		t.mu.Lock()
		t.armedWrite = false
		t.armedRead = false
		t.mu.Unlock()
	}
	copy(m.Bytes()[off:off+int64(len(data))], data)
}

// GuestRead simulates a guest-originated read of len(dst)
// bytes from m at byte offset off.
func GuestRead(h nce.Trap, m nce.Mirror, off int64, dst []byte) {
	t := h.(*trap)
	t.mu.Lock()
	armed := t.armedRead
	readFn := t.readFn
	t.mu.Unlock()

	if armed {
		t.mu.Lock()
		t.ReadFaults++
		t.mu.Unlock()
		for readFn != nil && !readFn() {
		}
		t.mu.Lock()
		t.armedRead = false
		t.mu.Unlock()
	}
	copy(dst, m.Bytes()[off:off+int64(len(dst))])
}

// Stats returns the fault/preempt counters recorded by a
// trap created through this package, for use in assertions.
func Stats(h nce.Trap) (reads, writes, preempts int) {
	t := h.(*trap)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ReadFaults, t.WriteFaults, t.Preempts
}

// Armed reports t's current read/write arming state.
func Armed(h nce.Trap) (read, write bool) {
	t := h.(*trap)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armedRead, t.armedWrite
}
