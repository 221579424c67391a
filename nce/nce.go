// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package nce defines the guest-memory and memory-protection
// facility that the coherency core depends on but does not
// implement on its own behalf. A Buffer is handed a Facility
// at construction time and never reaches past it into
// platform-specific mmap/mprotect/signal code directly.
//
// Two implementations are provided: a Linux one (linux.go)
// backed by golang.org/x/sys/unix, and a deterministic fake
// (ncetest) used by the coherency core's tests so that
// correctness of the coherency state machine never depends
// on the host actually delivering a hardware memory fault.
package nce

// GuestSpan identifies a contiguous, page-aligned range of
// guest physical memory. It carries no behavior of its own;
// a Facility interprets Base/Size however its platform
// requires (e.g. as an mmap'd file offset).
type GuestSpan struct {
	Base uintptr
	Size int
}

// End returns the one-past-the-end address of the span.
func (s GuestSpan) End() uintptr { return s.Base + uintptr(s.Size) }

// Contains reports whether span (relative to s's Base) lies
// entirely within s.
func (s GuestSpan) Contains(off int64, size int) bool {
	return off >= 0 && size >= 0 && off+int64(size) <= int64(s.Size)
}

// Mirror is a host-virtual-address mapping aliasing the same
// physical pages as a GuestSpan: the buffer's CPU-side
// authoritative copy.
type Mirror interface {
	// Bytes returns the mirror's backing slice. It is valid
	// until Close is called.
	Bytes() []byte

	// Close unmaps the mirror. It must be called exactly
	// once, after the trap (if any) has been deleted.
	Close() error
}

// PreemptFunc is invoked synchronously, before a guest write
// is allowed to proceed, when the facility was told (via
// TrapRegions) that all CPU writes to the backing must be
// blocked. It runs on the faulting thread and may block.
type PreemptFunc func()

// FaultFunc is invoked when a guest read or write fault
// occurs. It returns true if the fault was handled (the
// facility should let the access retry and succeed) or
// false if the facility should retry delivering the fault
// later (the handler could not make progress without
// blocking, e.g. a contended try-lock).
type FaultFunc func() bool

// Trap is an opaque handle to an installed pair of guest
// read/write traps over some GuestSpan.
type Trap interface {
	// Span returns the GuestSpan this trap was created over.
	Span() GuestSpan
}

// Facility is the external CPU memory-protection collaborator:
// CreateMirror aliases guest pages on the host, CreateTrap
// installs read/write fault callbacks over a span, and
// TrapRegions/PageOutRegions/DeleteTrap adjust or tear down
// that installed protection.
type Facility interface {
	// CreateMirror returns a host mapping aliasing the
	// physical pages underlying span. span must already be
	// page-aligned.
	CreateMirror(span GuestSpan) (Mirror, error)

	// CreateTrap installs a preempt/read/write callback
	// triple over span. The trap starts disarmed; callers
	// must call TrapRegions to arm it.
	CreateTrap(span GuestSpan, preempt PreemptFunc, readTrap, writeTrap FaultFunc) (Trap, error)

	// TrapRegions (re)arms protection over t's span. If
	// writeOnly is true, only guest writes fault (reads see
	// the current mirror contents directly); otherwise both
	// reads and writes fault.
	TrapRegions(t Trap, writeOnly bool)

	// PageOutRegions arms both read and write faults over
	// t's span, so that the next guest access of any kind
	// (read or write) must first be serviced by the trap's
	// callbacks. The pages themselves are not released. Used when the GPU becomes the sole
	// owner of the data (MarkGpuDirty).
	PageOutRegions(t Trap)

	// DeleteTrap removes protection and the callbacks
	// entirely. After this call no fault will ever reach
	// preempt/readTrap/writeTrap again.
	DeleteTrap(t Trap)
}

// MirrorBinder is an optional capability of a Facility whose
// TrapRegions/PageOutRegions back onto real OS-level memory
// protection: the trap created by CreateTrap needs to know
// which pages to mprotect before it can do anything, and those
// are the mirror's, not necessarily the ones CreateTrap itself
// saw. Facilities that dispatch faults without touching real
// protection bits (ncetest) have no need to implement it.
type MirrorBinder interface {
	// BindMirror associates m's backing pages with t. It must
	// be called once, before the first TrapRegions call.
	BindMirror(t Trap, m Mirror)
}
