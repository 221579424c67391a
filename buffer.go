// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package bufcoh implements the guest-host buffer coherency
// core of the emulation layer: Buffer tracks which side (CPU
// or GPU) currently holds the authoritative bytes for a
// guest-backed or host-only allocation, synchronizes the two
// on demand, and exposes BufferView/BufferDelegate so that
// handles into a Buffer keep working across migration.
package bufcoh

import (
	"sync"
	"sync/atomic"

	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/fence"
	"github.com/ridgeline-emu/bufcoh/megabuffer"
	"github.com/ridgeline-emu/bufcoh/nce"
)

// DirtyState identifies which side of a Buffer currently
// holds the authoritative bytes.
type DirtyState int

const (
	// Clean means mirror and backing agree.
	Clean DirtyState = iota
	// CpuDirty means the mirror is fresher than backing.
	CpuDirty
	// GpuDirty means backing is fresher than the mirror.
	GpuDirty
)

// Immutability is a per-context promise about CPU writes to
// a Buffer's backing storage. It is always reset to None
// when the buffer is unlocked.
type Immutability int

const (
	// ImmutabilityNone places no restriction on CPU writes.
	ImmutabilityNone Immutability = iota
	// SequencedWrites requires CPU writes to backing to be
	// ordered with respect to GPU reads, but does not forbid
	// them outright.
	SequencedWrites
	// AllWrites forbids CPU writes to backing entirely; every
	// mutation must be routed through the mirror or a GPU
	// copy.
	AllWrites
)

var nextID atomic.Uint64

// bufferHandle is the weak-reference cell trap callbacks
// close over instead of the Buffer itself, so that a
// destroyed buffer's trap callbacks become silent no-ops
// rather than keeping the buffer alive or racing its
// teardown.
type bufferHandle struct {
	mu  sync.Mutex
	buf *Buffer
}

func (h *bufferHandle) get() *Buffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf
}

func (h *bufferHandle) drop() {
	h.mu.Lock()
	h.buf = nil
	h.mu.Unlock()
}

// Buffer represents one contiguous guest memory region
// mirrored by one host GPU-visible allocation, or a
// host-only allocation with no guest counterpart.
type Buffer struct {
	id uint64

	facility nce.Facility  // nil for host-only buffers
	guest    *nce.GuestSpan
	mirrorH  nce.Mirror
	mirror   []byte // nil for host-only buffers
	trap     nce.Trap
	self     *bufferHandle

	backing driver.Buffer

	delegate *BufferDelegate
	table    *megabuffer.Table

	lock lockState

	stateMu             sync.Mutex
	dirtyState          DirtyState
	immutability        Immutability
	cycle               *fence.Cycle
	sequenceNumber      uint64
	everHadInlineUpdate bool
}

// ID returns the buffer's process-unique identity.
func (b *Buffer) ID() uint64 { return b.id }

// Delegate returns the single BufferDelegate this buffer was
// created with.
func (b *Buffer) Delegate() *BufferDelegate { return b.delegate }

// Backing returns the buffer's GPU-visible backing storage, for
// callers (the buffer manager's GPU-copy path) that need to
// record a copy command targeting it directly.
func (b *Buffer) Backing() driver.Buffer { return b.backing }

// NewHostBuffer wraps a GPU allocation with no guest
// counterpart. Host-only buffers are pinned to Clean and
// never carry a mirror or trap (invariant: a host-only
// buffer is permanently Clean).
func NewHostBuffer(backing driver.Buffer) *Buffer {
	b := &Buffer{
		id:             nextID.Add(1),
		backing:        backing,
		dirtyState:     Clean,
		sequenceNumber: 1,
		cycle:          fence.Signal(nil),
	}
	b.table = megabuffer.NewTable(backing.Cap())
	b.delegate = newDelegate(b)
	b.self = &bufferHandle{buf: b}
	return b
}

// NewGuestBuffer wraps a GPU allocation aliased to guest
// memory via mirror. The trap is not installed by this
// constructor: call SetupGuestMappings once the buffer has
// reached its final location, since the trap callbacks
// capture a weak self-reference that must be stable.
func NewGuestBuffer(facility nce.Facility, span nce.GuestSpan, mirror nce.Mirror, backing driver.Buffer) *Buffer {
	b := &Buffer{
		id:             nextID.Add(1),
		facility:       facility,
		guest:          &span,
		mirrorH:        mirror,
		mirror:         mirror.Bytes(),
		backing:        backing,
		dirtyState:     Clean,
		sequenceNumber: 1,
		cycle:          fence.Signal(nil),
	}
	b.table = megabuffer.NewTable(int64(len(b.mirror)))
	b.delegate = newDelegate(b)
	b.self = &bufferHandle{buf: b}
	return b
}

// SetupGuestMappings installs the read/write/preempt trap
// over b's guest span. It must be called exactly once, after
// construction, for every guest-backed buffer, and never for
// a host-only one.
func SetupGuestMappings(b *Buffer) error {
	if b.guest == nil {
		panic("bufcoh: SetupGuestMappings on host-only buffer")
	}
	if b.trap != nil {
		panic("bufcoh: SetupGuestMappings called more than once")
	}
	t, err := b.facility.CreateTrap(*b.guest, b.self.preempt, b.self.readTrap, b.self.writeTrap)
	if err != nil {
		return err
	}
	if binder, ok := b.facility.(nce.MirrorBinder); ok {
		binder.BindMirror(t, b.mirrorH)
	}
	b.trap = t
	b.facility.TrapRegions(t, true)
	return nil
}

// data returns the slice Read/Write/GetReadOnlyBackingSpan
// should treat as authoritative for the buffer's current
// dirty state: the mirror for guest-backed buffers, or the
// backing's own host-visible bytes for host-only ones.
func (b *Buffer) data() []byte {
	if b.mirror != nil {
		return b.mirror
	}
	return b.backing.Bytes()
}

// Lock acquires the buffer's exclusive lock unconditionally,
// with no context-tag re-entry tracking.
func (b *Buffer) Lock() { b.lock.mu.Lock() }

// TryLock attempts to acquire the exclusive lock without
// blocking.
func (b *Buffer) TryLock() bool { return b.lock.mu.TryLock() }

// LockWithTag acquires the exclusive lock on behalf of tag.
// If tag already owns the lock, it returns false immediately
// without touching the underlying mutex (re-entry by
// identity, not recursion); otherwise it blocks until
// acquired and returns true.
func (b *Buffer) LockWithTag(tag ContextTag) bool {
	if tag != NoTag && b.lock.ownerTag() == tag {
		return false
	}
	b.lock.mu.Lock()
	b.lock.owner.Store(uintptr(tag))
	return true
}

// Unlock releases the exclusive lock, and, per the
// per-context scoping of backing immutability, resets both
// the owning tag and backingImmutability to their defaults.
func (b *Buffer) Unlock() {
	b.lock.owner.Store(uintptr(NoTag))
	b.stateMu.Lock()
	b.immutability = ImmutabilityNone
	b.stateMu.Unlock()
	b.lock.mu.Unlock()
}

// BlockSequencedCpuBackingWrites upgrades backingImmutability
// from None to SequencedWrites. Valid only while the buffer
// is locked (caller contract, not dynamically checked).
func (b *Buffer) BlockSequencedCpuBackingWrites() {
	b.stateMu.Lock()
	if b.immutability == ImmutabilityNone {
		b.immutability = SequencedWrites
	}
	b.stateMu.Unlock()
}

// BlockAllCpuBackingWrites forces backingImmutability to
// AllWrites. Valid only while the buffer is locked.
func (b *Buffer) BlockAllCpuBackingWrites() {
	b.stateMu.Lock()
	b.immutability = AllWrites
	b.stateMu.Unlock()
}

// SequencedCpuBackingWritesBlocked reports whether
// backingImmutability is not None.
func (b *Buffer) SequencedCpuBackingWritesBlocked() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.immutability != ImmutabilityNone
}

// AllCpuBackingWritesBlocked reports whether
// backingImmutability is AllWrites.
func (b *Buffer) AllCpuBackingWritesBlocked() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.immutability == AllWrites
}

// RequiresCycleAttach is an alias for
// SequencedCpuBackingWritesBlocked: once any CPU-write
// restriction is active, the submitting context must attach
// its fence cycle to this buffer.
func (b *Buffer) RequiresCycleAttach() bool {
	return b.SequencedCpuBackingWritesBlocked()
}

// EverHadInlineUpdate reports whether a GPU-visible inline
// write has ever occurred on this buffer.
func (b *Buffer) EverHadInlineUpdate() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.everHadInlineUpdate
}

// WaitOnFence blocks until the buffer's current fence cycle
// completes.
func (b *Buffer) WaitOnFence() error {
	b.stateMu.Lock()
	c := b.cycle
	b.stateMu.Unlock()
	return c.Wait()
}

// PollFence reports whether the buffer's current fence cycle
// has already completed, without blocking.
func (b *Buffer) PollFence() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.pollFenceLocked()
}

func (b *Buffer) pollFenceLocked() bool { return b.cycle.Poll() }

// UpdateCycle replaces the buffer's fence cycle with c. If
// the previous cycle has not yet completed, it is chained
// onto c so that waiting on c transitively waits for the
// prior GPU work too.
func (b *Buffer) UpdateCycle(c *fence.Cycle) {
	b.stateMu.Lock()
	if b.cycle != nil && !b.cycle.Poll() {
		c.ChainCycle(b.cycle)
	}
	b.cycle = c
	b.stateMu.Unlock()
}

// AdvanceSequence bumps and returns the buffer's sequence
// number. Exported for callers that mutate backing directly
// outside of Write (e.g. a bulk replace).
func (b *Buffer) AdvanceSequence() uint64 {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.advanceSequenceLocked()
}

func (b *Buffer) advanceSequenceLocked() uint64 {
	b.sequenceNumber++
	return b.sequenceNumber
}

// SynchronizeHost copies mirror into backing if the buffer is
// CpuDirty; otherwise it is a no-op. Unless skipTrap, the
// write trap is re-armed before the copy so that a guest
// write racing the copy is caught rather than silently lost.
func (b *Buffer) SynchronizeHost(skipTrap bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.synchronizeHostLocked(skipTrap)
}

func (b *Buffer) synchronizeHostLocked(skipTrap bool) {
	if b.dirtyState != CpuDirty {
		return
	}
	b.cycle.Wait()
	b.advanceSequenceLocked()
	if !skipTrap && b.trap != nil {
		b.facility.TrapRegions(b.trap, true)
	}
	copy(b.backing.Bytes(), b.mirror)
	b.dirtyState = Clean
}

// SynchronizeGuest copies backing into mirror if the buffer
// is GpuDirty; a buffer that is not GpuDirty (every host-only
// buffer included) returns true without doing anything. If
// nonBlocking is true and the fence cycle has not yet
// signaled, it returns false without mutating any state. A
// GpuDirty buffer with no guest backing also returns false.
// Unless skipTrap, both read and write traps are re-armed
// once the copy completes.
func (b *Buffer) SynchronizeGuest(skipTrap, nonBlocking bool) bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.synchronizeGuestLocked(skipTrap, nonBlocking)
}

func (b *Buffer) synchronizeGuestLocked(skipTrap, nonBlocking bool) bool {
	if b.dirtyState != GpuDirty {
		return true
	}
	if b.guest == nil {
		return false
	}
	if nonBlocking && !b.pollFenceLocked() {
		return false
	}
	b.cycle.Wait()
	copy(b.mirror, b.backing.Bytes())
	b.dirtyState = Clean
	if !skipTrap && b.trap != nil {
		b.facility.TrapRegions(b.trap, false)
	}
	return true
}

// SynchronizeGuestImmediate flushes pending GPU work (via
// flushHostCallback) before synchronizing, unless isFirstUsage
// is true: if this is the first context to touch the
// resource within the current execution, no other work could
// have raced ahead of it.
func (b *Buffer) SynchronizeGuestImmediate(isFirstUsage bool, flushHostCallback func()) bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.synchronizeGuestImmediateLocked(isFirstUsage, flushHostCallback)
}

func (b *Buffer) synchronizeGuestImmediateLocked(isFirstUsage bool, flushHostCallback func()) bool {
	if !isFirstUsage && flushHostCallback != nil {
		flushHostCallback()
	}
	return b.synchronizeGuestLocked(false, false)
}

// MarkGpuDirty transitions a guest-backed buffer to GpuDirty,
// flushing any pending CPU write first, revoking guest access
// to the backing pages, and entering AllWrites immutability.
func (b *Buffer) MarkGpuDirty() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.guest == nil {
		panic("bufcoh: MarkGpuDirty on host-only buffer")
	}
	if b.dirtyState == CpuDirty {
		b.synchronizeHostLocked(true)
	}
	b.dirtyState = GpuDirty
	if b.trap != nil {
		b.facility.PageOutRegions(b.trap)
	}
	b.immutability = AllWrites
	b.advanceSequenceLocked()
}

// Invalidate discards the buffer's dirty tracking state
// (forcing it back to Clean with no assumptions about mirror
// or backing content), drops every cached megabuffer entry,
// and re-arms the write trap as a fresh Clean buffer would
// have. It is used when a buffer's contents are replaced
// wholesale, outside of the normal Write/sync paths.
func (b *Buffer) Invalidate() {
	b.stateMu.Lock()
	b.dirtyState = Clean
	b.advanceSequenceLocked()
	trap, facility := b.trap, b.facility
	b.stateMu.Unlock()
	b.table.Invalidate()
	if trap != nil {
		facility.TrapRegions(trap, true)
	}
}

// AcquireCurrentSequence synchronizes from the GPU side if
// necessary and returns the resulting sequence number along
// with the mirror span it covers. Callers may cache the span
// only while the returned sequence number remains unchanged.
// It returns (0, nil) if synchronization could not complete
// without blocking.
func (b *Buffer) AcquireCurrentSequence() (uint64, []byte) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.dirtyState == GpuDirty {
		if !b.synchronizeGuestLocked(false, true) {
			return 0, nil
		}
	}
	return b.sequenceNumber, b.mirror
}

// Read copies size(out) bytes starting at offset into out,
// synchronizing from the GPU side first if necessary.
func (b *Buffer) Read(out []byte, offset int64, isFirstUsage bool, flushHostCallback func()) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.dirtyState == GpuDirty {
		b.synchronizeGuestImmediateLocked(isFirstUsage, flushHostCallback)
	}
	src := b.data()
	copy(out, src[offset:offset+int64(len(out))])
}

// GetReadOnlyBackingSpan synchronizes from the GPU side if
// necessary and returns the mirror span in its entirety. The
// GPU-owned backing storage itself is never exposed this way.
func (b *Buffer) GetReadOnlyBackingSpan(isFirstUsage bool, flushHostCallback func()) []byte {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.dirtyState == GpuDirty {
		b.synchronizeGuestImmediateLocked(isFirstUsage, flushHostCallback)
	}
	return b.data()
}

// Write stores data at offset, returning true if the caller
// must retry with a non-nil gpuCopyCallback (no way to apply
// the write without one): GPU-dirty content is synchronized
// first, then an immutability-blocked CPU-dirty buffer is
// flushed to host before the new bytes land, and finally the
// backing copy is skipped unless the fence has already
// signaled or a GPU-side copy callback is available.
func (b *Buffer) Write(isFirstUsage bool, flushHostCallback func(), data []byte, offset int64, gpuCopyCallback func()) bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	b.advanceSequenceLocked()
	b.everHadInlineUpdate = true

	if b.dirtyState == GpuDirty {
		b.synchronizeGuestImmediateLocked(isFirstUsage, flushHostCallback)
	}
	blocked := b.immutability != ImmutabilityNone
	if b.dirtyState == CpuDirty && blocked {
		b.synchronizeHostLocked(false)
	}

	dst := b.data()
	copy(dst[offset:offset+int64(len(data))], data)

	if b.dirtyState == CpuDirty {
		// Not sequence-blocked (the blocked+CpuDirty case was
		// already flushed to Clean above): the pending
		// SynchronizeHost at the next execution boundary will
		// pick this write up.
		return false
	}
	if !blocked && b.pollFenceLocked() {
		copy(b.backing.Bytes()[offset:offset+int64(len(data))], data)
		return false
	}
	if gpuCopyCallback != nil {
		gpuCopyCallback()
		return false
	}
	return true
}

// TryMegaBufferView attempts to return a cached or freshly
// staged megabuffer binding covering
// GetReadOnlyBackingSpan()[offset : offset+size], refusing
// when the content is indeterminate, not worth staging, or
// too large.
func (b *Buffer) TryMegaBufferView(allocator megabuffer.Allocator, executionNumber uint64, offset, size int64) (megabuffer.Allocation, bool) {
	b.stateMu.Lock()
	if !b.synchronizeGuestLocked(false, true) {
		b.stateMu.Unlock()
		return megabuffer.Allocation{}, false
	}
	if !b.everHadInlineUpdate && b.sequenceNumber < megabuffer.FrequentlySyncedThreshold {
		b.stateMu.Unlock()
		return megabuffer.Allocation{}, false
	}
	if size > megabuffer.DisableThreshold {
		b.stateMu.Unlock()
		return megabuffer.Allocation{}, false
	}
	cyc, seq, mirror := b.cycle, b.sequenceNumber, b.data()
	b.stateMu.Unlock()
	return b.table.TryView(cyc, allocator, executionNumber, seq, mirror, offset, size)
}

// TryGetView returns a view over [offset, offset+size) if
// that range is contained by the buffer, or (nil, false)
// otherwise.
func (b *Buffer) TryGetView(offset, size int64) (*BufferView, bool) {
	if offset < 0 || size < 0 {
		return nil, false
	}
	if b.guest != nil {
		if !b.guest.Contains(offset, int(size)) {
			return nil, false
		}
	} else if offset+size > b.backing.Cap() {
		return nil, false
	}
	return newView(b.delegate, offset, size), true
}

// GetView is TryGetView but aborts if the range is not
// contained by the buffer: callers use it once offset/size
// have already been validated against this buffer elsewhere.
func (b *Buffer) GetView(offset, size int64) *BufferView {
	v, ok := b.TryGetView(offset, size)
	if !ok {
		panic("bufcoh: GetView: range not contained by buffer")
	}
	return v
}

// Destroy deletes the trap (if any), performs a final
// non-re-arming SynchronizeGuest, unmaps the mirror, and
// awaits the outstanding fence. It must be called exactly
// once, with no outstanding views expected to resolve past
// this point.
func (b *Buffer) Destroy() error {
	b.stateMu.Lock()
	if b.trap != nil {
		b.facility.DeleteTrap(b.trap)
	}
	b.synchronizeGuestLocked(true, false)
	cyc := b.cycle
	b.stateMu.Unlock()

	b.self.drop()

	var err error
	if b.mirrorH != nil {
		err = b.mirrorH.Close()
	}
	if werr := cyc.Wait(); err == nil {
		err = werr
	}
	if b.backing != nil {
		b.backing.Destroy()
	}
	return err
}

// preempt is the trap facility's PreemptFunc: it stalls the
// calling (guest) thread on the full buffer lock whenever all
// CPU writes to backing are currently blocked, so that the
// guest never races ahead of a GPU operation that owns the
// backing exclusively.
func (h *bufferHandle) preempt() {
	b := h.get()
	if b == nil {
		return
	}
	if b.AllCpuBackingWritesBlocked() {
		b.lock.mu.Lock()
		b.lock.mu.Unlock()
	}
}

// readTrap is the trap facility's read FaultFunc.
func (h *bufferHandle) readTrap() bool {
	b := h.get()
	if b == nil {
		return true
	}
	if !b.stateMu.TryLock() {
		return false
	}
	if b.dirtyState != GpuDirty {
		b.stateMu.Unlock()
		return true
	}
	if !b.lock.mu.TryLock() {
		b.stateMu.Unlock()
		return false
	}
	b.synchronizeGuestLocked(true, false)
	b.lock.mu.Unlock()
	b.stateMu.Unlock()
	return true
}

// writeTrap is the trap facility's write FaultFunc.
func (h *bufferHandle) writeTrap() bool {
	b := h.get()
	if b == nil {
		return true
	}
	if !b.stateMu.TryLock() {
		return false
	}
	defer b.stateMu.Unlock()
	if b.immutability != AllWrites && b.dirtyState != GpuDirty {
		b.dirtyState = CpuDirty
		return true
	}
	if !b.lock.mu.TryLock() {
		return false
	}
	defer b.lock.mu.Unlock()
	b.cycle.Wait()
	b.synchronizeGuestLocked(true, false)
	b.dirtyState = CpuDirty
	return true
}
