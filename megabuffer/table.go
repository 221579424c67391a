// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package megabuffer implements the per-buffer cache that
// lets small, frequently-updated fragments of a Buffer be
// staged into a shared upload ring instead of paying for an
// inline GPU-visible write on every mutation.
package megabuffer

import (
	"sync"

	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/fence"
	"github.com/ridgeline-emu/bufcoh/internal/bitm"
)

// Tunable thresholds governing when staging is attempted at
// all. They are package constants rather than Table fields
// since every buffer in a process shares the same cache
// policy.
const (
	// MaxEntries bounds how many partitions a single Table
	// is allowed to have, regardless of buffer size.
	MaxEntries = 64

	// ShiftMin is the smallest allowed partition size, as a
	// left-shift amount (4 KiB).
	ShiftMin = 12

	// FrequentlySyncedThreshold is the minimum sequence
	// number a buffer that has never had an inline GPU
	// update must reach before staging is considered worth
	// the allocator traffic.
	FrequentlySyncedThreshold = 16

	// DisableThreshold is the largest view size that may
	// ever be staged; anything larger is written inline.
	DisableThreshold = 128 * 1024
)

// Allocation is a binding into the shared upload ring: size
// bytes starting at Offset within Buffer.
type Allocation struct {
	Buffer driver.Buffer
	Offset int64
	Size   int64
}

// Allocator is the external mega-buffer ring allocator: it
// stages data into a short-lived GPU-visible region and
// returns where it landed. cycle, if non-nil, is kept by the
// ring and waited on before the region is reused, so the
// staged bytes stay in place until cycle's work (which reads
// them) has completed.
type Allocator interface {
	Push(cycle *fence.Cycle, data []byte, cacheable bool) (Allocation, error)
}

// Table is a per-buffer cache partitioning a mirror into
// equal-sized entries, each remembering the most recent
// staged allocation covering it.
type Table struct {
	mu      sync.Mutex
	shift   uint
	entries []entry
	valid   bitm.Bitm[uint64]
}

type entry struct {
	alloc      Allocation
	execNumber uint64
	seqNumber  uint64
	regionSize int64
}

// NewTable builds a Table sized for a mirror of the given
// length, choosing the smallest partition shift (no smaller
// than ShiftMin) that keeps the entry count within MaxEntries.
func NewTable(mirrorSize int64) *Table {
	shift := chooseShift(mirrorSize)
	n := 0
	if mirrorSize > 0 {
		n = int((mirrorSize + 1<<shift - 1) >> shift)
	}
	t := &Table{shift: shift, entries: make([]entry, n)}
	t.valid.Grow((n + 63) / 64)
	return t
}

func chooseShift(size int64) uint {
	shift := uint(ShiftMin)
	if size == 0 {
		return shift
	}
	for {
		n := (size + 1<<shift - 1) >> shift
		if n <= MaxEntries {
			return shift
		}
		shift++
	}
}

// TryView attempts to return a cached (or freshly staged)
// megabuffer binding covering mirror[offset : offset+size].
// Callers are responsible for the dirty-state/threshold
// checks described by the component's TryMegaBufferView
// contract (refusing indeterminate content, buffers never
// inline-updated, and oversized requests) before calling
// this; Table only ever implements step 4 onward: locating
// the entry, deciding whether it must be (re)pushed, and
// max-sizing the region so a larger view following a smaller
// one does not force a second reallocation.
func (t *Table) TryView(cycle *fence.Cycle, allocator Allocator, executionNumber, sequenceNumber uint64, mirror []byte, offset, size int64) (Allocation, bool) {
	if size <= 0 || offset < 0 {
		return Allocation{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := int(offset >> t.shift)
	if idx < 0 || idx >= len(t.entries) {
		return Allocation{}, false
	}
	entryBase := int64(idx) << t.shift
	viewOffset := offset - entryBase

	e := &t.entries[idx]
	fresh := t.valid.IsSet(idx) && e.execNumber == executionNumber && e.seqNumber == sequenceNumber

	// The cache covers the requested slice iff its region
	// reaches at least viewOffset+size; the semantic
	// condition (coverage), not any particular arithmetic
	// rearrangement of it, is what must be tested here.
	needed := viewOffset + size
	if !fresh || e.regionSize < needed {
		regionSize := needed
		if e.regionSize > regionSize {
			regionSize = e.regionSize
		}
		end := entryBase + regionSize
		if end > int64(len(mirror)) {
			end = int64(len(mirror))
			regionSize = end - entryBase
		}
		alloc, err := allocator.Push(cycle, mirror[entryBase:end], true)
		if err != nil {
			return Allocation{}, false
		}
		*e = entry{alloc: alloc, execNumber: executionNumber, seqNumber: sequenceNumber, regionSize: regionSize}
		t.valid.Set(idx)
	}

	return Allocation{
		Buffer: e.alloc.Buffer,
		Offset: e.alloc.Offset + viewOffset,
		Size:   size,
	}, true
}

// Invalidate drops every cached entry, forcing the next
// TryView call for each partition to re-push.
func (t *Table) Invalidate() {
	t.mu.Lock()
	t.valid.Clear()
	t.mu.Unlock()
}
