// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package megabuffer

import (
	"errors"
	"testing"

	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/driver/memdrv"
	"github.com/ridgeline-emu/bufcoh/fence"
)

func newBacking(t *testing.T, size int64) driver.Buffer {
	t.Helper()
	var gpu memdrv.GPU
	b, err := gpu.NewBuffer(size, true, driver.UGeneric)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type countingAllocator struct {
	calls   int
	backing driver.Buffer
	err     error
}

func (a *countingAllocator) Push(_ *fence.Cycle, data []byte, _ bool) (Allocation, error) {
	a.calls++
	if a.err != nil {
		return Allocation{}, a.err
	}
	return Allocation{Buffer: a.backing, Offset: 0, Size: int64(len(data))}, nil
}

func TestNewTableChoosesShift(t *testing.T) {
	tbl := NewTable(1 << 20) // 1 MiB
	if len(tbl.entries) > MaxEntries {
		t.Fatalf("NewTable: %d entries exceeds MaxEntries", len(tbl.entries))
	}
	if tbl.shift < ShiftMin {
		t.Fatalf("NewTable: shift %d below ShiftMin", tbl.shift)
	}
}

func TestNewTableZeroSize(t *testing.T) {
	tbl := NewTable(0)
	if len(tbl.entries) != 0 {
		t.Fatalf("NewTable(0): want 0 entries, got %d", len(tbl.entries))
	}
}

func TestTryViewRejectsInvalidArgs(t *testing.T) {
	tbl := NewTable(4096)
	alloc := &countingAllocator{backing: newBacking(t, 4096)}
	if _, ok := tbl.TryView(nil, alloc, 1, 1, make([]byte, 4096), -1, 16); ok {
		t.Fatal("TryView: want !ok for a negative offset")
	}
	if _, ok := tbl.TryView(nil, alloc, 1, 1, make([]byte, 4096), 0, 0); ok {
		t.Fatal("TryView: want !ok for a zero size")
	}
	if alloc.calls != 0 {
		t.Fatal("TryView: must not push for rejected arguments")
	}
}

func TestTryViewRejectsOutOfRangeOffset(t *testing.T) {
	tbl := NewTable(4096)
	alloc := &countingAllocator{backing: newBacking(t, 4096)}
	if _, ok := tbl.TryView(nil, alloc, 1, 1, make([]byte, 4096), 1<<30, 16); ok {
		t.Fatal("TryView: want !ok for an offset past every entry")
	}
}

func TestTryViewFirstCallAlwaysPushes(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	alloc := &countingAllocator{backing: newBacking(t, 256)}

	alc, ok := tbl.TryView(nil, alloc, 1, 1, mirror, 0, 64)
	if !ok {
		t.Fatal("TryView: want ok")
	}
	if alloc.calls != 1 {
		t.Fatalf("Push: want 1 call, got %d", alloc.calls)
	}
	if alc.Size != 64 {
		t.Fatalf("Allocation.Size: want 64, got %d", alc.Size)
	}
}

func TestTryViewReusesFreshEntry(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	alloc := &countingAllocator{backing: newBacking(t, 256)}

	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 64)
	_, ok := tbl.TryView(nil, alloc, 1, 1, mirror, 0, 32)
	if !ok {
		t.Fatal("TryView: want ok for a fully-covered, same exec/seq request")
	}
	if alloc.calls != 1 {
		t.Fatalf("Push: want exactly 1 call (cache hit), got %d", alloc.calls)
	}
}

func TestTryViewRePushesOnExecChange(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	alloc := &countingAllocator{backing: newBacking(t, 256)}

	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 64)
	tbl.TryView(nil, alloc, 2, 1, mirror, 0, 64)
	if alloc.calls != 2 {
		t.Fatalf("Push: want 2 calls across different execution numbers, got %d", alloc.calls)
	}
}

func TestTryViewRePushesOnSeqChange(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	alloc := &countingAllocator{backing: newBacking(t, 256)}

	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 64)
	tbl.TryView(nil, alloc, 1, 2, mirror, 0, 64)
	if alloc.calls != 2 {
		t.Fatalf("Push: want 2 calls across different sequence numbers, got %d", alloc.calls)
	}
}

// TestTryViewMaxSizesOnGrow checks the "semantic coverage is
// authoritative" rule: once an entry has been pushed at a
// larger size, a later smaller request within the same
// exec/seq must not shrink it, and a still-larger request must
// grow from the larger of the two, not just the new request.
func TestTryViewMaxSizesOnGrow(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	for i := range mirror {
		mirror[i] = byte(i)
	}
	alloc := &countingAllocator{backing: newBacking(t, 4096)}

	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 100)
	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 40) // smaller, must not re-push
	if alloc.calls != 1 {
		t.Fatalf("Push: want 1 call after a smaller same-coverage request, got %d", alloc.calls)
	}

	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 200) // bigger, must re-push
	if alloc.calls != 2 {
		t.Fatalf("Push: want a second call once the request outgrows the cached region, got %d", alloc.calls)
	}
}

func TestTryViewClampsToMirrorLength(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	alloc := &countingAllocator{backing: newBacking(t, 4096)}

	_, ok := tbl.TryView(nil, alloc, 1, 1, mirror, 0, int64(len(mirror))+1000)
	if !ok {
		t.Fatal("TryView: a request reaching past the mirror's end is clamped and staged, not rejected")
	}
	if alloc.calls != 1 {
		t.Fatalf("Push: want exactly 1 call, got %d", alloc.calls)
	}
}

func TestTryViewPropagatesAllocatorError(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	alloc := &countingAllocator{err: errors.New("ring full")}

	if _, ok := tbl.TryView(nil, alloc, 1, 1, mirror, 0, 64); ok {
		t.Fatal("TryView: want !ok when the allocator fails")
	}
}

func TestInvalidateForcesRePush(t *testing.T) {
	tbl := NewTable(4096)
	mirror := make([]byte, 4096)
	alloc := &countingAllocator{backing: newBacking(t, 256)}

	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 64)
	tbl.Invalidate()
	tbl.TryView(nil, alloc, 1, 1, mirror, 0, 64)
	if alloc.calls != 2 {
		t.Fatalf("Push: want a re-push after Invalidate, got %d calls", alloc.calls)
	}
}
