// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package bufcoh

import (
	"testing"

	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/driver/memdrv"
	"github.com/ridgeline-emu/bufcoh/fence"
	"github.com/ridgeline-emu/bufcoh/megabuffer"
	"github.com/ridgeline-emu/bufcoh/nce/ncetest"
)

func newTestBacking(size int64) driver.Buffer {
	var gpu memdrv.GPU
	buf, err := gpu.NewBuffer(size, true, driver.UGeneric)
	if err != nil {
		panic(err)
	}
	return buf
}

// newTestGuestBuffer builds a guest-backed Buffer over a
// deterministic fake nce.Facility, with its trap already
// installed.
func newTestGuestBuffer(t *testing.T, size int) (*Buffer, ncetest.Facility) {
	t.Helper()
	var fac ncetest.Facility
	span, _ := fac.NewGuestSpan(size)
	mirror, err := fac.CreateMirror(span)
	if err != nil {
		t.Fatal(err)
	}
	backing := newTestBacking(int64(size))
	b := NewGuestBuffer(fac, span, mirror, backing)
	if err := SetupGuestMappings(b); err != nil {
		t.Fatal(err)
	}
	return b, fac
}

// fill returns a size-byte slice filled with value.
func fill(size int, value byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = value
	}
	return b
}

// fakeMegaAllocator is a megabuffer.Allocator that always
// succeeds and counts how many times it was asked to stage
// data, so tests can assert on cache reuse.
type fakeMegaAllocator struct {
	calls   int
	backing driver.Buffer
}

func (f *fakeMegaAllocator) Push(_ *fence.Cycle, data []byte, _ bool) (megabuffer.Allocation, error) {
	f.calls++
	return megabuffer.Allocation{Buffer: f.backing, Offset: 0, Size: int64(len(data))}, nil
}
