// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package megabuffer

import (
	"testing"

	"github.com/ridgeline-emu/bufcoh/driver/memdrv"
	"github.com/ridgeline-emu/bufcoh/fence"
)

func newRing(t *testing.T) *Ring {
	t.Helper()
	var gpu memdrv.GPU
	return NewRing(&gpu)
}

func TestRingPushCopiesData(t *testing.T) {
	r := newRing(t)
	data := []byte("hello ring")

	alc, err := r.Push(nil, data, false)
	if err != nil {
		t.Fatal(err)
	}
	if alc.Size != int64(len(data)) {
		t.Fatalf("Allocation.Size: want %d, got %d", len(data), alc.Size)
	}
	got := alc.Buffer.Bytes()[alc.Offset : alc.Offset+alc.Size]
	if string(got) != string(data) {
		t.Fatalf("Push: want data copied into the ring, got %q", got)
	}
}

func TestRingPushNonOverlappingAllocations(t *testing.T) {
	r := newRing(t)

	a, err := r.Push(nil, []byte("aaaa"), false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Push(nil, []byte("bbbb"), false)
	if err != nil {
		t.Fatal(err)
	}
	if a.Buffer == b.Buffer && a.Offset == b.Offset {
		t.Fatal("Push: two live allocations must not alias the same region")
	}
}

func TestRingGrowsWhenFull(t *testing.T) {
	r := newRing(t)

	// A fresh Ring has no backing buffer at all, so any Push
	// exercises growLocked; push something larger than one
	// bitmap word's worth of blocks to exercise the "want from
	// minBlocks, not just double" branch.
	big := make([]byte, (nbit+4)*block)

	alc, err := r.Push(nil, big, false)
	if err != nil {
		t.Fatal(err)
	}
	if alc.Size != int64(len(big)) {
		t.Fatalf("Allocation.Size: want %d, got %d", len(big), alc.Size)
	}

	// A second, smaller Push must fit without growing again.
	if _, err := r.Push(nil, []byte("small"), false); err != nil {
		t.Fatal(err)
	}
}

func TestRingResetWaitsThenReusesBlocks(t *testing.T) {
	r := newRing(t)

	done := make(chan struct{})
	close(done)
	cyc := fence.New(done, nil)

	if _, err := r.Push(cyc, []byte("staged"), false); err != nil {
		t.Fatal(err)
	}
	r.Reset()
	if r.bm.Rem() != r.bm.Len() {
		t.Fatal("Reset: want every block unset after clearing")
	}
}
