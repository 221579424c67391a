// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package manager

import (
	"testing"

	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/driver/memdrv"
	"github.com/ridgeline-emu/bufcoh/nce"
	"github.com/ridgeline-emu/bufcoh/nce/ncetest"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	var gpu memdrv.GPU
	return New(&gpu, ncetest.Facility{})
}

func TestCreateHostBuffer(t *testing.T) {
	m := newManager(t)
	b, v, err := m.CreateHostBuffer(256, driver.UGeneric)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil {
		t.Fatal("CreateHostBuffer: want non-nil buffer")
	}
	if v == nil || v.Size() != 256 {
		t.Fatal("CreateHostBuffer: want a whole-buffer view")
	}
}

func TestCreateGuestBuffer(t *testing.T) {
	m := newManager(t)
	var fac ncetest.Facility
	span, _ := fac.NewGuestSpan(4096)

	b, v, err := m.CreateGuestBuffer(span)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil {
		t.Fatal("CreateGuestBuffer: want non-nil buffer")
	}
	if v == nil || v.Size() != int64(span.Size) {
		t.Fatal("CreateGuestBuffer: want a whole-buffer view")
	}
}

func TestOverlaps(t *testing.T) {
	m := newManager(t)
	var fac ncetest.Facility

	span1, _ := fac.NewGuestSpan(4096)
	b1, _, err := m.CreateGuestBuffer(span1)
	if err != nil {
		t.Fatal(err)
	}

	span2, _ := fac.NewGuestSpan(4096)
	if _, _, err := m.CreateGuestBuffer(span2); err != nil {
		t.Fatal(err)
	}

	got := m.Overlaps(span1)
	if len(got) != 1 || got[0] != b1 {
		t.Fatalf("Overlaps: want exactly [b1], got %v", got)
	}

	disjoint := nce.GuestSpan{Base: span1.Base + uintptr(span1.Size) + 4096, Size: 64}
	if got := m.Overlaps(disjoint); len(got) != 0 {
		t.Fatalf("Overlaps: want none for a disjoint range, got %d", len(got))
	}
}

func TestForgetDropsSlotAndRange(t *testing.T) {
	m := newManager(t)
	var fac ncetest.Facility
	span, _ := fac.NewGuestSpan(4096)
	b, _, err := m.CreateGuestBuffer(span)
	if err != nil {
		t.Fatal(err)
	}

	m.Forget(b)
	if got := m.Overlaps(span); len(got) != 0 {
		t.Fatal("Forget: range tracking must be dropped")
	}
}

// TestRelinkMigratesView exercises scenario 5 end-to-end
// through the manager: an outstanding view over the old
// buffer must follow the relink to the new one.
func TestRelinkMigratesView(t *testing.T) {
	m := newManager(t)

	oldBuf, _, err := m.CreateHostBuffer(128, driver.UGeneric)
	if err != nil {
		t.Fatal(err)
	}
	newBuf, _, err := m.CreateHostBuffer(256, driver.UGeneric)
	if err != nil {
		t.Fatal(err)
	}

	v, ok := oldBuf.TryGetView(8, 16)
	if !ok {
		t.Fatal("TryGetView: want ok")
	}

	if err := m.Relink(oldBuf, newBuf, 32); err != nil {
		t.Fatal(err)
	}
	if err := m.Relink(oldBuf, newBuf, 32); err == nil {
		t.Fatal("Relink: want error relinking an already-relinked delegate")
	}

	v.Lock()
	defer v.Unlock()
	if got := v.GetBuffer(); got != newBuf {
		t.Fatal("GetBuffer: want the relinked buffer")
	}
	if got, want := v.GetOffset(), int64(8+32); got != want {
		t.Fatalf("GetOffset: want %d, got %d", want, got)
	}
}

func TestOpenSelectsRegisteredDriver(t *testing.T) {
	m, err := Open("memdrv", ncetest.Facility{})
	if err != nil {
		t.Fatal(err)
	}
	b, v, err := m.CreateHostBuffer(64, driver.UGeneric)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || v == nil {
		t.Fatal("CreateHostBuffer: want a buffer and view from an Open-selected driver")
	}
}

func TestOpenNoMatchPropagatesError(t *testing.T) {
	if _, err := Open("does-not-exist", ncetest.Facility{}); err == nil {
		t.Fatal("Open: want an error when no registered driver matches")
	}
}
