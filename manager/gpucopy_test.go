// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package manager

import (
	"testing"

	"github.com/ridgeline-emu/bufcoh"
	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/driver/memdrv"
	"github.com/ridgeline-emu/bufcoh/megabuffer"
)

// TestGPUCopierCallbackRoutesThroughCommit drives a Write that
// cannot be satisfied by a plain CPU-side copy (the buffer is
// locked with AllWrites immutability, so the only way in is a
// GPU-side copy) and checks that the bytes actually arrive in
// the backing buffer by way of a real CmdBuffer committed
// through the GPU, not a direct slice copy.
func TestGPUCopierCallbackRoutesThroughCommit(t *testing.T) {
	var gpu memdrv.GPU

	backing, err := gpu.NewBuffer(64, true, driver.UGeneric)
	if err != nil {
		t.Fatal(err)
	}
	b := bufcoh.NewHostBuffer(backing)

	ring := megabuffer.NewRing(&gpu)
	copier := NewGPUCopier(&gpu, ring)

	data := []byte("routed through commit")
	const offset = int64(8)

	b.Lock()
	b.BlockAllCpuBackingWrites()
	retry := b.Write(false, nil, data, offset, copier.Callback(b, data, offset))
	b.Unlock()

	if retry {
		t.Fatal("Write: want no retry requested once a gpuCopyCallback was supplied")
	}

	if err := b.WaitOnFence(); err != nil {
		t.Fatalf("WaitOnFence: %v", err)
	}

	got := backing.Bytes()[offset : offset+int64(len(data))]
	if string(got) != string(data) {
		t.Fatalf("backing content after GPU copy: want %q, got %q", data, got)
	}
}

// outOfMemoryGPU wraps a real GPU but refuses every
// NewBuffer call, so that Ring.Push always fails to grow.
type outOfMemoryGPU struct {
	driver.GPU
}

func (outOfMemoryGPU) NewBuffer(int64, bool, driver.Usage) (driver.Buffer, error) {
	return nil, driver.ErrNoDeviceMemory
}

// TestGPUCopierCallbackLogsStageFailure exercises the error
// path: Push can never grow the ring, so Callback must log
// and return without touching the backing.
func TestGPUCopierCallbackLogsStageFailure(t *testing.T) {
	var backer memdrv.GPU

	backing, err := backer.NewBuffer(16, true, driver.UGeneric)
	if err != nil {
		t.Fatal(err)
	}
	b := bufcoh.NewHostBuffer(backing)

	gpu := outOfMemoryGPU{GPU: &backer}
	ring := megabuffer.NewRing(gpu)
	copier := NewGPUCopier(gpu, ring)
	data := []byte("xx")

	b.Lock()
	b.BlockAllCpuBackingWrites()
	copier.Callback(b, data, 0)()
	b.Unlock()

	if string(backing.Bytes()[:2]) == string(data) {
		t.Fatal("Callback: want backing left untouched when staging fails")
	}
}
