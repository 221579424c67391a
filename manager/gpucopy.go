// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package manager

import (
	"log"

	"github.com/ridgeline-emu/bufcoh"
	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/fence"
	"github.com/ridgeline-emu/bufcoh/megabuffer"
)

// GPUCopier builds the gpuCopyCallback that bufcoh.Buffer.Write
// asks for when a write cannot be applied by a plain CPU-side
// copy (the backing is immutability-blocked or its fence has
// not signaled yet): it stages the written bytes into a shared
// megabuffer.Ring, records a CmdBuffer that copies them into the
// buffer's backing, commits it through the GPU, and binds the
// resulting completion onto the buffer via UpdateCycle. This is
// the reference implementation of the "no way to apply the
// write without a GPU-side copy" path that Write's own doc
// comment describes but does not perform itself.
type GPUCopier struct {
	gpu  driver.GPU
	ring *megabuffer.Ring
}

// NewGPUCopier creates a GPUCopier that stages through ring and
// commits command buffers through gpu.
func NewGPUCopier(gpu driver.GPU, ring *megabuffer.Ring) *GPUCopier {
	return &GPUCopier{gpu: gpu, ring: ring}
}

// Callback returns a gpuCopyCallback suitable for passing to
// b.Write, copying data into b at offset through the GPU instead
// of directly.
func (g *GPUCopier) Callback(b *bufcoh.Buffer, data []byte, offset int64) func() {
	return func() {
		alloc, err := g.ring.Push(nil, data, false)
		if err != nil {
			log.Printf("manager: stage for GPU copy failed: %v", err)
			return
		}
		cb, err := g.gpu.NewCmdBuffer()
		if err != nil {
			log.Printf("manager: NewCmdBuffer failed: %v", err)
			return
		}
		if err := cb.Begin(); err != nil {
			cb.Destroy()
			log.Printf("manager: CmdBuffer.Begin failed: %v", err)
			return
		}
		cb.BeginBlit()
		cb.CopyBuffer(&driver.BufferCopy{
			From:    alloc.Buffer,
			FromOff: alloc.Offset,
			To:      b.Backing(),
			ToOff:   offset,
			Size:    alloc.Size,
		})
		cb.EndBlit()
		if err := cb.End(); err != nil {
			log.Printf("manager: CmdBuffer.End failed: %v", err)
			return
		}
		b.UpdateCycle(CommitCycle(g.gpu, []driver.CmdBuffer{cb}))
	}
}

// CommitCycle commits cb to gpu and returns a fence.Cycle that
// becomes signaled once the GPU reports completion. A commit
// failure is logged, not surfaced, matching memdrv.GPU.Commit's
// own handling of the same condition: no error is handed to
// fence.New, so Wait on the returned Cycle reports nil even
// when the commit failed.
func CommitCycle(gpu driver.GPU, cb []driver.CmdBuffer) *fence.Cycle {
	ch := make(chan error, 1)
	gpu.Commit(cb, ch)
	done := make(chan struct{})
	go func() {
		if err := <-ch; err != nil {
			log.Printf("manager: commit failed: %v", err)
		}
		close(done)
	}()
	return fence.New(done, nil)
}
