// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package memdrv provides an in-memory reference
// implementation of the driver package's interfaces.
// It stands in for a real graphics API (Vulkan, Metal,
// D3D12) backend: buffers are plain host memory and
// command buffers execute copy commands immediately
// when committed. It exists so that the buffer-coherency
// core has a concrete, dependency-free allocator to run
// against in tests and in hosts that have no GPU of
// their own (e.g. CI).
package memdrv

import (
	"errors"
	"log"
	"sync"

	"github.com/ridgeline-emu/bufcoh/driver"
)

func init() {
	driver.Register(&memDriver{})
}

// memDriver is the Driver implementation.
type memDriver struct {
	mu   sync.Mutex
	gpu  *GPU
	open bool
}

func (d *memDriver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		d.gpu = &GPU{drv: d}
		d.open = true
	}
	return d.gpu, nil
}

func (d *memDriver) Name() string { return "memdrv" }

func (d *memDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.gpu = nil
}

// GPU is the reference driver.GPU implementation.
type GPU struct {
	drv *memDriver
}

func (g *GPU) Driver() driver.Driver { return g.drv }

func (g *GPU) Limits() driver.Limits {
	return driver.Limits{
		MaxBufferSize:  1 << 30,
		MinBufferAlign: 4,
	}
}

func (g *GPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	if size <= 0 {
		panic("memdrv: NewBuffer called with size <= 0")
	}
	if size > g.Limits().MaxBufferSize {
		return nil, driver.ErrNoDeviceMemory
	}
	return &Buffer{data: make([]byte, size), visible: visible, usage: usg}, nil
}

func (g *GPU) NewCmdBuffer() (driver.CmdBuffer, error) {
	return &CmdBuffer{}, nil
}

// Commit executes every recorded command, in order, on a
// separate goroutine and then reports completion on ch: a
// send on a completion channel standing in for a GPU fence
// signal. It returns before the commands have run.
func (g *GPU) Commit(cb []driver.CmdBuffer, ch chan<- error) {
	go func() {
		var err error
		for _, c := range cb {
			mc, ok := c.(*CmdBuffer)
			if !ok {
				err = errors.New("memdrv: foreign CmdBuffer type")
				break
			}
			if mc.recording {
				err = errors.New("memdrv: commit of still-recording command buffer")
				break
			}
			for _, op := range mc.ops {
				op()
			}
			mc.ops = mc.ops[:0]
		}
		if err != nil {
			log.Printf("memdrv: commit failed: %v", err)
		}
		ch <- err
	}()
}

// Buffer is the reference driver.Buffer implementation:
// a plain host-memory byte slice.
type Buffer struct {
	data    []byte
	visible bool
	usage   driver.Usage
}

func (b *Buffer) Destroy()       { b.data = nil }
func (b *Buffer) Visible() bool  { return b.visible }
func (b *Buffer) Cap() int64     { return int64(len(b.data)) }
func (b *Buffer) Bytes() []byte {
	if !b.visible {
		return nil
	}
	return b.data
}

// CmdBuffer is the reference driver.CmdBuffer implementation.
// Copy/fill commands are recorded as closures and replayed
// in order when the GPU commits the command buffer.
type CmdBuffer struct {
	recording bool
	ops       []func()
}

func (c *CmdBuffer) Destroy() { c.ops = nil }

func (c *CmdBuffer) Begin() error {
	c.recording = true
	c.ops = c.ops[:0]
	return nil
}

func (c *CmdBuffer) IsRecording() bool { return c.recording }

func (c *CmdBuffer) BeginBlit() {
	if !c.recording {
		panic("memdrv: BeginBlit called outside of recording")
	}
}

func (c *CmdBuffer) EndBlit() {}

func (c *CmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	from := param.From.(*Buffer)
	to := param.To.(*Buffer)
	fo, to_, n := param.FromOff, param.ToOff, param.Size
	c.ops = append(c.ops, func() {
		copy(to.data[to_:to_+n], from.data[fo:fo+n])
	})
}

func (c *CmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	b := buf.(*Buffer)
	c.ops = append(c.ops, func() {
		s := b.data[off : off+size]
		for i := range s {
			s[i] = value
		}
	})
}

func (c *CmdBuffer) Barrier(_ []driver.Barrier) {}

func (c *CmdBuffer) End() error {
	if !c.recording {
		return errors.New("memdrv: End called while not recording")
	}
	c.recording = false
	return nil
}

func (c *CmdBuffer) Reset() error {
	c.recording = false
	c.ops = c.ops[:0]
	return nil
}
