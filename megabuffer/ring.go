// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package megabuffer

import (
	"sync"

	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/fence"
	"github.com/ridgeline-emu/bufcoh/internal/bitm"
)

// block is the granularity Ring hands out staging space at;
// one bitmap word covers nbit*block bytes.
const (
	block = 4096
	nbit  = 32
)

// Ring is the reference Allocator: a single driver.Buffer
// partitioned into fixed-size blocks tracked by a bitmap,
// grown by destroying and recreating a larger backing buffer
// whenever a Push does not fit, the same way a staging buffer's
// reserve step grows its own upload buffer.
type Ring struct {
	mu   sync.Mutex
	gpu  driver.GPU
	buf  driver.Buffer
	bm   bitm.Bitm[uint32]
	pend []*fence.Cycle
}

// NewRing creates an empty Ring that allocates its backing
// buffer through gpu as Push needs more room.
func NewRing(gpu driver.GPU) *Ring {
	return &Ring{gpu: gpu}
}

// Push implements Allocator: it reserves ceil(len(data)/block)
// blocks, copies data into them, and remembers cycle (if
// non-nil) so a future Reset knows to wait for it before the
// blocks are handed out again. cacheable has no effect at this
// layer; per-entry caching is Table's responsibility.
func (r *Ring) Push(cycle *fence.Cycle, data []byte, cacheable bool) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := (len(data) + block - 1) / block
	if n < 1 {
		n = 1
	}
	idx, ok := r.bm.SearchRange(n)
	if !ok {
		if err := r.growLocked(n); err != nil {
			return Allocation{}, err
		}
		if idx, ok = r.bm.SearchRange(n); !ok {
			panic("megabuffer: ring grown but still lacks room")
		}
	}
	for i := 0; i < n; i++ {
		r.bm.Set(idx + i)
	}
	off := int64(idx) * block
	copy(r.buf.Bytes()[off:], data)
	if cycle != nil {
		r.pend = append(r.pend, cycle)
	}
	return Allocation{Buffer: r.buf, Offset: off, Size: int64(len(data))}, nil
}

// growLocked waits out every cycle pushed since the last grow
// or Reset (their staged bytes are about to be discarded),
// then replaces buf with one at least twice as large (or just
// large enough for minBlocks, whichever is bigger).
func (r *Ring) growLocked(minBlocks int) error {
	for _, c := range r.pend {
		c.Wait()
	}
	r.pend = r.pend[:0]

	want := r.bm.Len() * 2
	if want < minBlocks {
		want = minBlocks
	}
	if want < nbit {
		want = nbit
	}
	words := (want + nbit - 1) / nbit

	var bm bitm.Bitm[uint32]
	bm.Grow(words)

	buf, err := r.gpu.NewBuffer(int64(words)*nbit*block, true, driver.UCopySrc|driver.UCopyDst)
	if err != nil {
		return err
	}
	if r.buf != nil {
		r.buf.Destroy()
	}
	r.buf, r.bm = buf, bm
	return nil
}

// Reset waits for every allocation handed out since the last
// Reset to be consumed by its cycle, then clears the ring so
// its blocks can be reused. Call it once per execution/frame
// boundary after every Push for that boundary has been issued.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.pend {
		c.Wait()
	}
	r.pend = r.pend[:0]
	r.bm.Clear()
}

// Destroy waits for every outstanding cycle and releases the
// ring's backing buffer.
func (r *Ring) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.pend {
		c.Wait()
	}
	r.pend = nil
	if r.buf != nil {
		r.buf.Destroy()
		r.buf = nil
	}
}
