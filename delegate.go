// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package bufcoh

import "sync/atomic"

// BufferDelegate is a stable indirection owned by the
// manager's delegate allocator, with a lifetime bound to the
// allocator rather than to any particular Buffer. It either
// points directly at a Buffer, or has been linked onto
// another delegate with an additive offset: the mechanism
// that lets a buffer be replaced (merged, rebuilt) without
// invalidating outstanding views.
//
// A delegate is linked at most once; the link pointer is
// set with a single compare-and-swap so that GetBuffer/
// GetOffset never need to take a lock to walk the chain.
type BufferDelegate struct {
	buf  *Buffer
	link atomic.Pointer[delegateLink]
}

type delegateLink struct {
	target *BufferDelegate
	offset int64
}

// newDelegate creates the single BufferDelegate a Buffer is
// born with.
func newDelegate(buf *Buffer) *BufferDelegate {
	return &BufferDelegate{buf: buf}
}

// GetBuffer walks the link chain and returns the Buffer this
// delegate currently resolves to.
func (d *BufferDelegate) GetBuffer() *Buffer {
	for {
		l := d.link.Load()
		if l == nil {
			return d.buf
		}
		d = l.target
	}
}

// GetOffset sums the additive offsets accumulated along the
// link chain.
func (d *BufferDelegate) GetOffset() int64 {
	var off int64
	for {
		l := d.link.Load()
		if l == nil {
			return off
		}
		off += l.offset
		d = l.target
	}
}

// Link redirects d to target, offset bytes into target's own
// address space, so that GetBuffer/GetOffset forward through
// target (and anything target is itself later linked onto).
// Linking an already-linked delegate is a programmer error
// and aborts, per the write-once chain invariant.
func (d *BufferDelegate) Link(target *BufferDelegate, offset int64) {
	if !d.TryLink(target, offset) {
		panic("bufcoh: delegate already linked")
	}
}

// TryLink is Link without the panic: it reports whether the
// link was installed, returning false if d was already linked
// by a prior call.
func (d *BufferDelegate) TryLink(target *BufferDelegate, offset int64) bool {
	return d.link.CompareAndSwap(nil, &delegateLink{target: target, offset: offset})
}

// resolve walks the chain to its terminal delegate, returning
// that delegate and the total accumulated offset. It is used
// by BufferView to flatten a (delegate, offset) pair once the
// view is stably locked onto the terminal buffer.
func (d *BufferDelegate) resolve() (*BufferDelegate, int64) {
	var off int64
	for {
		l := d.link.Load()
		if l == nil {
			return d, off
		}
		off += l.offset
		d = l.target
	}
}
