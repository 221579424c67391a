// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package bufcoh

import "sync"

// BufferView is a stable (delegate, offset, size) triple
// usable as if it were an independent buffer. The pair
// (GetBuffer(), GetOffset()) may change as the underlying
// buffer migrates (the manager relinking delegates after a
// merge); size is fixed at construction.
type BufferView struct {
	mu       sync.Mutex // guards delegate/offset, not the buffer lock
	delegate *BufferDelegate
	offset   int64
	size     int64
}

// newView constructs a view over delegate at the given
// delegate-relative offset and fixed size.
func newView(d *BufferDelegate, offset, size int64) *BufferView {
	return &BufferView{delegate: d, offset: offset, size: size}
}

func (v *BufferView) snapshot() (*BufferDelegate, int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.delegate, v.offset
}

// GetBuffer returns the Buffer this view currently resolves
// to.
func (v *BufferView) GetBuffer() *Buffer {
	d, _ := v.snapshot()
	return d.GetBuffer()
}

// GetOffset returns this view's current offset into
// GetBuffer().
func (v *BufferView) GetOffset() int64 {
	d, off := v.snapshot()
	return off + d.GetOffset()
}

// Size returns the view's fixed size in bytes.
func (v *BufferView) Size() int64 { return v.size }

// Lock acquires the exclusive lock of the buffer this view
// currently resolves to, using the lock-then-recheck
// protocol: if the buffer migrates (a concurrent delegate
// link) between resolving the target and acquiring its lock,
// the stale lock is released and the resolve is retried.
func (v *BufferView) Lock() {
	for {
		d, _ := v.snapshot()
		b1 := d.GetBuffer()
		b1.Lock()
		b2 := d.GetBuffer()
		if b1 == b2 {
			v.resolveTo(d)
			return
		}
		b1.Unlock()
	}
}

// TryLock attempts the same protocol as Lock, but a failed
// acquisition attempt returns false immediately without
// retrying.
func (v *BufferView) TryLock() bool {
	for {
		d, _ := v.snapshot()
		b1 := d.GetBuffer()
		if !b1.TryLock() {
			return false
		}
		b2 := d.GetBuffer()
		if b1 == b2 {
			v.resolveTo(d)
			return true
		}
		b1.Unlock()
	}
}

// LockWithTag acquires (or re-enters, if tag already owns
// it) the lock of the buffer this view resolves to, applying
// the same lock-then-recheck protocol. It reports whether the
// lock was freshly acquired, i.e. false means tag already
// owned the resolved buffer.
func (v *BufferView) LockWithTag(tag ContextTag) bool {
	for {
		d, _ := v.snapshot()
		b1 := d.GetBuffer()
		fresh := b1.LockWithTag(tag)
		b2 := d.GetBuffer()
		if b1 == b2 {
			v.resolveTo(d)
			return fresh
		}
		b1.Unlock()
	}
}

// Unlock releases the lock on the buffer this view currently
// resolves to. It must be called only after a matching
// Lock/TryLock/LockWithTag success, and before the buffer can
// migrate again.
func (v *BufferView) Unlock() {
	v.GetBuffer().Unlock()
}

// resolveTo flattens v's delegate chain once the view has
// stably resolved to d (ResolveDelegate in the component
// design): it rewrites v's (delegate, offset) pair to point
// directly at the chain's terminal delegate, folding in the
// accumulated link offsets, so future resolves skip the
// already-traversed links.
func (v *BufferView) resolveTo(d *BufferDelegate) {
	term, chainOff := d.resolve()
	if term == d {
		return
	}
	v.mu.Lock()
	if v.delegate == d {
		v.offset += chainOff
		v.delegate = term
	}
	v.mu.Unlock()
}
