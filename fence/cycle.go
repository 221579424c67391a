// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package fence provides the completion-signaling
// primitive that Buffer binds to a pending GPU operation.
//
// It is modeled on driver.GPU.Commit's contract, which
// hands back completion as a send on a chan<- error: a
// Cycle is exactly that channel, wrapped so that Wait/Poll
// may be called any number of times and from any number of
// goroutines after the one send.
package fence

import "sync"

// Cycle is an owning reference to the latest GPU
// completion signal for some resource.
// A nil *Cycle counts as already signaled. The zero value
// Cycle has no done channel and never signals; use Signal
// for an already-signaled Cycle (as a buffer's initial cycle,
// since a never-used backing has nothing pending).
type Cycle struct {
	mu     sync.Mutex
	done   chan struct{}
	err    error
	chain  *Cycle
	closed bool
}

// New creates a Cycle that becomes signaled once done is
// closed. err, if non-nil by the time done closes, is the
// error observed by Wait/Poll (read only after done closes,
// so no additional synchronization is required for it).
func New(done chan struct{}, err *error) *Cycle {
	if err == nil {
		return &Cycle{done: done}
	}
	c := &Cycle{done: make(chan struct{})}
	go func() {
		<-done
		c.err = *err
		close(c.done)
	}()
	return c
}

// Signal creates an already-signaled Cycle, optionally
// carrying an error. It is used by reference allocators
// that complete work synchronously.
func Signal(err error) *Cycle {
	c := &Cycle{done: closedChan, err: err, closed: true}
	return c
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Wait blocks until the cycle is signaled (and every cycle
// chained onto it via ChainCycle has also completed),
// returning the first non-nil error encountered.
func (c *Cycle) Wait() error {
	if c == nil {
		return nil
	}
	var err error
	if chain := c.loadChain(); chain != nil {
		err = chain.Wait()
	}
	<-c.done
	c.mu.Lock()
	c.closed = true
	if err == nil {
		err = c.err
	}
	c.mu.Unlock()
	return err
}

// Poll reports whether the cycle (and its full chain) has
// already completed, without blocking.
func (c *Cycle) Poll() bool {
	if c == nil {
		return true
	}
	if chain := c.loadChain(); chain != nil && !chain.Poll() {
		return false
	}
	select {
	case <-c.done:
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return true
	default:
		return false
	}
}

// Signaled reports whether a prior Wait/Poll observed this
// cycle complete, without touching the channel again.
func (c *Cycle) Signaled() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Err returns the error observed by the most recent Wait
// or successful Poll. It is only meaningful once Signaled
// reports true.
func (c *Cycle) Err() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ChainCycle links an older cycle onto c so that waiting on
// c transitively waits for old to complete first. This is
// used when a buffer's backing is reused for a new
// operation before the previous one's fence has signaled:
// the new cycle must not be considered complete until the
// old one is too.
func (c *Cycle) ChainCycle(old *Cycle) {
	if c == nil || old == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chain == nil {
		c.chain = old
		return
	}
	c.chain.ChainCycle(old)
}

func (c *Cycle) loadChain() *Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chain
}
