// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package fence_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ridgeline-emu/bufcoh/fence"
)

func TestNilCycle(t *testing.T) {
	var c *fence.Cycle
	if !c.Poll() {
		t.Error("nil Cycle.Poll: want true")
	}
	if err := c.Wait(); err != nil {
		t.Errorf("nil Cycle.Wait: want nil, got %v", err)
	}
	if !c.Signaled() {
		t.Error("nil Cycle.Signaled: want true")
	}
}

func TestSignal(t *testing.T) {
	wantErr := errors.New("boom")
	c := fence.Signal(wantErr)
	if !c.Poll() {
		t.Error("Signal Cycle.Poll: want true")
	}
	if err := c.Wait(); err != wantErr {
		t.Errorf("Signal Cycle.Wait: want %v, got %v", wantErr, err)
	}
}

func TestWaitBlocksUntilDone(t *testing.T) {
	done := make(chan struct{})
	c := fence.New(done, nil)

	if c.Poll() {
		t.Error("Cycle.Poll: want false before done closes")
	}

	waited := make(chan error, 1)
	go func() { waited <- c.Wait() }()

	select {
	case <-waited:
		t.Fatal("Wait returned before done was closed")
	case <-time.After(20 * time.Millisecond):
	}

	close(done)
	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("Cycle.Wait: want nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after done closed")
	}
	if !c.Signaled() {
		t.Error("Cycle.Signaled: want true after Wait returns")
	}
}

func TestChainCycle(t *testing.T) {
	oldDone := make(chan struct{})
	old := fence.New(oldDone, nil)

	newDone := make(chan struct{})
	c := fence.New(newDone, nil)
	c.ChainCycle(old)
	close(newDone)

	if c.Poll() {
		t.Error("Cycle.Poll: want false while chained cycle is pending")
	}

	close(oldDone)

	waited := make(chan error, 1)
	go func() { waited <- c.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("Cycle.Wait: want nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after chained cycle completed")
	}
}
