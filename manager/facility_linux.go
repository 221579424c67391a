// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package manager

import (
	"github.com/ridgeline-emu/bufcoh/driver"
	"github.com/ridgeline-emu/bufcoh/nce"
)

// NewLinux builds a Manager backed by nce.LinuxFacility, the
// real memfd+mmap+mprotect guest-mapping facility, instead of
// the deterministic ncetest fake.
func NewLinux(gpu driver.GPU) *Manager {
	return New(gpu, nce.LinuxFacility{})
}
