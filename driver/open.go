// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver

import "strings"

// Open selects the first registered driver whose Name
// contains name (every registered driver matches if name is
// empty) and opens it. It returns ErrNoDevice if no driver is
// registered or none match; if every match fails to open, it
// returns the error of the last one tried.
func Open(name string) (GPU, error) {
	drvs := Drivers()
	err := error(ErrNoDevice)
	for i := range drvs {
		if !strings.Contains(drvs[i].Name(), name) {
			continue
		}
		var gpu GPU
		if gpu, err = drvs[i].Open(); err == nil {
			return gpu, nil
		}
	}
	return nil, err
}
