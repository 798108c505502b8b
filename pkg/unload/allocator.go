package unload

import (
	"runtime"
	"runtime/debug"

	"github.com/samcharles93/offload/pkg/tensor"
)

// OldestGeneration is the generation that triggers a full sweep.
const OldestGeneration = 2

// Allocator drains device work and reclaims memory after an unload.
type Allocator interface {
	// Flush drains pending device work and releases cached device memory.
	Flush()
	// Collect requests a garbage collection of the given generation.
	Collect(generation int)
}

// RuntimeAllocator flushes simulated devices and drives the Go collector.
type RuntimeAllocator struct {
	Devices []*tensor.Device
}

func (a RuntimeAllocator) Flush() {
	for _, d := range a.Devices {
		if d == nil {
			continue
		}
		d.Synchronize()
		d.EmptyCache()
	}
}

// Collect runs the collector. The oldest generation also returns freed
// memory to the operating system.
func (a RuntimeAllocator) Collect(generation int) {
	if generation >= OldestGeneration {
		debug.FreeOSMemory()
		return
	}
	runtime.GC()
}
