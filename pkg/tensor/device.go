package tensor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	KindCPU  = "cpu"
	KindCUDA = "cuda"
)

// Device is a memory domain tensors live in. Devices compare by identity.
//
// Accelerators created by NewAccelerator behave like a caching allocator:
// freed bytes stay reserved in the cache until EmptyCache is called, and an
// allocation fails with ErrOutOfMemory once live bytes would exceed capacity.
type Device struct {
	kind     string
	index    int
	capacity int64 // 0 means unbounded

	mu     sync.Mutex
	used   int64
	cached int64
	peak   int64
	syncs  int
}

var host = &Device{kind: KindCPU}

// Host returns the process-wide host memory device.
func Host() *Device { return host }

// NewAccelerator returns a simulated accelerator with the given capacity in bytes.
// A non-positive capacity means unbounded.
func NewAccelerator(index int, capacity int64) *Device {
	if capacity < 0 {
		capacity = 0
	}
	return &Device{kind: KindCUDA, index: index, capacity: capacity}
}

// ParseDevice resolves "cpu", "cuda" or "cuda:N". Host names return Host();
// accelerator names create a new simulated accelerator with capacity bytes.
func ParseDevice(name string, capacity int64) (*Device, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	kind, idx, hasIdx := strings.Cut(s, ":")
	switch kind {
	case KindCPU:
		if hasIdx {
			return nil, fmt.Errorf("%w %q (cpu takes no index)", ErrUnknownDevice, name)
		}
		return Host(), nil
	case KindCUDA:
		index := 0
		if hasIdx {
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w %q (bad device index)", ErrUnknownDevice, name)
			}
			index = n
		}
		return NewAccelerator(index, capacity), nil
	default:
		return nil, fmt.Errorf("%w %q (expected cpu, cuda or cuda:N)", ErrUnknownDevice, name)
	}
}

func (d *Device) Kind() string { return d.kind }

func (d *Device) IsHost() bool { return d.kind == KindCPU }

func (d *Device) String() string {
	if d.IsHost() {
		return KindCPU
	}
	return d.kind + ":" + strconv.Itoa(d.index)
}

func (d *Device) Capacity() int64 { return d.capacity }

// Used returns the number of live bytes.
func (d *Device) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Cached returns freed bytes still held by the allocator cache.
func (d *Device) Cached() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cached
}

// Reserved returns live plus cached bytes.
func (d *Device) Reserved() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used + d.cached
}

// Peak returns the high-water mark of live bytes.
func (d *Device) Peak() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

// ResetPeak sets the high-water mark to the current live bytes.
func (d *Device) ResetPeak() {
	d.mu.Lock()
	d.peak = d.used
	d.mu.Unlock()
}

// Syncs reports how many times Synchronize was called.
func (d *Device) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// EmptyCache returns all cached bytes to the device.
func (d *Device) EmptyCache() {
	d.mu.Lock()
	d.cached = 0
	d.mu.Unlock()
}

// Synchronize drains pending work. Simulated devices run synchronously,
// so this only records the call.
func (d *Device) Synchronize() {
	d.mu.Lock()
	d.syncs++
	d.mu.Unlock()
}

func (d *Device) alloc(n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capacity > 0 && d.used+n > d.capacity {
		return fmt.Errorf("%w: %s: tried to allocate %d bytes (%d in use of %d)",
			ErrOutOfMemory, d, n, d.used, d.capacity)
	}
	reuse := min(n, d.cached)
	d.cached -= reuse
	d.used += n
	if d.capacity > 0 && d.used+d.cached > d.capacity {
		d.cached = d.capacity - d.used
	}
	if d.used > d.peak {
		d.peak = d.used
	}
	return nil
}

func (d *Device) free(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.used -= n
	if !d.IsHost() {
		d.cached += n
	}
}
