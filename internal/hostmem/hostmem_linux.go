//go:build linux

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Read returns the current host memory snapshot from sysinfo(2).
func Read() (Stats, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Stats{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return Stats{
		Total: uint64(info.Totalram) * unit,
		Free:  uint64(info.Freeram) * unit,
	}, nil
}
