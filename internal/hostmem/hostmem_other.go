//go:build !linux

package hostmem

func Read() (Stats, error) { return Stats{}, ErrUnsupported }
