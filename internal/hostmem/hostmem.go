// Package hostmem reports host memory figures for simulation reports.
package hostmem

import "errors"

var ErrUnsupported = errors.New("host memory statistics are not available on this platform")

// Stats is a snapshot of physical host memory in bytes.
type Stats struct {
	Total uint64 `json:"total_bytes"`
	Free  uint64 `json:"free_bytes"`
}

// Used returns Total minus Free.
func (s Stats) Used() uint64 {
	if s.Free > s.Total {
		return 0
	}
	return s.Total - s.Free
}
