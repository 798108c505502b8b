package memory

import "errors"

var (
	ErrInvalidOffloadFraction = errors.New("offload fraction must be within [0, 1]")
	ErrNoDevice               = errors.New("no target device")
)
