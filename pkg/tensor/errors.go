package tensor

import "errors"

var (
	ErrOutOfMemory    = errors.New("device out of memory")
	ErrDeviceMismatch = errors.New("tensors on different devices")
	ErrShape          = errors.New("invalid tensor shape")
	ErrReleased       = errors.New("tensor storage released")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownDType   = errors.New("unknown dtype")
)
