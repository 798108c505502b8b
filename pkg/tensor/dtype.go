package tensor

import (
	"fmt"
	"strings"
)

// DType identifies the element encoding of a tensor.
// The zero value means "not specified" and is never the dtype of live storage.
type DType uint8

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
)

// Size returns the element size in bytes, or 0 for DTypeUnknown.
func (d DType) Size() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

func (d DType) Valid() bool { return d.Size() > 0 }

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// ParseDType accepts the common spellings of the supported dtypes.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return DTypeUnknown, fmt.Errorf("%w %q (expected f32, f16 or bf16)", ErrUnknownDType, s)
	}
}

func encode(dst []byte, dt DType, vals []float32) {
	switch dt {
	case DTypeF32:
		for i, v := range vals {
			putU32(dst[i*4:], float32bits(v))
		}
	case DTypeF16:
		for i, v := range vals {
			putU16(dst[i*2:], f32ToFP16(v))
		}
	case DTypeBF16:
		for i, v := range vals {
			putU16(dst[i*2:], f32ToBF16(v))
		}
	}
}

func decode(dst []float32, dt DType, src []byte) {
	switch dt {
	case DTypeF32:
		for i := range dst {
			dst[i] = float32frombits(u32(src[i*4:]))
		}
	case DTypeF16:
		for i := range dst {
			dst[i] = fp16ToF32(u16(src[i*2:]))
		}
	case DTypeBF16:
		for i := range dst {
			dst[i] = bf16ToF32(u16(src[i*2:]))
		}
	}
}

func u16(b []byte) uint16 {
	_ = b[1]
	return uint16(b[0]) | uint16(b[1])<<8
}

func u32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU16(b []byte, v uint16) {
	_ = b[1]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putU32(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
