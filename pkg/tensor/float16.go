package tensor

import "math"

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(u uint32) float32 { return math.Float32frombits(u) }

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// f32ToBF16 rounds to nearest-even on the truncated 16 bits. NaN stays NaN.
func f32ToBF16(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x40
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

// f32ToFP16 implements IEEE 754 binary16 rounding (nearest-even),
// including the subnormal range.
func f32ToFP16(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16((u >> 16) & 0x8000)
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	if exp == 0xFF {
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	e := exp - 127
	switch {
	case e > 15:
		return sign | 0x7C00
	case e < -25:
		return sign
	case e < -14:
		// subnormal: value = m * 2^-24 with m = (1.frac) * 2^(e+24)
		frac |= 0x800000
		shift := uint32(-e - 1)
		rnd := uint32(1)<<(shift-1) - 1 + ((frac >> shift) & 1)
		return sign | uint16((frac+rnd)>>shift)
	}

	exp16 := uint32(e + 15)
	rnd := uint32(0xFFF + ((frac >> 13) & 1))
	frac += rnd
	if frac&0x800000 != 0 {
		exp16++
		frac = 0
		if exp16 >= 0x1F {
			return sign | 0x7C00
		}
	}
	return sign | uint16(exp16<<10) | uint16(frac>>13)
}

func fp16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
			break
		}
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3FF
		f = sign<<31 | e<<23 | frac<<13
	case 0x1F:
		f = sign<<31 | 0xFF<<23 | frac<<13
	default:
		f = sign<<31 | (exp+127-15)<<23 | frac<<13
	}
	return math.Float32frombits(f)
}
