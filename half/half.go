// Package half converts between float64 samples and IEEE 754 binary16
// values, the storage form of float16 rasters.
//
// Layout: 1 sign bit, 5 exponent bits (bias 15), 10 mantissa bits.
package half

import "math"

// Half is an IEEE 754 binary16 value.
type Half uint16

const (
	signBit      = 0x8000
	exponentMask = 0x7C00
	mantissaMask = 0x03FF
	exponentBias = 15
	maxExponent  = 31
)

// Max is the largest finite half value (65504).
const Max = 65504.0

// FromFloat64 converts f to the nearest Half, rounding to nearest even.
// Values beyond the half range become infinities.
func FromFloat64(f float64) Half {
	bits := math.Float32bits(float32(f))
	sign := uint16((bits >> 16) & signBit)
	exp := int((bits >> 23) & 0xFF)
	mant := bits & 0x007FFFFF

	switch exp {
	case 0xFF:
		if mant == 0 {
			return Half(sign | exponentMask)
		}
		return Half(sign | exponentMask | uint16(mant>>13) | 0x0200)
	case 0:
		return Half(sign)
	}

	exp = exp - 127 + exponentBias
	if exp >= maxExponent {
		return Half(sign | exponentMask)
	}
	if exp < -10 {
		return Half(sign)
	}

	if exp <= 0 {
		mant |= 0x00800000
		shift := uint(14 - exp)
		h := mant >> shift
		round := (mant >> (shift - 1)) & 1
		sticky := mant & ((1 << (shift - 1)) - 1)
		if round != 0 && (sticky != 0 || h&1 != 0) {
			h++
		}
		return Half(sign | uint16(h))
	}

	h := mant >> 13
	if (mant>>12)&1 != 0 && (mant&0x0FFF != 0 || h&1 != 0) {
		h++
		if h > mantissaMask {
			h = 0
			exp++
			if exp >= maxExponent {
				return Half(sign | exponentMask)
			}
		}
	}
	return Half(sign | uint16(exp<<10) | uint16(h))
}

// Float64 converts h to float64 exactly.
func (h Half) Float64() float64 {
	sign := uint32(h&signBit) << 16
	exp := int((h >> 10) & 0x1F)
	mant := uint32(h & mantissaMask)

	var bits uint32
	switch exp {
	case 0:
		if mant == 0 {
			bits = sign
			break
		}
		for mant&0x0400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= mantissaMask
		bits = sign | uint32(exp-exponentBias+127)<<23 | mant<<13
	case maxExponent:
		bits = sign | 0x7F800000 | mant<<13
		if mant != 0 {
			bits |= 0x00400000
		}
	default:
		bits = sign | uint32(exp-exponentBias+127)<<23 | mant<<13
	}
	return float64(math.Float32frombits(bits))
}

// IsNaN reports whether h is a NaN.
func (h Half) IsNaN() bool {
	return h&exponentMask == exponentMask && h&mantissaMask != 0
}

// DecodeBytes converts little-endian half data in src into dst.
// len(dst) must be at least len(src)/2.
func DecodeBytes(dst []float64, src []byte) {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		dst[i] = Half(uint16(src[2*i]) | uint16(src[2*i+1])<<8).Float64()
	}
}

// EncodeBytes writes src as little-endian half data into dst.
// len(dst) must be at least 2*len(src).
func EncodeBytes(dst []byte, src []float64) {
	for i, v := range src {
		h := FromFloat64(v)
		dst[2*i] = byte(h)
		dst[2*i+1] = byte(h >> 8)
	}
}
