package raster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/mrjoshuak/go-pyramid/half"
)

// DType is the on-disk sample type of a dataset.
// The numeric values are persisted in dataset headers and must not change.
type DType uint8

const (
	// Uint8 is an unsigned 8-bit integer sample.
	Uint8 DType = 1
	// Uint16 is an unsigned 16-bit integer sample.
	Uint16 DType = 2
	// Int16 is a signed 16-bit integer sample.
	Int16 DType = 3
	// Int32 is a signed 32-bit integer sample.
	Int32 DType = 4
	// Float16 is an IEEE 754 half precision sample.
	Float16 DType = 5
	// Float32 is an IEEE 754 single precision sample.
	Float32 DType = 6
	// Float64 is an IEEE 754 double precision sample.
	Float64 DType = 7
)

// String returns the numpy-style name of the type.
func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// ParseDType parses a type name as produced by String.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8", "u1":
		return Uint8, nil
	case "uint16", "u2":
		return Uint16, nil
	case "int16", "i2":
		return Int16, nil
	case "int32", "i4":
		return Int32, nil
	case "float16", "half", "f2":
		return Float16, nil
	case "float32", "float", "f4":
		return Float32, nil
	case "float64", "double", "f8":
		return Float64, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDType, s)
}

// Valid reports whether d is a known type.
func (d DType) Valid() bool {
	return d >= Uint8 && d <= Float64
}

// Size returns the number of bytes per sample.
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16, Int16, Float16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether d holds integer samples.
func (d DType) IsInteger() bool {
	return d >= Uint8 && d <= Int32
}

// Range returns the representable range of an integer type. Float types
// report the float64 range.
func (d DType) Range() (lo, hi float64) {
	switch d {
	case Uint8:
		return 0, math.MaxUint8
	case Uint16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float16:
		return -half.Max, half.Max
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// Convert rounds and clamps v to a value representable by d.
func (d DType) Convert(v float64) float64 {
	switch d {
	case Float16:
		return half.FromFloat64(v).Float64()
	case Float32:
		return float64(float32(v))
	case Float64:
		return v
	}
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := d.Range()
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

// Decode converts little-endian samples in src to float64 values in dst.
// len(src) must be len(dst)*d.Size().
func (d DType) Decode(dst []float64, src []byte) {
	le := binary.LittleEndian
	switch d {
	case Uint8:
		for i := range dst {
			dst[i] = float64(src[i])
		}
	case Uint16:
		for i := range dst {
			dst[i] = float64(le.Uint16(src[2*i:]))
		}
	case Int16:
		for i := range dst {
			dst[i] = float64(int16(le.Uint16(src[2*i:])))
		}
	case Int32:
		for i := range dst {
			dst[i] = float64(int32(le.Uint32(src[4*i:])))
		}
	case Float16:
		half.DecodeBytes(dst, src)
	case Float32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(le.Uint32(src[4*i:])))
		}
	case Float64:
		for i := range dst {
			dst[i] = math.Float64frombits(le.Uint64(src[8*i:]))
		}
	}
}

// Encode converts values in src to little-endian samples in dst, rounding
// and clamping through Convert. len(dst) must be len(src)*d.Size().
func (d DType) Encode(dst []byte, src []float64) {
	le := binary.LittleEndian
	switch d {
	case Uint8:
		for i, v := range src {
			dst[i] = uint8(d.Convert(v))
		}
	case Uint16:
		for i, v := range src {
			le.PutUint16(dst[2*i:], uint16(d.Convert(v)))
		}
	case Int16:
		for i, v := range src {
			le.PutUint16(dst[2*i:], uint16(int16(d.Convert(v))))
		}
	case Int32:
		for i, v := range src {
			le.PutUint32(dst[4*i:], uint32(int32(d.Convert(v))))
		}
	case Float16:
		half.EncodeBytes(dst, src)
	case Float32:
		for i, v := range src {
			le.PutUint32(dst[4*i:], math.Float32bits(float32(v)))
		}
	case Float64:
		for i, v := range src {
			le.PutUint64(dst[8*i:], math.Float64bits(v))
		}
	}
}
